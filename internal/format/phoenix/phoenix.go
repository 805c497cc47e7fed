// Package phoenix decodes Phoenix MTU5 recordings.
//
// A measurement directory holds one binary .TBL metadata table and one data
// file per sampling frequency (.TS2 through .TS5, higher numbers are faster
// and the highest is the continuous recording). A TS file is a sequence of
// records, each preceded by a 32-byte tag carrying the record start time,
// the scan count and the sampling rate. One scan is one 3-byte two's
// complement sample per channel, channels interleaved.
package phoenix

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const (
	tagBytes        = 32
	sampleBytes     = 3
	tableEntryBytes = 25 // 12-byte entry header, 13-byte value
	tableNameBytes  = 4
	tableValueOff   = 12

	fullScale = 1 << 23 // counts at full scale voltage
)

// Reader decodes the records of a single TS data file.
type Reader struct {
	dataPath string
	tblPath  string

	header   timeseries.Header
	channels []string  // table channel order
	scale    []float64 // counts to physical units, per channel
	nChans   int
	records  []record
	trailing int64
}

// record locates one tagged run of scans inside the data file.
type record struct {
	start     time.Time
	nScans    int64
	byteStart int64
}

// Open reads the metadata table and walks the record tags of a recording.
// path may name either the data file or the .TBL table; given the table, the
// highest-numbered TS file in the directory is chosen, which is the
// continuous recording.
func Open(path string) (*Reader, error) {
	r := &Reader{}
	var err error
	if strings.EqualFold(filepath.Ext(path), ".tbl") {
		r.tblPath = path
		if r.dataPath, err = continuousDataPath(filepath.Dir(path)); err != nil {
			return nil, err
		}
	} else {
		r.dataPath = path
		if r.tblPath, err = tablePath(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the normalized instrument metadata.
func (r *Reader) Header() (timeseries.Header, error) {
	return r.header, nil
}

func (r *Reader) readHeader() error {
	tbl, err := readTable(r.tblPath)
	if err != nil {
		return err
	}
	if err := r.readChannels(tbl); err != nil {
		return &timeseries.FormatError{Path: r.tblPath, Err: err}
	}
	if err := r.scanRecords(); err != nil {
		return err
	}

	rate := r.header.Rate
	var nSamples int64
	for _, rec := range r.records {
		nSamples += rec.nScans
	}

	channels := make([]timeseries.ChannelSpec, 0, len(r.channels))
	for i, name := range r.channels {
		spec := timeseries.ChannelSpec{
			Name:     name,
			Scaling:  r.scale[i],
			Sensor:   timeseries.SensorForChannel(name),
			DataFile: filepath.Base(r.dataPath),
		}
		if spec.Sensor == timeseries.SensorElectric {
			spec.Unit = "mV/km"
			spec.DipoleM, _ = tbl.float(dipoleKeys[name])
		} else {
			spec.Unit = "nT"
			if sn, ok := tbl.str(strings.ToUpper(name) + "SN"); ok && len(sn) >= 4 {
				spec.Serial = sn[len(sn)-4:]
			}
		}
		channels = append(channels, spec)
	}

	r.header = timeseries.Header{
		StartTime: r.records[0].start,
		Rate:      rate,
		Channels:  channels,
		NSamples:  nSamples,
	}
	return r.header.Validate()
}

var dipoleKeys = map[string]string{"Ex": "EXLN", "Ey": "EYLN"}

// readChannels derives the channel order and count scalings from the table.
// The conversion chain comes from the Phoenix calibration notes: FSCV/2^23
// converts counts to machine volts, the gains undo the acquisition gain, and
// electric channels divide by the dipole length for mV/km.
func (r *Reader) readChannels(tbl *table) error {
	fscv, ok := tbl.float("FSCV")
	if !ok || fscv <= 0 {
		return fmt.Errorf("%w: missing full scale voltage FSCV", timeseries.ErrMalformedHeader)
	}
	volts := fscv / fullScale

	type orderedChan struct {
		name  string
		order int64
	}
	var ordered []orderedChan
	for _, name := range [5]string{"Ex", "Ey", "Hx", "Hy", "Hz"} {
		order, ok := tbl.integer("CH" + strings.ToUpper(name))
		if !ok {
			return fmt.Errorf("%w: missing channel assignment CH%s", timeseries.ErrMalformedHeader, strings.ToUpper(name))
		}
		ordered = append(ordered, orderedChan{name, order})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	egn, ok := tbl.integer("EGN")
	if !ok || egn <= 0 {
		return fmt.Errorf("%w: missing electric gain EGN", timeseries.ErrMalformedHeader)
	}
	hgn, ok := tbl.integer("HGN")
	if !ok || hgn <= 0 {
		return fmt.Errorf("%w: missing magnetic gain HGN", timeseries.ErrMalformedHeader)
	}
	hatt, ok := tbl.float("HATT")
	if !ok || hatt <= 0 {
		return fmt.Errorf("%w: missing interconnect factor HATT", timeseries.ErrMalformedHeader)
	}
	// HNUM is the coil scale factor in mV/nT; absent for sensors that do
	// not need it
	gain2 := 1.0
	if hnum, ok := tbl.float("HNUM"); ok && hnum > 0 {
		gain2 = 1000.0 / hnum
	}

	r.channels = make([]string, len(ordered))
	r.scale = make([]float64, len(ordered))
	for i, oc := range ordered {
		r.channels[i] = oc.name
		if timeseries.SensorForChannel(oc.name) == timeseries.SensorElectric {
			dipole, ok := tbl.float(dipoleKeys[oc.name])
			if !ok || dipole <= 0 {
				return fmt.Errorf("%w: missing dipole length %s", timeseries.ErrMalformedHeader, dipoleKeys[oc.name])
			}
			r.scale[i] = volts / float64(egn) / dipole * 1e6
		} else {
			r.scale[i] = volts / (float64(hgn) * hatt) * gain2
		}
	}
	r.nChans = len(ordered)
	return nil
}

// scanRecords walks the tag chain of the data file and indexes every record.
// The payload itself is not read. A file that ends inside a record keeps the
// whole scans before the cut and notes the trailing bytes.
func (r *Reader) scanRecords() error {
	f, err := os.Open(r.dataPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.dataPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", r.dataPath, err)
	}
	size := info.Size()
	if size < tagBytes {
		return &timeseries.FormatError{Path: r.dataPath, Err: fmt.Errorf("%w: file shorter than one record tag", timeseries.ErrMalformedHeader)}
	}

	buf := make([]byte, tagBytes)
	scanBytes := int64(r.nChans) * sampleBytes
	var offset int64
	for offset < size {
		if size-offset < tagBytes {
			r.trailing = size - offset
			break
		}
		if n, err := f.ReadAt(buf, offset); err != nil && n < tagBytes {
			return &timeseries.FormatError{Path: r.dataPath, Offset: offset, Err: fmt.Errorf("reading record tag: %w", err)}
		}
		tg, err := parseTag(buf)
		if err != nil {
			return &timeseries.FormatError{Path: r.dataPath, Offset: offset, Err: err}
		}
		if tg.nChans != r.nChans {
			return &timeseries.FormatError{Path: r.dataPath, Offset: offset,
				Err: fmt.Errorf("%w: tag declares %d channels, table defines %d", timeseries.ErrMalformedHeader, tg.nChans, r.nChans)}
		}
		if r.header.Rate.IsZero() {
			r.header.Rate = tg.rate
		} else if !r.header.Rate.Equal(tg.rate) {
			return &timeseries.FormatError{Path: r.dataPath, Offset: offset,
				Err: fmt.Errorf("%w: record rate %s differs from %s", timeseries.ErrMalformedHeader, tg.rate, r.header.Rate)}
		}

		dataBytes := tg.nScans * scanBytes
		if offset+tagBytes+dataBytes > size {
			avail := size - offset - tagBytes
			whole := avail / scanBytes
			r.trailing = avail % scanBytes
			if whole > 0 {
				r.records = append(r.records, record{start: tg.start, nScans: whole, byteStart: offset + tagBytes})
			}
			break
		}
		r.records = append(r.records, record{start: tg.start, nScans: tg.nScans, byteStart: offset + tagBytes})
		offset += tagBytes + dataBytes
	}
	if len(r.records) == 0 {
		return &timeseries.FormatError{Path: r.dataPath, Err: fmt.Errorf("%w: no complete records", timeseries.ErrMalformedHeader)}
	}
	return nil
}

// Segments decodes the records into per-channel segments. Records whose
// start lines up with the continuation of the previous one merge into a
// single segment; discontinuous TS files split at every timing break. A file
// cut mid-scan yields the whole scans together with a
// TruncatedPayloadError.
func (r *Reader) Segments(ctx context.Context) ([]timeseries.Segment, error) {
	f, err := os.Open(r.dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.dataPath, err)
	}
	defer f.Close()

	rate := r.header.Rate
	tol := rate.Period() / 2
	scanBytes := r.nChans * sampleBytes

	var segments []timeseries.Segment
	samples := make([][]float64, r.nChans)
	var runStart time.Time
	var runSamples int64

	flush := func() {
		if runSamples == 0 {
			return
		}
		for i, name := range r.channels {
			segments = append(segments, timeseries.Segment{
				Channel: name,
				Start:   runStart,
				Rate:    rate,
				Samples: samples[i],
			})
		}
		samples = make([][]float64, r.nChans)
		runSamples = 0
	}

	var decoded int64
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if runSamples > 0 {
			expected := runStart.Add(rate.Duration(runSamples))
			if d := rec.start.Sub(expected); d > tol || d < -tol {
				flush()
			}
		}
		if runSamples == 0 {
			runStart = rec.start
		}

		buf := make([]byte, rec.nScans*int64(scanBytes))
		if n, err := f.ReadAt(buf, rec.byteStart); err != nil && n < len(buf) {
			return nil, &timeseries.FormatError{Path: r.dataPath, Offset: rec.byteStart, Err: fmt.Errorf("reading record: %w", err)}
		}
		for s := int64(0); s < rec.nScans; s++ {
			scan := buf[s*int64(scanBytes):]
			for c := 0; c < r.nChans; c++ {
				raw := decodeSample(scan[c*sampleBytes:])
				samples[c] = append(samples[c], float64(raw)*r.scale[c])
			}
		}
		runSamples += rec.nScans
		decoded += rec.nScans
	}
	flush()

	if r.trailing > 0 {
		return segments, &timeseries.TruncatedPayloadError{
			Path:          r.dataPath,
			WholeSamples:  decoded,
			TrailingBytes: r.trailing,
		}
	}
	return segments, nil
}

// decodeSample reads one 3-byte little-endian two's complement sample.
func decodeSample(b []byte) int32 {
	v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

// tag is the 32-byte record preamble.
type tag struct {
	start  time.Time
	nScans int64
	nChans int
	rate   timeseries.Rate
}

func parseTag(b []byte) (tag, error) {
	var t tag
	var err error
	if t.start, err = tagTime(b[0:8]); err != nil {
		return t, err
	}
	t.nScans = int64(int16(binary.LittleEndian.Uint16(b[10:12])))
	t.nChans = int(b[12])
	if t.nScans <= 0 || t.nChans <= 0 {
		return t, fmt.Errorf("%w: tag declares %d scans over %d channels", timeseries.ErrMalformedHeader, t.nScans, t.nChans)
	}
	if b[17] != sampleBytes {
		return t, fmt.Errorf("%w: %d-byte samples, expected %d", timeseries.ErrMalformedHeader, b[17], sampleBytes)
	}
	t.rate, err = tagRate(int64(int16(binary.LittleEndian.Uint16(b[18:20]))), b[20])
	if err != nil {
		return t, err
	}
	return t, nil
}

// tagTime decodes the 8-byte tag timestamp: second, minute, hour, day,
// month, two-digit year, day of week, century.
func tagTime(b []byte) (time.Time, error) {
	year := int(b[7])*100 + int(b[5])
	month := int(b[4])
	if month < 1 || month > 12 || b[3] < 1 || b[3] > 31 || b[2] > 23 || b[1] > 59 || b[0] > 59 {
		return time.Time{}, fmt.Errorf("%w: implausible tag timestamp", timeseries.ErrMalformedHeader)
	}
	return time.Date(year, time.Month(month), int(b[3]), int(b[2]), int(b[1]), int(b[0]), 0, time.UTC), nil
}

// tagRate converts the tag rate and unit fields: samples per second, minute,
// hour or day.
func tagRate(n int64, units byte) (timeseries.Rate, error) {
	den := map[byte]int64{0: 1, 1: 60, 2: 3600, 3: 86400}[units]
	if den == 0 || n <= 0 {
		return timeseries.Rate{}, fmt.Errorf("%w: sample rate %d with unit code %d", timeseries.ErrMalformedHeader, n, units)
	}
	return timeseries.NewRate(n, den)
}

// Sniff reports whether the probe plausibly starts with a record tag.
func Sniff(probe []byte) bool {
	if len(probe) < tagBytes {
		return false
	}
	if century := probe[7]; century < 19 || century > 21 {
		return false
	}
	if _, err := parseTag(probe[:tagBytes]); err != nil {
		return false
	}
	return probe[12] <= 16 // channel count
}

// continuousDataPath picks the highest-numbered TS file in a directory,
// which holds the continuous recording.
func continuousDataPath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}
	best := ""
	for _, e := range entries {
		ext := strings.ToUpper(filepath.Ext(e.Name()))
		if len(ext) == 4 && strings.HasPrefix(ext, ".TS") && ext[3] >= '0' && ext[3] <= '9' {
			if best == "" || ext > strings.ToUpper(filepath.Ext(best)) {
				best = e.Name()
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("%s: %w: no TS data file next to the table", dir, timeseries.ErrUnrecognizedFormat)
	}
	return filepath.Join(dir, best), nil
}

// tablePath locates the single .TBL file next to a TS data file.
func tablePath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}
	var matches []string
	for _, e := range entries {
		if strings.EqualFold(filepath.Ext(e.Name()), ".tbl") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%s: %w: expected exactly one TBL table next to the data file, found %d",
			dir, timeseries.ErrUnrecognizedFormat, len(matches))
	}
	return matches[0], nil
}

// table holds the typed entries of a .TBL metadata file.
type table struct {
	ints    map[string]int64
	floats  map[string]float64
	strings map[string]string
}

func (t *table) integer(name string) (int64, bool) { v, ok := t.ints[name]; return v, ok }
func (t *table) float(name string) (float64, bool) { v, ok := t.floats[name]; return v, ok }
func (t *table) str(name string) (string, bool)    { v, ok := t.strings[name]; return v, ok }

type tableKind int

const (
	kindInt tableKind = iota
	kindFloat
	kindString
)

// tableKinds types the entries the reader consumes. A TBL file carries a few
// hundred entries; unknown names are skipped over, every entry being a fixed
// 25 bytes.
var tableKinds = map[string]tableKind{
	"SNUM": kindInt, "EGN": kindInt, "HGN": kindInt, "ELEV": kindInt,
	"CHEX": kindInt, "CHEY": kindInt, "CHHX": kindInt, "CHHY": kindInt, "CHHZ": kindInt,
	"FSCV": kindFloat, "HATT": kindFloat, "HNUM": kindFloat,
	"EXLN": kindFloat, "EYLN": kindFloat,
	"HXSN": kindString, "HYSN": kindString, "HZSN": kindString,
	"HW": kindString, "LATG": kindString, "LNGG": kindString,
}

func readTable(path string) (*table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", path, err)
	}
	if len(raw) < tableEntryBytes {
		return nil, &timeseries.FormatError{Path: path, Err: fmt.Errorf("%w: table shorter than one entry", timeseries.ErrMalformedHeader)}
	}

	tbl := &table{
		ints:    make(map[string]int64),
		floats:  make(map[string]float64),
		strings: make(map[string]string),
	}
	for off := 0; off+tableEntryBytes <= len(raw); off += tableEntryBytes {
		entry := raw[off : off+tableEntryBytes]
		name := string(trimNUL(entry[:tableNameBytes]))
		kind, ok := tableKinds[name]
		if !ok {
			continue
		}
		value := entry[tableValueOff:]
		switch kind {
		case kindInt:
			tbl.ints[name] = int64(int32(binary.LittleEndian.Uint32(value[:4])))
		case kindFloat:
			tbl.floats[name] = float64frombytes(value[:8])
		case kindString:
			tbl.strings[name] = string(trimNUL(value))
		}
	}
	return tbl, nil
}

func trimNUL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == 0 || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func float64frombytes(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
