// Package spam decodes SPAM RAW recordings with their XTR sidecar headers.
//
// Each recording window is an XTR/RAW pair. The XTR file is an INI-like text
// header where duplicate keys form ordered lists. The RAW file opens with an
// ASCII general header, one event header per event, and a float32
// little-endian payload interleaved across the recorded channels. Raw values
// are sensor volts; per-channel scalings from the XTR header convert them to
// millivolts with the polarity reversal the hardware requires.
package spam

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const wordBytes = 4 // float32 samples

// Reader decodes one XTR/RAW pair.
type Reader struct {
	xtrPath string
	rawPath string

	header        timeseries.Header
	recChans      int
	dataByteStart int64
	nSamples      int64
}

// Open accepts either side of the pair: an .XTR header or a .RAW data file
// with its same-named sidecar. The headers of both files are read and
// cross-checked.
func Open(path string) (*Reader, error) {
	r := &Reader{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xtr":
		r.xtrPath = path
	case ".raw":
		r.rawPath = path
		sidecar, err := sidecarXTR(path)
		if err != nil {
			return nil, err
		}
		r.xtrPath = sidecar
	default:
		return nil, fmt.Errorf("%s: %w: not an XTR or RAW file", path, timeseries.ErrUnrecognizedFormat)
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the normalized recording metadata.
func (r *Reader) Header() (timeseries.Header, error) {
	return r.header, nil
}

func (r *Reader) readHeader() error {
	xtr, err := parseXTR(r.xtrPath)
	if err != nil {
		return err
	}

	fileName, ok := xtr.value("FILE", "NAME")
	if !ok {
		return r.malformed("no FILE NAME entry")
	}
	nameFields := strings.Fields(fileName)
	if len(nameFields) < 2 {
		return r.malformed("bad FILE NAME entry %q", fileName)
	}
	if r.rawPath == "" {
		r.rawPath = filepath.Join(filepath.Dir(r.xtrPath), nameFields[0])
	}
	rate, err := timeseries.RateFromHz(math.Abs(parseFloatField(nameFields[len(nameFields)-1])))
	if err != nil {
		return r.malformed("bad sampling frequency in FILE NAME: %v", err)
	}

	first, last, err := parseDateRange(xtr)
	if err != nil {
		return r.malformed("%v", err)
	}
	span, exact := rate.SamplesIn(last.Sub(first))
	if !exact {
		return r.malformed("window %s to %s does not align to the %s sample grid", first, last, rate)
	}
	nSamples := span + 1 // DATE carries first and last sample instants inclusive

	channels, err := r.readChannels(xtr)
	if err != nil {
		return err
	}

	raw, err := readRAWHeaders(r.rawPath)
	if err != nil {
		return err
	}
	if raw.nSamples != nSamples {
		return r.malformed("XTR window holds %d samples but RAW event declares %d", nSamples, raw.nSamples)
	}
	if len(channels) > raw.recChans {
		return r.malformed("%d channels named but only %d recorded", len(channels), raw.recChans)
	}
	r.recChans = raw.recChans
	r.dataByteStart = raw.dataByteStart
	r.nSamples = nSamples

	r.header = timeseries.Header{
		StartTime: first,
		Rate:      rate,
		Channels:  channels,
		NSamples:  nSamples,
	}
	return r.header.Validate()
}

func (r *Reader) readChannels(xtr *xtrFile) ([]timeseries.ChannelSpec, error) {
	names, ok := xtr.values("CHANNAME", "NAME")
	if !ok || len(names) == 0 {
		return nil, r.malformed("no CHANNAME NAME entries")
	}

	dataLines, _ := xtr.values("DATA", "CHAN")
	if len(dataLines) < len(names) {
		return nil, r.malformed("%d channels named but %d DATA CHAN entries", len(names), len(dataLines))
	}

	channels := make([]timeseries.ChannelSpec, 0, len(names))
	for i, entry := range names {
		fields := strings.Fields(entry)
		if len(fields) < 2 {
			return nil, r.malformed("bad CHANNAME entry %q", entry)
		}
		name := canonicalChannel(fields[1])
		dataFields := strings.Fields(dataLines[i])
		if len(dataFields) < 2 {
			return nil, r.malformed("channel %s: bad DATA CHAN entry", name)
		}

		spec := timeseries.ChannelSpec{
			Name:     name,
			Sensor:   timeseries.SensorForChannel(name),
			DataFile: filepath.Base(r.rawPath),
		}
		// Both polarities are reversed in hardware and volts convert to
		// millivolts, then a further instrument factor of 1000 applies.
		switch spec.Sensor {
		case timeseries.SensorElectric:
			s := parseFloatField(dataFields[len(dataFields)-2])
			spec.Scaling = -1000 * s * 1000
			spec.Unit = "mV/km"
			if len(dataFields) > 3 {
				if d := parseFloatField(dataFields[3]); d > 0 {
					spec.DipoleM = d
					spec.Scaling /= d / 1000
				}
			}
		default:
			spec.Scaling = -1000
			spec.Unit = "mV"
		}

		// sensor module sections are numbered 200<idx>003
		if module, ok := xtr.value(fmt.Sprintf("200%d003", i+1), "MODULE"); ok {
			if f := strings.Fields(module); len(f) > 1 {
				spec.Serial = f[1]
			}
		}
		channels = append(channels, spec)
	}
	return channels, nil
}

// Segments decodes the interleaved payload into one segment per named
// channel. The payload may record more channels than are named; the named
// ones occupy the leading interleave positions. A payload holding fewer
// frames than the event header declares yields the whole frames present plus
// a TruncatedPayloadError.
func (r *Reader) Segments(ctx context.Context) ([]timeseries.Segment, error) {
	f, err := os.Open(r.rawPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.rawPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", r.rawPath, err)
	}

	frameBytes := int64(r.recChans * wordBytes)
	payload := info.Size() - r.dataByteStart
	if payload < 0 {
		payload = 0
	}
	whole := payload / frameBytes
	truncated := whole < r.nSamples
	if whole > r.nSamples {
		whole = r.nSamples
	}

	if _, err := f.Seek(r.dataByteStart, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking payload in %s: %w", r.rawPath, err)
	}

	chans := r.header.Channels
	samples := make([][]float64, len(chans))
	for i := range samples {
		samples[i] = make([]float64, 0, whole)
	}

	const chunkFrames = 16384
	buf := make([]byte, chunkFrames*frameBytes)
	for remaining := whole; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(int64(chunkFrames), remaining)
		chunk := buf[:n*frameBytes]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return nil, &timeseries.FormatError{
				Path:   r.rawPath,
				Offset: r.dataByteStart + (whole-remaining)*frameBytes,
				Err:    fmt.Errorf("reading frames: %w", err),
			}
		}
		for fr := int64(0); fr < n; fr++ {
			base := fr * frameBytes
			for ci, spec := range chans {
				bits := binary.LittleEndian.Uint32(chunk[base+int64(ci*wordBytes):])
				samples[ci] = append(samples[ci], float64(math.Float32frombits(bits))*spec.Scaling)
			}
		}
		remaining -= n
	}

	segments := make([]timeseries.Segment, 0, len(chans))
	for i, spec := range chans {
		segments = append(segments, timeseries.Segment{
			Channel: spec.Name,
			Start:   r.header.StartTime,
			Rate:    r.header.Rate,
			Samples: samples[i],
		})
	}
	if truncated {
		return segments, &timeseries.TruncatedPayloadError{
			Path:          r.rawPath,
			WholeSamples:  whole,
			TrailingBytes: payload % frameBytes,
		}
	}
	return segments, nil
}

func (r *Reader) malformed(format string, args ...any) error {
	return &timeseries.FormatError{
		Path: r.xtrPath,
		Err:  fmt.Errorf("%w: %s", timeseries.ErrMalformedHeader, fmt.Sprintf(format, args...)),
	}
}

// rawHeaders carries the fields of the RAW general and event headers the
// decoder needs.
type rawHeaders struct {
	recLength     int64
	recChans      int
	nSamples      int64
	dataByteStart int64
}

// readRAWHeaders parses the ASCII general header and the single event
// header. Multi-event RAW files are a deprecated variant and rejected.
func readRAWHeaders(path string) (rawHeaders, error) {
	f, err := os.Open(path)
	if err != nil {
		return rawHeaders{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	malformed := func(format string, args ...any) error {
		return &timeseries.FormatError{Path: path,
			Err: fmt.Errorf("%w: %s", timeseries.ErrMalformedHeader, fmt.Sprintf(format, args...))}
	}

	head := make([]byte, 1000)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return rawHeaders{}, malformed("reading general header: %v", err)
	}
	general := strings.Fields(string(head[:n]))
	if len(general) < 10 {
		return rawHeaders{}, malformed("general header has %d fields, need 10", len(general))
	}
	var h rawHeaders
	if h.recLength, err = strconv.ParseInt(general[0], 10, 64); err != nil || h.recLength <= 0 {
		return rawHeaders{}, malformed("bad record length %q", general[0])
	}
	if h.recChans, err = strconv.Atoi(general[5]); err != nil || h.recChans <= 0 {
		return rawHeaders{}, malformed("bad recorded channel count %q", general[5])
	}
	nEvents, err := strconv.Atoi(general[8])
	if err != nil || nEvents < 1 {
		return rawHeaders{}, malformed("bad event count %q", general[8])
	}
	if nEvents != 1 {
		return rawHeaders{}, malformed("%d events recorded, only single-event files are supported", nEvents)
	}
	firstEvent, err := strconv.ParseInt(general[7], 10, 64)
	if err != nil || firstEvent < 1 {
		return rawHeaders{}, malformed("bad first event record %q", general[7])
	}

	// event header lives at its record offset, records are one-based
	evBuf := make([]byte, 1000)
	n, err = f.ReadAt(evBuf, (firstEvent-1)*h.recLength)
	if err != nil && !errors.Is(err, io.EOF) {
		return rawHeaders{}, malformed("reading event header: %v", err)
	}
	event := strings.Fields(string(evBuf[:n]))
	if len(event) < 12 {
		return rawHeaders{}, malformed("event header has %d fields, need 12", len(event))
	}
	if h.nSamples, err = strconv.ParseInt(event[10], 10, 64); err != nil || h.nSamples <= 0 {
		return rawHeaders{}, malformed("bad event sample count %q", event[10])
	}
	startData, err := strconv.ParseInt(event[11], 10, 64)
	if err != nil || startData < 1 {
		return rawHeaders{}, malformed("bad data start record %q", event[11])
	}
	h.dataByteStart = (startData - 1) * h.recLength
	return h, nil
}

// parseDateRange decodes the FILE DATE entry: four fields holding the first
// and last sample instants as epoch seconds and microseconds.
func parseDateRange(xtr *xtrFile) (time.Time, time.Time, error) {
	date, ok := xtr.value("FILE", "DATE")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("no FILE DATE entry")
	}
	fields := strings.Fields(date)
	if len(fields) < 4 {
		return time.Time{}, time.Time{}, fmt.Errorf("bad FILE DATE entry %q", date)
	}
	first, err := epochMicro(fields[0], fields[1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err := epochMicro(fields[2], fields[3])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return first, last, nil
}

func epochMicro(secField, usecField string) (time.Time, error) {
	sec, err1 := strconv.ParseInt(secField, 10, 64)
	usec, err2 := strconv.ParseInt(usecField, 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q %q", secField, usecField)
	}
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC(), nil
}

// canonicalChannel normalizes instrument channel labels; magnetic channels
// are sometimes labelled B instead of H.
func canonicalChannel(name string) string {
	if len(name) > 0 && (name[0] == 'B' || name[0] == 'b') {
		return "H" + name[1:]
	}
	return name
}

func parseFloatField(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// sidecarXTR resolves the XTR header next to a RAW data file.
func sidecarXTR(rawPath string) (string, error) {
	base := strings.TrimSuffix(rawPath, filepath.Ext(rawPath))
	for _, ext := range []string{".XTR", ".xtr"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext, nil
		}
	}
	return "", fmt.Errorf("%s: %w: no XTR header alongside the RAW file", rawPath, timeseries.ErrMalformedHeader)
}

// xtrFile holds a parsed XTR header. Keys repeat within a section and order
// is significant, so values are kept as ordered lists.
type xtrFile struct {
	sections map[string]map[string][]string
}

func parseXTR(path string) (*xtrFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	x := &xtrFile{sections: make(map[string]map[string][]string)}
	section := "GLOBAL"
	x.sections[section] = make(map[string][]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "'", ""))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			if _, ok := x.sections[section]; !ok {
				x.sections[section] = make(map[string][]string)
			}
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &timeseries.FormatError{Path: path,
				Err: fmt.Errorf("%w: line %q is neither section nor assignment", timeseries.ErrMalformedHeader, line)}
		}
		key = strings.TrimSpace(key)
		x.sections[section][key] = append(x.sections[section][key], strings.TrimSpace(val))
	}
	return x, nil
}

func (x *xtrFile) value(section, key string) (string, bool) {
	vals, ok := x.values(section, key)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func (x *xtrFile) values(section, key string) ([]string, bool) {
	s, ok := x.sections[section]
	if !ok {
		return nil, false
	}
	vals, ok := s[key]
	return vals, ok
}
