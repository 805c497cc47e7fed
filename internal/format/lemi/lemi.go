// Package lemi decodes Lemi B423 recordings.
//
// A B423 file is a 1024-byte ASCII header followed by fixed 30-byte binary
// records. Each record carries a whole-second timestamp, the sample number
// within that second, five int32 samples in the fixed channel order Hx, Hy,
// Hz, Ex, Ey, and two int16 status words (PPS deviation and PLL accuracy).
// The ASCII header provides per-channel multiplier and offset scalings that
// convert raw counts to microvolts (electric) and millivolts (magnetic).
package lemi

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const (
	headerBytes = 1024
	recordBytes = 30
)

// Channels is the fixed B423 channel order.
var Channels = [5]string{"Hx", "Hy", "Hz", "Ex", "Ey"}

var (
	multKeys = map[string]string{"Hx": "Kmx", "Hy": "Kmy", "Hz": "Kmz", "Ex": "Ke1", "Ey": "Ke2"}
	addKeys  = map[string]string{"Hx": "Ax", "Hy": "Ay", "Hz": "Az", "Ex": "Ae1", "Ey": "Ae2"}
)

// Option configures a Reader.
type Option func(*Reader)

// WithSampleRate pins the sampling rate. B423 headers do not declare one;
// without this option the rate is inferred from the per-second sample
// counters of the first records.
func WithSampleRate(r timeseries.Rate) Option {
	return func(rd *Reader) { rd.rate = r }
}

// Reader decodes a single B423 file.
type Reader struct {
	path string
	rate timeseries.Rate

	header   timeseries.Header
	scale    map[string]float64
	offset   map[string]float64
	nRecords int64
	trailing int64
}

// Open reads and validates the file header. The payload is not touched
// beyond the records needed to establish the start time and, if required,
// infer the sampling rate.
func Open(path string, opts ...Option) (*Reader, error) {
	r := &Reader{path: path}
	for _, opt := range opts {
		opt(r)
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
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", r.path, err)
	}
	if info.Size() < headerBytes+recordBytes {
		return &timeseries.FormatError{Path: r.path, Err: fmt.Errorf("%w: file shorter than header and one record", timeseries.ErrMalformedHeader)}
	}

	raw := make([]byte, headerBytes)
	if _, err := io.ReadFull(f, raw); err != nil {
		return &timeseries.FormatError{Path: r.path, Err: fmt.Errorf("reading header: %w", err)}
	}

	values, err := parseASCIIHeader(raw)
	if err != nil {
		return &timeseries.FormatError{Path: r.path, Err: err}
	}

	r.scale = make(map[string]float64, len(Channels))
	r.offset = make(map[string]float64, len(Channels))
	for _, ch := range Channels {
		k, ok := values[multKeys[ch]]
		if !ok {
			return &timeseries.FormatError{Path: r.path,
				Err: fmt.Errorf("%w: missing scaling %s for channel %s", timeseries.ErrMalformedHeader, multKeys[ch], ch)}
		}
		a, ok := values[addKeys[ch]]
		if !ok {
			return &timeseries.FormatError{Path: r.path,
				Err: fmt.Errorf("%w: missing offset %s for channel %s", timeseries.ErrMalformedHeader, addKeys[ch], ch)}
		}
		r.scale[ch] = k
		r.offset[ch] = a
	}

	payload := info.Size() - headerBytes
	r.nRecords = payload / recordBytes
	r.trailing = payload % recordBytes

	if r.rate.IsZero() {
		if r.rate, err = inferRate(f); err != nil {
			return &timeseries.FormatError{Path: r.path, Err: err}
		}
	}

	first := make([]byte, recordBytes)
	if n, err := f.ReadAt(first, headerBytes); err != nil && n < recordBytes {
		return &timeseries.FormatError{Path: r.path, Offset: headerBytes, Err: fmt.Errorf("reading first record: %w", err)}
	}
	start := r.recordInstant(first)

	// Cross-check the record count against the first and last record
	// timestamps. A span longer than the record count implies is a gap and
	// handled by run splitting; a shorter span means duplicated or
	// overlapping records.
	last := make([]byte, recordBytes)
	if n, err := f.ReadAt(last, headerBytes+(r.nRecords-1)*recordBytes); err != nil && n < recordBytes {
		return &timeseries.FormatError{Path: r.path, Err: fmt.Errorf("reading last record: %w", err)}
	}
	span := r.recordInstant(last).Sub(start)
	if n, _ := r.rate.SamplesIn(span); n < r.nRecords-1 {
		return &timeseries.FormatError{Path: r.path,
			Err: fmt.Errorf("%w: %d records but first and last timestamps span only %s at %s",
				timeseries.ErrMalformedHeader, r.nRecords, span, r.rate)}
	}

	channels := make([]timeseries.ChannelSpec, 0, len(Channels))
	for _, ch := range Channels {
		sensor := timeseries.SensorForChannel(ch)
		unit := "mV"
		if sensor == timeseries.SensorElectric {
			unit = "uV"
		}
		channels = append(channels, timeseries.ChannelSpec{
			Name:    ch,
			Unit:    unit,
			Scaling: r.scale[ch],
			Offset:  r.offset[ch],
			Sensor:  sensor,
		})
	}

	r.header = timeseries.Header{
		StartTime: start,
		Rate:      r.rate,
		Channels:  channels,
		NSamples:  r.nRecords,
	}
	return r.header.Validate()
}

// Segments streams the payload records and returns one Segment per channel.
// Records are decoded in chunks; a timestamp discontinuity inside the file
// closes the current run and starts a new one, so a single file may yield
// several segments per channel. Trailing bytes that do not form a whole
// record are reported through a TruncatedPayloadError alongside the decoded
// segments.
func (r *Reader) Segments(ctx context.Context) ([]timeseries.Segment, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(headerBytes, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking payload in %s: %w", r.path, err)
	}

	const chunkRecords = 4096
	buf := make([]byte, chunkRecords*recordBytes)
	tol := r.rate.Period() / 2

	var segments []timeseries.Segment
	run := newRun()
	var runStart time.Time
	var read int64

	flush := func() {
		segments = append(segments, run.segments(runStart, r.rate)...)
		run = newRun()
	}

	for read < r.nRecords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(int64(chunkRecords), r.nRecords-read)
		chunk := buf[:n*recordBytes]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return nil, &timeseries.FormatError{
				Path:   r.path,
				Offset: headerBytes + read*recordBytes,
				Err:    fmt.Errorf("reading records: %w", err),
			}
		}

		for i := int64(0); i < n; i++ {
			rec := chunk[i*recordBytes : (i+1)*recordBytes]
			instant := r.recordInstant(rec)

			if run.n == 0 {
				runStart = instant
			} else {
				expected := runStart.Add(r.rate.Duration(run.n))
				if d := instant.Sub(expected); d > tol || d < -tol {
					flush()
					runStart = instant
				}
			}
			run.add(rec, r.scale, r.offset)
		}
		read += n
	}
	flush()

	if r.trailing > 0 {
		return segments, &timeseries.TruncatedPayloadError{
			Path:          r.path,
			WholeSamples:  r.nRecords,
			TrailingBytes: r.trailing,
		}
	}
	return segments, nil
}

// recordInstant decodes the record timestamp: whole epoch second plus the
// sample counter within that second.
func (r *Reader) recordInstant(rec []byte) time.Time {
	sec := int64(binary.LittleEndian.Uint32(rec[0:4]))
	num := int64(binary.LittleEndian.Uint16(rec[4:6]))
	return time.Unix(sec, 0).UTC().Add(r.rate.Duration(num))
}

// run accumulates decoded samples for one contiguous record run.
type run struct {
	samples [len(Channels)][]float64
	n       int64
}

func newRun() *run {
	return &run{}
}

func (r *run) add(rec []byte, scale, offset map[string]float64) {
	for i, ch := range Channels {
		raw := int32(binary.LittleEndian.Uint32(rec[6+4*i : 10+4*i]))
		r.samples[i] = append(r.samples[i], float64(raw)*scale[ch]+offset[ch])
	}
	r.n++
}

func (r *run) segments(start time.Time, rate timeseries.Rate) []timeseries.Segment {
	if r.n == 0 {
		return nil
	}
	out := make([]timeseries.Segment, 0, len(Channels))
	for i, ch := range Channels {
		out = append(out, timeseries.Segment{
			Channel: ch,
			Start:   start,
			Rate:    rate,
			Samples: r.samples[i],
		})
	}
	return out
}

// inferRate derives the sampling rate from the per-second sample counters of
// the first records. The counter runs 0..fs-1 within each second, so the
// highest counter observed over a couple of whole seconds gives fs.
func inferRate(f *os.File) (timeseries.Rate, error) {
	const maxRecords = 8192
	buf := make([]byte, maxRecords*recordBytes)
	n, err := f.ReadAt(buf, headerBytes)
	if err != nil && err != io.EOF {
		return timeseries.Rate{}, fmt.Errorf("inferring sample rate: %w", err)
	}
	records := n / recordBytes
	if records == 0 {
		return timeseries.Rate{}, fmt.Errorf("%w: no records to infer sample rate from", timeseries.ErrMalformedHeader)
	}

	var maxNum uint16
	firstSec := binary.LittleEndian.Uint32(buf[0:4])
	complete := false
	for i := 0; i < records; i++ {
		rec := buf[i*recordBytes:]
		sec := binary.LittleEndian.Uint32(rec[0:4])
		num := binary.LittleEndian.Uint16(rec[4:6])
		if num > maxNum {
			maxNum = num
		}
		if sec > firstSec {
			complete = true
		}
	}
	// without a completed second the highest counter seen is only a lower
	// bound on the rate
	if !complete {
		return timeseries.Rate{}, fmt.Errorf("%w: records never complete a whole second, cannot infer sample rate, supply one explicitly", timeseries.ErrMalformedHeader)
	}
	return timeseries.NewRate(int64(maxNum)+1, 1)
}

// parseASCIIHeader parses the 1024-byte comment header: "%key = value"
// scaling lines and "%Lat/%Lon/%Alt" location lines.
func parseASCIIHeader(raw []byte) (map[string]float64, error) {
	text := strings.TrimRight(string(raw), "\x00 \r\n")
	values := make(map[string]float64)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "%", ""))
		if line == "" {
			continue
		}
		if key, val, ok := strings.Cut(line, "="); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				continue // free-form comment line
			}
			values[strings.TrimSpace(key)] = f
			continue
		}
		for _, loc := range [3]string{"Lat", "Lon", "Alt"} {
			if strings.HasPrefix(line, loc) {
				val := strings.TrimSpace(strings.TrimPrefix(line, loc))
				val, _, _ = strings.Cut(val, ",")
				if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
					values[loc] = f
				}
			}
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no scaling entries in ASCII header", timeseries.ErrMalformedHeader)
	}
	return values, nil
}
