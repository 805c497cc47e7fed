// Package mseed decodes miniSEED (SEED v2.4) data records.
//
// A file is a sequence of fixed-length records. Each record carries a 48-byte
// fixed header, a blockette chain that must include blockette 1000 naming the
// payload encoding and record length, and the sample payload. Supported
// encodings are the integer and IEEE float types plus Steim1 and Steim2
// difference compression. Sample values are instrument counts and are passed
// through unscaled.
//
// Records for several traces may be interleaved in one file. Records are
// grouped per trace, sorted by start time, and contiguous runs become
// segments. Trace identifiers map to channel names through an optional
// channel map; unmapped traces keep their channel code.
package mseed

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const fixedHeaderBytes = 48

// Option configures a Reader.
type Option func(*Reader)

// WithChannelMap renames trace identifiers to channel names. Keys may be the
// full NET.STA.LOC.CHA identifier or just the channel code.
func WithChannelMap(m map[string]string) Option {
	return func(r *Reader) { r.channelMap = m }
}

// Reader decodes one miniSEED file.
type Reader struct {
	path       string
	channelMap map[string]string

	header  timeseries.Header
	records []record
}

// Open reads the whole record chain, decoding headers only, and derives the
// normalized file metadata from it.
func Open(path string, opts ...Option) (*Reader, error) {
	r := &Reader{path: path}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the normalized file metadata. With several traces at
// different rates the header carries the slowest rate and the earliest start.
func (r *Reader) Header() (timeseries.Header, error) {
	return r.header, nil
}

func (r *Reader) scan() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", r.path, err)
	}

	var offset int64
	for offset < info.Size() {
		head := make([]byte, 256)
		n, err := f.ReadAt(head, offset)
		if n < fixedHeaderBytes {
			if err == io.EOF && offset > 0 {
				break
			}
			return &timeseries.FormatError{Path: r.path, Offset: offset,
				Err: fmt.Errorf("%w: short record header", timeseries.ErrMalformedHeader)}
		}

		rec, err := parseRecordHeader(head[:n])
		if err != nil {
			return &timeseries.FormatError{Path: r.path, Offset: offset, Err: err}
		}
		rec.offset = offset
		rec.channel = r.channelName(rec.traceID, rec.channelCode)
		if rec.nSamples > 0 {
			r.records = append(r.records, rec)
		}
		offset += rec.recordLength
	}
	if len(r.records) == 0 {
		return &timeseries.FormatError{Path: r.path,
			Err: fmt.Errorf("%w: no data records", timeseries.ErrMalformedHeader)}
	}

	seen := make(map[string]bool)
	var channels []timeseries.ChannelSpec
	start := r.records[0].start
	base := r.records[0].rate
	var total int64
	for _, rec := range r.records {
		if rec.start.Before(start) {
			start = rec.start
		}
		if rec.rate.Less(base) {
			base = rec.rate
		}
		total += rec.nSamples
		if !seen[rec.channel] {
			seen[rec.channel] = true
			channels = append(channels, timeseries.ChannelSpec{
				Name:     rec.channel,
				Unit:     "counts",
				Scaling:  1,
				Sensor:   timeseries.SensorForChannel(rec.channel),
				Serial:   rec.traceID,
				DataFile: rec.traceID,
			})
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })

	r.header = timeseries.Header{
		StartTime: start,
		Rate:      base,
		Channels:  channels,
		NSamples:  total,
	}
	return r.header.Validate()
}

func (r *Reader) channelName(traceID, code string) string {
	if name, ok := r.channelMap[traceID]; ok {
		return name
	}
	if name, ok := r.channelMap[code]; ok {
		return name
	}
	return code
}

// Segments decodes every record payload and stitches per-channel record runs
// into segments. A new segment starts at any timing discontinuity or rate
// change between consecutive records of the same channel.
func (r *Reader) Segments(ctx context.Context) ([]timeseries.Segment, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.path, err)
	}
	defer f.Close()

	byChannel := make(map[string][]record)
	var order []string
	for _, rec := range r.records {
		if _, ok := byChannel[rec.channel]; !ok {
			order = append(order, rec.channel)
		}
		byChannel[rec.channel] = append(byChannel[rec.channel], rec)
	}
	sort.Strings(order)

	var segments []timeseries.Segment
	for _, channel := range order {
		recs := byChannel[channel]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].start.Before(recs[j].start) })

		var cur *timeseries.Segment
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			samples, err := r.decodePayload(f, rec)
			if err != nil {
				return nil, err
			}

			if cur != nil && cur.Rate.Equal(rec.rate) {
				expected := cur.ContinuationPoint()
				tol := rec.rate.Period() / 2
				if d := rec.start.Sub(expected); d <= tol && d >= -tol {
					cur.Samples = append(cur.Samples, samples...)
					continue
				}
			}
			if cur != nil {
				segments = append(segments, *cur)
			}
			cur = &timeseries.Segment{
				Channel: channel,
				Start:   rec.start,
				Rate:    rec.rate,
				Samples: samples,
			}
		}
		if cur != nil {
			segments = append(segments, *cur)
		}
	}
	return segments, nil
}

func (r *Reader) decodePayload(f *os.File, rec record) ([]float64, error) {
	buf := make([]byte, rec.recordLength-int64(rec.dataOffset))
	if n, err := f.ReadAt(buf, rec.offset+int64(rec.dataOffset)); err != nil && n < len(buf) {
		return nil, &timeseries.FormatError{Path: r.path, Offset: rec.offset,
			Err: fmt.Errorf("reading record payload: %w", err)}
	}

	var order binary.ByteOrder = binary.BigEndian
	if !rec.bigEndian {
		order = binary.LittleEndian
	}

	n := int(rec.nSamples)
	samples := make([]float64, 0, n)
	fail := func(format string, args ...any) error {
		return &timeseries.FormatError{Path: r.path, Offset: rec.offset,
			Err: fmt.Errorf("%w: %s", timeseries.ErrTruncatedPayload, fmt.Sprintf(format, args...))}
	}

	switch rec.encoding {
	case encInt16:
		if len(buf) < 2*n {
			return nil, fail("int16 payload holds %d bytes, need %d", len(buf), 2*n)
		}
		for i := 0; i < n; i++ {
			samples = append(samples, float64(int16(order.Uint16(buf[2*i:]))))
		}
	case encInt32:
		if len(buf) < 4*n {
			return nil, fail("int32 payload holds %d bytes, need %d", len(buf), 4*n)
		}
		for i := 0; i < n; i++ {
			samples = append(samples, float64(int32(order.Uint32(buf[4*i:]))))
		}
	case encFloat32:
		if len(buf) < 4*n {
			return nil, fail("float32 payload holds %d bytes, need %d", len(buf), 4*n)
		}
		for i := 0; i < n; i++ {
			samples = append(samples, float64(math.Float32frombits(order.Uint32(buf[4*i:]))))
		}
	case encFloat64:
		if len(buf) < 8*n {
			return nil, fail("float64 payload holds %d bytes, need %d", len(buf), 8*n)
		}
		for i := 0; i < n; i++ {
			samples = append(samples, math.Float64frombits(order.Uint64(buf[8*i:])))
		}
	case encSteim1, encSteim2:
		ints, err := decodeSteim(buf, order, n, rec.encoding == encSteim2)
		if err != nil {
			return nil, &timeseries.FormatError{Path: r.path, Offset: rec.offset, Err: err}
		}
		for _, v := range ints {
			samples = append(samples, float64(v))
		}
	default:
		return nil, &timeseries.FormatError{Path: r.path, Offset: rec.offset,
			Err: fmt.Errorf("%w: unsupported encoding %d", timeseries.ErrMalformedHeader, rec.encoding)}
	}
	return samples, nil
}

const (
	encInt16   = 1
	encInt32   = 3
	encFloat32 = 4
	encFloat64 = 5
	encSteim1  = 10
	encSteim2  = 11
)

// record is the parsed fixed header plus blockette 1000 of one data record.
type record struct {
	offset       int64
	traceID      string
	channelCode  string
	channel      string
	start        time.Time
	rate         timeseries.Rate
	nSamples     int64
	encoding     int
	bigEndian    bool
	recordLength int64
	dataOffset   int
}

// parseRecordHeader decodes the 48-byte fixed header and walks the blockette
// chain for blockette 1000. The header endianness is not declared; it is
// resolved by checking which byte order yields a plausible year.
func parseRecordHeader(head []byte) (record, error) {
	var rec record

	q := head[6]
	if q != 'D' && q != 'R' && q != 'Q' && q != 'M' {
		return rec, fmt.Errorf("%w: bad record quality indicator %q", timeseries.ErrMalformedHeader, q)
	}

	var order binary.ByteOrder = binary.BigEndian
	rec.bigEndian = true
	if y := binary.BigEndian.Uint16(head[20:22]); y < 1900 || y > 2100 {
		if y := binary.LittleEndian.Uint16(head[20:22]); y < 1900 || y > 2100 {
			return rec, fmt.Errorf("%w: implausible record year %d", timeseries.ErrMalformedHeader, y)
		}
		order = binary.LittleEndian
		rec.bigEndian = false
	}

	station := strings.TrimSpace(string(head[8:13]))
	location := strings.TrimSpace(string(head[13:15]))
	rec.channelCode = strings.TrimSpace(string(head[15:18]))
	network := strings.TrimSpace(string(head[18:20]))
	rec.traceID = fmt.Sprintf("%s.%s.%s.%s", network, station, location, rec.channelCode)

	year := int(order.Uint16(head[20:22]))
	doy := int(order.Uint16(head[22:24]))
	hour, minute, sec := int(head[24]), int(head[25]), int(head[26])
	fract := int(order.Uint16(head[28:30])) // units of 0.1 ms
	rec.start = time.Date(year, 1, 1, hour, minute, sec, fract*int(100*time.Microsecond), time.UTC).
		AddDate(0, 0, doy-1)

	// time correction in 0.1 ms units unless already applied (activity bit 1)
	if head[36]&0x02 == 0 {
		correction := int32(order.Uint32(head[40:44]))
		rec.start = rec.start.Add(time.Duration(correction) * 100 * time.Microsecond)
	}

	rec.nSamples = int64(order.Uint16(head[30:32]))
	factor := int(int16(order.Uint16(head[32:34])))
	multiplier := int(int16(order.Uint16(head[34:36])))
	rate, err := rateFrom(factor, multiplier)
	if err != nil {
		return rec, err
	}
	rec.rate = rate

	rec.dataOffset = int(order.Uint16(head[44:46]))
	blocketteOffset := int(order.Uint16(head[46:48]))

	// walk the blockette chain for blockette 1000
	found := false
	for blocketteOffset != 0 && blocketteOffset+4 <= len(head) {
		btype := int(order.Uint16(head[blocketteOffset:]))
		next := int(order.Uint16(head[blocketteOffset+2:]))
		if btype == 1000 && blocketteOffset+7 <= len(head) {
			rec.encoding = int(head[blocketteOffset+4])
			rec.bigEndian = head[blocketteOffset+5] == 1
			rec.recordLength = 1 << head[blocketteOffset+6]
			found = true
			break
		}
		if next <= blocketteOffset {
			break
		}
		blocketteOffset = next
	}
	if !found {
		return rec, fmt.Errorf("%w: record has no blockette 1000", timeseries.ErrMalformedHeader)
	}
	if rec.recordLength < fixedHeaderBytes || rec.recordLength > 1<<20 {
		return rec, fmt.Errorf("%w: implausible record length %d", timeseries.ErrMalformedHeader, rec.recordLength)
	}
	if rec.dataOffset < fixedHeaderBytes || int64(rec.dataOffset) > rec.recordLength {
		return rec, fmt.Errorf("%w: bad data offset %d", timeseries.ErrMalformedHeader, rec.dataOffset)
	}
	return rec, nil
}

// rateFrom converts the sample rate factor and multiplier pair to an exact
// rational rate. Negative values denote period or division per the format.
func rateFrom(factor, multiplier int) (timeseries.Rate, error) {
	switch {
	case factor > 0 && multiplier > 0:
		return timeseries.NewRate(int64(factor)*int64(multiplier), 1)
	case factor > 0 && multiplier < 0:
		return timeseries.NewRate(int64(factor), int64(-multiplier))
	case factor < 0 && multiplier > 0:
		return timeseries.NewRate(int64(multiplier), int64(-factor))
	case factor < 0 && multiplier < 0:
		return timeseries.NewRate(1, int64(factor)*int64(multiplier))
	default:
		return timeseries.Rate{}, fmt.Errorf("%w: zero sample rate factor", timeseries.ErrMalformedHeader)
	}
}

// Sniff reports whether the probe looks like the start of a miniSEED record:
// an ASCII sequence number, a known quality indicator and a plausible record
// year in either byte order.
func Sniff(probe []byte) bool {
	if len(probe) < fixedHeaderBytes {
		return false
	}
	for _, b := range probe[:6] {
		if (b < '0' || b > '9') && b != ' ' {
			return false
		}
	}
	q := probe[6]
	if q != 'D' && q != 'R' && q != 'Q' && q != 'M' {
		return false
	}
	be := binary.BigEndian.Uint16(probe[20:22])
	le := binary.LittleEndian.Uint16(probe[20:22])
	return (be >= 1900 && be <= 2100) || (le >= 1900 && le <= 2100)
}
