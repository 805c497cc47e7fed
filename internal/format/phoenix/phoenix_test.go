package phoenix

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

var recStart = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

func intEntry(name string, v int32) []byte {
	e := make([]byte, tableEntryBytes)
	copy(e, name)
	binary.LittleEndian.PutUint32(e[tableValueOff:], uint32(v))
	return e
}

func floatEntry(name string, v float64) []byte {
	e := make([]byte, tableEntryBytes)
	copy(e, name)
	binary.LittleEndian.PutUint64(e[tableValueOff:], math.Float64bits(v))
	return e
}

func strEntry(name, v string) []byte {
	e := make([]byte, tableEntryBytes)
	copy(e, name)
	copy(e[tableValueOff:], v)
	return e
}

// writeTable writes a TBL with full scale 2 V, electric gain 10, unit
// magnetic gain and channel order Ex, Ey, Hx, Hy, Hz.
func writeTable(t *testing.T, dir string, extra ...[]byte) string {
	t.Helper()
	var data []byte
	for _, e := range [][]byte{
		floatEntry("FSCV", 2.0),
		intEntry("EGN", 10),
		intEntry("HGN", 1),
		floatEntry("HATT", 1.0),
		floatEntry("EXLN", 100.0),
		floatEntry("EYLN", 50.0),
		intEntry("CHEX", 1),
		intEntry("CHEY", 2),
		intEntry("CHHX", 3),
		intEntry("CHHY", 4),
		intEntry("CHHZ", 5),
		strEntry("HXSN", "COIL1234"),
		intEntry("SNUM", 2710),
	} {
		data = append(data, e...)
	}
	for _, e := range extra {
		data = append(data, e...)
	}
	path := filepath.Join(dir, "site.TBL")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func buildTag(start time.Time, nScans, nChans int, fs int16) []byte {
	tg := make([]byte, tagBytes)
	tg[0] = byte(start.Second())
	tg[1] = byte(start.Minute())
	tg[2] = byte(start.Hour())
	tg[3] = byte(start.Day())
	tg[4] = byte(start.Month())
	tg[5] = byte(start.Year() % 100)
	tg[7] = byte(start.Year() / 100)
	binary.LittleEndian.PutUint16(tg[8:], 2710) // box serial
	binary.LittleEndian.PutUint16(tg[10:], uint16(nScans))
	tg[12] = byte(nChans)
	tg[13] = tagBytes
	tg[17] = sampleBytes
	binary.LittleEndian.PutUint16(tg[18:], uint16(fs))
	return tg
}

func put3(dst []byte, v int32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

// buildRecord encodes a tag plus nScans scans, every scan carrying the same
// five raw values.
func buildRecord(start time.Time, nScans int, fs int16, raws [5]int32) []byte {
	rec := buildTag(start, nScans, 5, fs)
	for s := 0; s < nScans; s++ {
		scan := make([]byte, 5*sampleBytes)
		for c, v := range raws {
			put3(scan[c*sampleBytes:], v)
		}
		rec = append(rec, scan...)
	}
	return rec
}

func writeData(t *testing.T, dir, name string, records ...[]byte) string {
	t.Helper()
	var data []byte
	for _, rec := range records {
		data = append(data, rec...)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenParsesHeader(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir)
	path := writeData(t, dir, "site.TS4",
		buildRecord(recStart, 15, 15, [5]int32{1, 2, 3, 4, 5}),
		buildRecord(recStart.Add(time.Second), 15, 15, [5]int32{1, 2, 3, 4, 5}),
	)

	r, err := Open(path)
	require.NoError(t, err)

	h, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, recStart, h.StartTime)
	assert.True(t, h.Rate.Equal(timeseries.MustRate(15, 1)))
	assert.Equal(t, int64(30), h.NSamples)

	require.Len(t, h.Channels, 5)
	assert.Equal(t, []string{"Ex", "Ey", "Hx", "Hy", "Hz"}, r.channels)
	assert.Equal(t, "mV/km", h.Channels[0].Unit)
	assert.Equal(t, 100.0, h.Channels[0].DipoleM)
	assert.Equal(t, "nT", h.Channels[2].Unit)
	assert.Equal(t, "1234", h.Channels[2].Serial)

	volts := 2.0 / float64(1<<23)
	assert.InDelta(t, volts/10/100*1e6, h.Channels[0].Scaling, 1e-15)
	assert.InDelta(t, volts, h.Channels[2].Scaling, 1e-15)
}

func TestOpenFromTablePicksContinuousTS(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir)
	writeData(t, dir, "site.TS3", buildRecord(recStart, 15, 15, [5]int32{0, 0, 0, 0, 0}))
	writeData(t, dir, "site.TS5", buildRecord(recStart, 150, 150, [5]int32{0, 0, 0, 0, 0}))

	r, err := Open(tbl)
	require.NoError(t, err)

	h, err := r.Header()
	require.NoError(t, err)
	assert.True(t, h.Rate.Equal(timeseries.MustRate(150, 1)))
	assert.Equal(t, int64(150), h.NSamples)
}

func TestSegmentsDecodeAndScale(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir)
	raws := [5]int32{1000, -1000, 1, -1, 8}
	path := writeData(t, dir, "site.TS4", buildRecord(recStart, 15, 15, raws))

	r, err := Open(path)
	require.NoError(t, err)

	segs, err := r.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 5)

	byName := make(map[string]timeseries.Segment)
	for _, s := range segs {
		byName[s.Channel] = s
	}
	volts := 2.0 / float64(1<<23)
	assert.InDelta(t, 1000*volts/10/100*1e6, byName["Ex"].Samples[0], 1e-12)
	assert.InDelta(t, -1000*volts/10/50*1e6, byName["Ey"].Samples[0], 1e-12)
	assert.InDelta(t, 1*volts, byName["Hx"].Samples[0], 1e-15)
	assert.InDelta(t, -1*volts, byName["Hy"].Samples[0], 1e-15)
	assert.Equal(t, int64(15), byName["Hz"].NSamples())
}

func TestSegmentsMergeContiguousRecords(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir)
	path := writeData(t, dir, "site.TS4",
		buildRecord(recStart, 15, 15, [5]int32{1, 1, 1, 1, 1}),
		buildRecord(recStart.Add(time.Second), 15, 15, [5]int32{2, 2, 2, 2, 2}),
	)

	r, err := Open(path)
	require.NoError(t, err)

	segs, err := r.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 5)
	assert.Equal(t, int64(30), segs[0].NSamples())
	assert.Equal(t, recStart, segs[0].Start)
}

func TestSegmentsSplitOnGap(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir)
	path := writeData(t, dir, "site.TS4",
		buildRecord(recStart, 15, 15, [5]int32{1, 1, 1, 1, 1}),
		// four seconds missing between the records
		buildRecord(recStart.Add(5*time.Second), 15, 15, [5]int32{2, 2, 2, 2, 2}),
	)

	r, err := Open(path)
	require.NoError(t, err)

	segs, err := r.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 10) // two runs of five channels

	var starts []time.Time
	for _, s := range segs {
		if s.Channel == "Ex" {
			starts = append(starts, s.Start)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, recStart, starts[0])
	assert.Equal(t, recStart.Add(5*time.Second), starts[1])
}

func TestSegmentsReportTruncation(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir)
	full := buildRecord(recStart, 15, 15, [5]int32{1, 1, 1, 1, 1})
	cut := buildRecord(recStart.Add(time.Second), 15, 15, [5]int32{2, 2, 2, 2, 2})
	// keep seven whole scans of the second record plus two stray bytes
	cut = cut[:tagBytes+7*5*sampleBytes+2]
	path := writeData(t, dir, "site.TS4", full, cut)

	r, err := Open(path)
	require.NoError(t, err)

	h, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, int64(22), h.NSamples)

	segs, err := r.Segments(context.Background())
	require.Error(t, err)

	var te *timeseries.TruncatedPayloadError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(22), te.WholeSamples)
	assert.Equal(t, int64(2), te.TrailingBytes)
	require.Len(t, segs, 5)
	assert.Equal(t, int64(22), segs[0].NSamples())
}

func TestOpenRejectsMissingChannelAssignment(t *testing.T) {
	dir := t.TempDir()
	var data []byte
	for _, e := range [][]byte{
		floatEntry("FSCV", 2.0),
		intEntry("EGN", 10),
		intEntry("HGN", 1),
		floatEntry("HATT", 1.0),
	} {
		data = append(data, e...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.TBL"), data, 0o644))
	path := writeData(t, dir, "site.TS4", buildRecord(recStart, 15, 15, [5]int32{0, 0, 0, 0, 0}))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrMalformedHeader)
}

func TestDecodeSample(t *testing.T) {
	b := make([]byte, sampleBytes)
	put3(b, 0x123456)
	assert.Equal(t, int32(0x123456), decodeSample(b))
	put3(b, -5)
	assert.Equal(t, int32(-5), decodeSample(b))
	put3(b, -(1 << 23))
	assert.Equal(t, int32(-(1 << 23)), decodeSample(b))
}

func TestSniff(t *testing.T) {
	assert.True(t, Sniff(buildTag(recStart, 15, 5, 15)))
	assert.False(t, Sniff([]byte("plain text, certainly not a record tag yet long enough")))
	assert.False(t, Sniff(buildTag(recStart, 15, 5, 15)[:16]))
}
