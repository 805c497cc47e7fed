package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want InstrumentFormat
	}{
		{"ats", MetronixATS},
		{"Metronix", MetronixATS},
		{"spam", SpamRAW},
		{"xtr", SpamRAW},
		{"lemi-b423", LemiB423},
		{"phoenix", PhoenixTS},
		{"mtu5", PhoenixTS},
		{"mseed", MiniSEED},
		{"", Auto},
		{"auto", Auto},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormat("sac")
	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrUnrecognizedFormat)
}

func TestDetectByExtension(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		want InstrumentFormat
	}{
		{"meas.xml", MetronixATS},
		{"ch0.ats", MetronixATS},
		{"run1.RAW", SpamRAW},
		{"run1.XTR", SpamRAW},
		{"site.B423", LemiB423},
		{"site.TBL", PhoenixTS},
		{"site.TS4", PhoenixTS},
		{"day.mseed", MiniSEED},
	}
	for _, tt := range tests {
		path := writeFile(t, dir, tt.name, []byte("irrelevant"))
		got, err := Detect(path)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestDetectBySniffing(t *testing.T) {
	dir := t.TempDir()

	lemiPath := writeFile(t, dir, "nameless",
		[]byte("%Kmx = 0.000725\n%Ax = 0.0\n"))
	got, err := Detect(lemiPath)
	require.NoError(t, err)
	assert.Equal(t, LemiB423, got)

	spamPath := writeFile(t, dir, "spamlike",
		[]byte("1024 C08 4 V3.0 PROC 5 10 2 1 0\n"))
	got, err = Detect(spamPath)
	require.NoError(t, err)
	assert.Equal(t, SpamRAW, got)

	atsPath := writeFile(t, dir, "measdoc",
		[]byte("<?xml version=\"1.0\"?><measurement><ATSWriter/></measurement>"))
	got, err = Detect(atsPath)
	require.NoError(t, err)
	assert.Equal(t, MetronixATS, got)
}

func TestDetectUnknownFormatFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "noise", []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})

	_, err := Detect(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrUnrecognizedFormat)
}

func TestOpenHintBypassesDetection(t *testing.T) {
	dir := t.TempDir()
	// valid Lemi content under an extension no convention covers
	data := make([]byte, 1024+60)
	header := "%Kmx = 2.0\n%Kmy = 2.0\n%Kmz = 2.0\n%Ke1 = 1.0\n%Ke2 = 1.0\n" +
		"%Ax = 0.0\n%Ay = 0.0\n%Az = 0.0\n%Ae1 = 0.0\n%Ae2 = 0.0\n"
	copy(data, header)
	writeLemiRecord(data[1024:], 1700000000, 0)
	writeLemiRecord(data[1024+30:], 1700000001, 0)
	path := writeFile(t, dir, "capture.bin", data)

	r, err := Open(path, WithFormat(LemiB423))
	require.NoError(t, err)
	h, err := r.Header()
	require.NoError(t, err)
	assert.True(t, h.Rate.Equal(timeseries.MustRate(1, 1)))
}

func writeLemiRecord(dst []byte, sec uint32, num uint16) {
	dst[0] = byte(sec)
	dst[1] = byte(sec >> 8)
	dst[2] = byte(sec >> 16)
	dst[3] = byte(sec >> 24)
	dst[4] = byte(num)
	dst[5] = byte(num >> 8)
}
