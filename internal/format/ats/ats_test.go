package ats

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const headerTemplate = `<?xml version="1.0"?>
<measurement>
  <recording>
    <start_date>2023-06-01</start_date>
    <start_time>12:00:00</start_time>
    <stop_date>%s</stop_date>
    <stop_time>%s</stop_time>
    <input>
      <ADU07Hardware>
        <global_config>
          <meas_channels>2</meas_channels>
          <sample_freq>%s</sample_freq>
        </global_config>
        <channel_config>
          <channel><gain_stage1>1</gain_stage1><gain_stage2>1</gain_stage2><hchopper>0</hchopper><echopper>0</echopper></channel>
          <channel><gain_stage1>1</gain_stage1><gain_stage2>1</gain_stage2><hchopper>0</hchopper><echopper>0</echopper></channel>
        </channel_config>
      </ADU07Hardware>
    </input>
    <output>
      <ProcessingTree1>
        <ATSWriter>
          <configuration>
            <channel>
              <channel_type>Hx</channel_type>
              <ats_data_file>ch0.ats</ats_data_file>
              <num_samples>%d</num_samples>
              <sensor_type>MFS06</sensor_type>
              <sensor_sernum>123</sensor_sernum>
              <ts_lsb>0.01</ts_lsb>
              <pos_x1>0</pos_x1><pos_x2>0</pos_x2>
              <pos_y1>0</pos_y1><pos_y2>0</pos_y2>
              <pos_z1>0</pos_z1><pos_z2>0</pos_z2>
            </channel>
            <channel>
              <channel_type>Ex</channel_type>
              <ats_data_file>ch1.ats</ats_data_file>
              <num_samples>%d</num_samples>
              <sensor_type>EFP06</sensor_type>
              <sensor_sernum>456</sensor_sernum>
              <ts_lsb>0.01</ts_lsb>
              <pos_x1>-50</pos_x1><pos_x2>50</pos_x2>
              <pos_y1>0</pos_y1><pos_y2>0</pos_y2>
              <pos_z1>0</pos_z1><pos_z2>0</pos_z2>
            </channel>
          </configuration>
        </ATSWriter>
      </ProcessingTree1>
    </output>
  </recording>
</measurement>
`

var testStart = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

// writeMeasurement builds a measurement directory with the XML header and one
// payload file per channel, each sample set to raw counts.
func writeMeasurement(t *testing.T, freq string, nSamples int64, stop time.Time, raw int32, payloadSamples int64) string {
	t.Helper()
	dir := t.TempDir()

	header := fmt.Sprintf(headerTemplate,
		stop.Format("2006-01-02"), stop.Format("15:04:05"), freq, nSamples, nSamples)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meas.xml"), []byte(header), 0o644))

	payload := make([]byte, payloadOffset+payloadSamples*4)
	for i := int64(0); i < payloadSamples; i++ {
		binary.LittleEndian.PutUint32(payload[payloadOffset+i*4:], uint32(raw))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch0.ats"), payload, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch1.ats"), payload, 0o644))
	return filepath.Join(dir, "meas.xml")
}

func TestOpenParsesHeader(t *testing.T) {
	path := writeMeasurement(t, "10", 10000, testStart.Add(1000*time.Second), 100, 10000)

	r, err := Open(path)
	require.NoError(t, err)

	h, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, testStart, h.StartTime)
	assert.True(t, h.Rate.Equal(timeseries.MustRate(10, 1)))
	assert.Equal(t, int64(10000), h.NSamples)
	require.Len(t, h.Channels, 2)

	hx := h.Channels[0]
	assert.Equal(t, "Hx", hx.Name)
	assert.Equal(t, "mV", hx.Unit)
	assert.Equal(t, "123", hx.Serial)
	assert.Equal(t, 0.01, hx.Scaling)

	ex := h.Channels[1]
	assert.Equal(t, "Ex", ex.Name)
	assert.Equal(t, "mV/km", ex.Unit)
	assert.Equal(t, float64(100), ex.DipoleM)
	assert.InEpsilon(t, 0.1, ex.Scaling, 1e-12)
}

func TestSegmentsScaleCountsExactly(t *testing.T) {
	path := writeMeasurement(t, "10", 10000, testStart.Add(1000*time.Second), 100, 10000)

	r, err := Open(path)
	require.NoError(t, err)

	segs, err := r.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 2)

	for _, s := range segs {
		require.Equal(t, int64(10000), s.NSamples())
	}
	// magnetic: 100 counts * 0.01 lsb is exactly 1.0 for every sample
	for _, v := range segs[0].Samples {
		require.Equal(t, 1.0, v)
	}
	// electric: a further 1000/dipole on top of the lsb
	assert.InEpsilon(t, 10.0, segs[1].Samples[0], 1e-12)
}

func TestSegmentsFlagTruncatedChannel(t *testing.T) {
	path := writeMeasurement(t, "10", 10000, testStart.Add(1000*time.Second), 100, 6000)

	r, err := Open(path)
	require.NoError(t, err)

	segs, err := r.Segments(context.Background())
	require.Error(t, err)

	var te *timeseries.TruncatedPayloadError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, timeseries.ErrTruncatedPayload)
	assert.Equal(t, int64(6000), te.WholeSamples)

	// the whole samples present are still decoded
	require.Len(t, segs, 2)
	assert.Equal(t, int64(6000), segs[0].NSamples())
}

func TestOpenRejectsSampleCountMismatch(t *testing.T) {
	// recording span holds 9990 samples, channels declare 10000
	path := writeMeasurement(t, "10", 10000, testStart.Add(999*time.Second), 100, 10000)

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrMalformedHeader)
}

func TestOpenRejectsMissingPayloadFile(t *testing.T) {
	path := writeMeasurement(t, "10", 10000, testStart.Add(1000*time.Second), 100, 10000)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(path), "ch1.ats")))

	_, err := Open(path)
	require.Error(t, err)

	var fe *timeseries.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestOpenRejectsChannelCountMismatch(t *testing.T) {
	dir := t.TempDir()
	header := fmt.Sprintf(headerTemplate, "2023-06-01", "12:16:40", "10", int64(10000), int64(10000))
	// drop one input channel block
	broken := removeFirst(header, "<channel><gain_stage1>1</gain_stage1><gain_stage2>1</gain_stage2><hchopper>0</hchopper><echopper>0</echopper></channel>")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meas.xml"), []byte(broken), 0o644))
	payload := make([]byte, payloadOffset)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch0.ats"), payload, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch1.ats"), payload, 0o644))

	_, err := Open(filepath.Join(dir, "meas.xml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, timeseries.ErrMalformedHeader)
}

func removeFirst(s, sub string) string {
	i := 0
	for ; i < len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return s[:i] + s[i+len(sub):]
		}
	}
	return s
}
