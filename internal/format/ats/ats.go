// Package ats decodes Metronix ADU-07 recordings.
//
// A measurement directory holds one XML header describing the recording and
// one .ats payload file per channel. Payload files carry a 1024-byte binary
// header followed by little-endian int32 counts. Counts scale to millivolts
// by the per-channel least significant bit; electric channels are further
// divided by the dipole length in kilometres to give mV/km.
package ats

import (
	"context"
	"encoding/binary"
	"encoding/xml"
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

const payloadOffset = 1024

const timeLayout = "2006-01-02 15:04:05"

// Reader decodes one measurement directory through its XML header.
type Reader struct {
	headerPath string
	dir        string
	header     timeseries.Header
}

// Open parses and validates the XML measurement header. Channel payload
// files are located but not read.
func Open(headerPath string) (*Reader, error) {
	r := &Reader{headerPath: headerPath, dir: filepath.Dir(headerPath)}
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
	f, err := os.Open(r.headerPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.headerPath, err)
	}
	defer f.Close()

	root, err := parseTree(f)
	if err != nil {
		return &timeseries.FormatError{Path: r.headerPath,
			Err: fmt.Errorf("%w: %v", timeseries.ErrMalformedHeader, err)}
	}

	rec := root.find("recording")
	if rec == nil {
		return r.malformed("no recording section")
	}

	start, err := time.Parse(timeLayout, rec.text("start_date")+" "+rec.text("start_time"))
	if err != nil {
		return r.malformed("bad start timestamp: %v", err)
	}
	stop, err := time.Parse(timeLayout, rec.text("stop_date")+" "+rec.text("stop_time"))
	if err != nil {
		return r.malformed("bad stop timestamp: %v", err)
	}

	global := rec.findPath("input", "ADU07Hardware", "global_config")
	if global == nil {
		return r.malformed("no global_config section")
	}
	rate, err := timeseries.ParseRate(global.text("sample_freq"))
	if err != nil {
		return r.malformed("bad sample_freq: %v", err)
	}

	// The header stop time points one sample past the last one, so the
	// span divides exactly into the sample count.
	nSamples, exact := rate.SamplesIn(stop.Sub(start))
	if !exact || nSamples <= 0 {
		return r.malformed("recording span %s does not align to the %s sample grid", stop.Sub(start), rate)
	}

	inputs := rec.findPath("input", "ADU07Hardware", "channel_config")
	writer := rec.find("output").findDeep("ATSWriter")
	if writer == nil {
		return r.malformed("no ATSWriter output section")
	}
	outputs := writer.find("configuration")
	if inputs == nil || outputs == nil {
		return r.malformed("missing channel sections")
	}
	inChans := inputs.findAll("channel")
	outChans := outputs.findAll("channel")
	if len(outChans) == 0 {
		return r.malformed("no output channels")
	}
	if len(inChans) != len(outChans) {
		return r.malformed("%d input channels but %d output channels", len(inChans), len(outChans))
	}

	channels := make([]timeseries.ChannelSpec, 0, len(outChans))
	for _, out := range outChans {
		name := out.text("channel_type")
		if name == "" {
			return r.malformed("output channel without channel_type")
		}
		lsb, err := strconv.ParseFloat(out.text("ts_lsb"), 64)
		if err != nil {
			return r.malformed("channel %s: bad ts_lsb: %v", name, err)
		}
		n, err := strconv.ParseInt(out.text("num_samples"), 10, 64)
		if err != nil {
			return r.malformed("channel %s: bad num_samples: %v", name, err)
		}
		if n != nSamples {
			return r.malformed("channel %s declares %d samples, recording span holds %d", name, n, nSamples)
		}
		dataFile := out.text("ats_data_file")
		if dataFile == "" {
			return r.malformed("channel %s: no ats_data_file", name)
		}
		if _, err := os.Stat(filepath.Join(r.dir, dataFile)); err != nil {
			return &timeseries.FormatError{Path: r.headerPath,
				Err: fmt.Errorf("channel %s payload %s: %w", name, dataFile, err)}
		}

		spec := timeseries.ChannelSpec{
			Name:     name,
			Unit:     "mV",
			Scaling:  lsb,
			Sensor:   timeseries.SensorForChannel(name),
			Serial:   out.text("sensor_sernum"),
			DataFile: dataFile,
		}
		if spec.Sensor == timeseries.SensorElectric {
			dipole, err := dipoleMeters(out, name)
			if err != nil {
				return r.malformed("%v", err)
			}
			spec.Unit = "mV/km"
			spec.DipoleM = dipole
			// lsb gives mV; dividing by the dipole in km gives mV/km
			spec.Scaling = lsb * 1000 / dipole
		}
		channels = append(channels, spec)
	}

	r.header = timeseries.Header{
		StartTime: start.UTC(),
		Rate:      rate,
		Channels:  channels,
		NSamples:  nSamples,
	}
	return r.header.Validate()
}

// Segments decodes every channel payload file into one segment per channel.
// A payload shorter than the declared sample count yields the whole samples
// that are present plus a TruncatedPayloadError naming the channel; decoding
// continues with the remaining channels.
func (r *Reader) Segments(ctx context.Context) ([]timeseries.Segment, error) {
	segments := make([]timeseries.Segment, 0, len(r.header.Channels))
	var truncated error
	for _, spec := range r.header.Channels {
		seg, err := r.readChannel(ctx, spec)
		if err != nil {
			var te *timeseries.TruncatedPayloadError
			if !errors.As(err, &te) {
				return nil, err
			}
			if truncated == nil {
				truncated = err
			}
		}
		if seg.NSamples() > 0 {
			segments = append(segments, seg)
		}
	}
	return segments, truncated
}

func (r *Reader) readChannel(ctx context.Context, spec timeseries.ChannelSpec) (timeseries.Segment, error) {
	path := filepath.Join(r.dir, spec.DataFile)
	f, err := os.Open(path)
	if err != nil {
		return timeseries.Segment{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return timeseries.Segment{}, fmt.Errorf("stating %s: %w", path, err)
	}
	payload := info.Size() - payloadOffset
	if payload < 0 {
		payload = 0
	}
	whole := payload / 4
	if whole > r.header.NSamples {
		whole = r.header.NSamples
	}

	if _, err := f.Seek(payloadOffset, io.SeekStart); err != nil {
		return timeseries.Segment{}, fmt.Errorf("seeking payload in %s: %w", path, err)
	}

	samples := make([]float64, 0, whole)
	const chunkSamples = 65536
	buf := make([]byte, chunkSamples*4)
	for remaining := whole; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return timeseries.Segment{}, err
		}
		n := min(int64(chunkSamples), remaining)
		chunk := buf[:n*4]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return timeseries.Segment{}, &timeseries.FormatError{
				Path:   path,
				Offset: payloadOffset + int64(len(samples))*4,
				Err:    fmt.Errorf("reading counts: %w", err),
			}
		}
		for i := int64(0); i < n; i++ {
			raw := int32(binary.LittleEndian.Uint32(chunk[i*4 : i*4+4]))
			samples = append(samples, float64(raw)*spec.Scaling)
		}
		remaining -= n
	}

	seg := timeseries.Segment{
		Channel: spec.Name,
		Start:   r.header.StartTime,
		Rate:    r.header.Rate,
		Samples: samples,
	}
	if whole < r.header.NSamples {
		return seg, &timeseries.TruncatedPayloadError{
			Path:          path,
			Channel:       spec.Name,
			WholeSamples:  whole,
			TrailingBytes: payload % 4,
		}
	}
	return seg, nil
}

func (r *Reader) malformed(format string, args ...any) error {
	return &timeseries.FormatError{
		Path: r.headerPath,
		Err:  fmt.Errorf("%w: %s", timeseries.ErrMalformedHeader, fmt.Sprintf(format, args...)),
	}
}

// dipoleMeters derives the electrode spacing from the electrode positions,
// Ex along x and Ey along y.
func dipoleMeters(out *node, name string) (float64, error) {
	axis := "x"
	if strings.EqualFold(name, "Ey") {
		axis = "y"
	}
	p1, err1 := strconv.ParseFloat(out.text("pos_"+axis+"1"), 64)
	p2, err2 := strconv.ParseFloat(out.text("pos_"+axis+"2"), 64)
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("channel %s: bad electrode positions", name)
	}
	dipole := math.Abs(p1) + math.Abs(p2)
	if dipole <= 0 {
		return 0, fmt.Errorf("channel %s: zero dipole length", name)
	}
	return dipole, nil
}

// node is a generic element tree. The ADU-07 header nests sections at
// varying depths depending on firmware, so the parse keeps the whole tree
// and lookups search it.
type node struct {
	name     string
	chardata string
	children []*node
}

func parseTree(rd io.Reader) (*node, error) {
	dec := xml.NewDecoder(rd)
	root := &node{}
	stack := []*node{root}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &node{name: t.Name.Local}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, child)
			stack = append(stack, child)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].chardata += string(t)
		}
	}
	if len(root.children) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	return root.children[0], nil
}

// find returns the first direct child with the given name.
func (n *node) find(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// findPath walks direct children by name.
func (n *node) findPath(names ...string) *node {
	for _, name := range names {
		n = n.find(name)
		if n == nil {
			return nil
		}
	}
	return n
}

// findDeep returns the first descendant with the given name, depth first.
func (n *node) findDeep(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
		if d := c.findDeep(name); d != nil {
			return d
		}
	}
	return nil
}

// findAll returns all direct children with the given name.
func (n *node) findAll(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// text returns the trimmed character data of the named direct child.
func (n *node) text(name string) string {
	c := n.find(name)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.chardata)
}
