// Package format maps instrument recording files to their decoders.
//
// The format set is closed: each InstrumentFormat identifies one header and
// payload decoder pair, bound at compile time. Detection follows a strict
// precedence: an explicit caller hint always wins, then file naming
// conventions, and content sniffing only as a fallback. An ambiguous sniff
// fails instead of guessing.
package format

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/telluric-io/mtseries/internal/format/ats"
	"github.com/telluric-io/mtseries/internal/format/lemi"
	"github.com/telluric-io/mtseries/internal/format/mseed"
	"github.com/telluric-io/mtseries/internal/format/phoenix"
	"github.com/telluric-io/mtseries/internal/format/spam"
	"github.com/telluric-io/mtseries/internal/timeseries"
)

// InstrumentFormat identifies a reader variant. The zero value means
// auto-detect.
type InstrumentFormat int

const (
	Auto InstrumentFormat = iota
	MetronixATS
	SpamRAW
	LemiB423
	PhoenixTS
	MiniSEED
)

func (f InstrumentFormat) String() string {
	switch f {
	case MetronixATS:
		return "ats"
	case SpamRAW:
		return "spam"
	case LemiB423:
		return "lemi-b423"
	case PhoenixTS:
		return "phoenix"
	case MiniSEED:
		return "miniseed"
	default:
		return "auto"
	}
}

// ParseFormat resolves a format name from configuration.
func ParseFormat(s string) (InstrumentFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "ats", "metronix":
		return MetronixATS, nil
	case "spam", "raw", "xtr":
		return SpamRAW, nil
	case "lemi", "b423", "lemi-b423":
		return LemiB423, nil
	case "phoenix", "mtu5", "tbl":
		return PhoenixTS, nil
	case "miniseed", "mseed":
		return MiniSEED, nil
	default:
		return Auto, fmt.Errorf("%w: %q", timeseries.ErrUnrecognizedFormat, s)
	}
}

// Reader is a header and payload decoder pair bound to one input file.
type Reader interface {
	// Header extracts the normalized instrument metadata. It is a pure
	// transform of the header bytes and never publishes partial results.
	Header() (timeseries.Header, error)

	// Segments decodes the sample payload into one Segment per channel
	// present in the file, already scaled to physical units. A channel
	// declared in the header but absent from the payload is simply missing
	// from the result. A *timeseries.TruncatedPayloadError may be returned
	// together with the recoverable segments.
	Segments(ctx context.Context) ([]timeseries.Segment, error)
}

// Options configure reader construction.
type Options struct {
	// Format is an explicit caller hint; it takes precedence over both
	// naming conventions and content sniffing.
	Format InstrumentFormat

	// SampleRate supplies the rate for formats whose headers do not carry
	// one (Lemi B423). Readers that can infer the rate ignore it.
	SampleRate timeseries.Rate

	// ChannelMap renames source trace identifiers to channel names
	// (miniSEED trace id to Ex/Ey/Hx/...).
	ChannelMap map[string]string
}

// Option mutates Options.
type Option func(*Options)

// WithFormat pins the instrument format, bypassing detection.
func WithFormat(f InstrumentFormat) Option {
	return func(o *Options) { o.Format = f }
}

// WithSampleRate supplies the sampling rate for rate-less formats.
func WithSampleRate(r timeseries.Rate) Option {
	return func(o *Options) { o.SampleRate = r }
}

// WithChannelMap maps source trace identifiers to channel names.
func WithChannelMap(m map[string]string) Option {
	return func(o *Options) { o.ChannelMap = m }
}

const probeSize = 4096

// Detect resolves the instrument format of a file from its naming
// convention, falling back to content sniffing. It fails with
// timeseries.ErrUnrecognizedFormat when no format matches or when the
// content is ambiguous between several formats.
func Detect(path string) (InstrumentFormat, error) {
	if f, ok := formatForName(path); ok {
		return f, nil
	}

	probe, err := readProbe(path)
	if err != nil {
		return Auto, fmt.Errorf("probing %s: %w", path, err)
	}

	var candidates []InstrumentFormat
	for _, spec := range registry {
		if spec.sniff != nil && spec.sniff(probe) {
			candidates = append(candidates, spec.id)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return Auto, fmt.Errorf("%s: %w", path, timeseries.ErrUnrecognizedFormat)
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.String()
		}
		return Auto, fmt.Errorf("%s: %w: ambiguous signature, matches %s",
			path, timeseries.ErrUnrecognizedFormat, strings.Join(names, ", "))
	}
}

// Open constructs the decoder for an input file, auto-detecting the format
// unless a hint pins it.
func Open(path string, opts ...Option) (Reader, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	id := o.Format
	if id == Auto {
		var err error
		if id, err = Detect(path); err != nil {
			return nil, err
		}
	}
	for _, spec := range registry {
		if spec.id == id {
			return spec.open(path, o)
		}
	}
	return nil, fmt.Errorf("%s: %w", path, timeseries.ErrUnrecognizedFormat)
}

type formatSpec struct {
	id    InstrumentFormat
	exts  []string
	sniff func(probe []byte) bool
	open  func(path string, o Options) (Reader, error)
}

// registry is the closed format set. Order is fixed; detection never depends
// on it because ambiguous sniffs fail.
var registry = []formatSpec{
	{
		id:    MetronixATS,
		exts:  []string{".xml", ".ats"},
		sniff: sniffATS,
		open: func(path string, _ Options) (Reader, error) {
			path, err := atsHeaderPath(path)
			if err != nil {
				return nil, err
			}
			return ats.Open(path)
		},
	},
	{
		id:    SpamRAW,
		exts:  []string{".raw", ".xtr"},
		sniff: sniffSPAM,
		open: func(path string, _ Options) (Reader, error) {
			return spam.Open(path)
		},
	},
	{
		id:    LemiB423,
		exts:  []string{".b423"},
		sniff: sniffLemi,
		open: func(path string, o Options) (Reader, error) {
			var opts []lemi.Option
			if !o.SampleRate.IsZero() {
				opts = append(opts, lemi.WithSampleRate(o.SampleRate))
			}
			return lemi.Open(path, opts...)
		},
	},
	{
		id:    PhoenixTS,
		exts:  []string{".tbl", ".ts2", ".ts3", ".ts4", ".ts5"},
		sniff: phoenix.Sniff,
		open: func(path string, _ Options) (Reader, error) {
			return phoenix.Open(path)
		},
	},
	{
		id:    MiniSEED,
		exts:  []string{".mseed", ".msd", ".seed"},
		sniff: mseed.Sniff,
		open: func(path string, o Options) (Reader, error) {
			var opts []mseed.Option
			if o.ChannelMap != nil {
				opts = append(opts, mseed.WithChannelMap(o.ChannelMap))
			}
			return mseed.Open(path, opts...)
		},
	},
}

func formatForName(path string) (InstrumentFormat, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return Auto, false
	}
	for _, spec := range registry {
		for _, e := range spec.exts {
			if e == ext {
				return spec.id, true
			}
		}
	}
	return Auto, false
}

func readProbe(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	probe := make([]byte, probeSize)
	n, err := io.ReadFull(f, probe)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return probe[:n], nil
}

// atsHeaderPath resolves an .ats payload path to the single XML header in
// the same directory. Metronix recordings keep one XML header per
// measurement directory.
func atsHeaderPath(path string) (string, error) {
	if strings.ToLower(filepath.Ext(path)) != ".ats" {
		return path, nil
	}
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.xml"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%s: %w: expected exactly one XML header next to the ATS file, found %d",
			path, timeseries.ErrUnrecognizedFormat, len(matches))
	}
	return matches[0], nil
}

// sniffATS matches the Metronix XML measurement header.
func sniffATS(probe []byte) bool {
	if !bytes.HasPrefix(bytes.TrimLeft(probe, " \t\r\n"), []byte("<")) {
		return false
	}
	return bytes.Contains(probe, []byte("ATSWriter")) ||
		bytes.Contains(probe, []byte("ADU07")) ||
		bytes.Contains(probe, []byte("ats_data_file"))
}

// sniffSPAM matches the ASCII general header at the start of a SPAM RAW
// file: at least ten whitespace-separated fields with integer record length,
// word length and channel count in the expected positions.
func sniffSPAM(probe []byte) bool {
	fields := strings.Fields(string(probe[:min(len(probe), 256)]))
	if len(fields) < 10 {
		return false
	}
	for _, idx := range []int{0, 2, 5, 6} {
		if _, err := strconv.Atoi(fields[idx]); err != nil {
			return false
		}
	}
	recLength, _ := strconv.Atoi(fields[0])
	return recLength > 0
}

// sniffLemi matches the ASCII comment header of a Lemi B423 file.
func sniffLemi(probe []byte) bool {
	return len(probe) > 0 && probe[0] == '%'
}
