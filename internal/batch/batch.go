// Package batch decodes a set of recording files concurrently and reconciles
// the result into per-channel timelines and a multi-channel dataset.
//
// Files decode in parallel under a worker limit. Segments from all files
// pool per channel, so a recording split across many files (or instruments
// writing one file per channel) reconciles into single timelines. Decode
// failures are per-file and do not abort the siblings unless FailFast is
// set. Truncated payloads are not fatal either: the whole samples decode
// and the truncation is reported per file.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/telluric-io/mtseries/internal/cache"
	"github.com/telluric-io/mtseries/internal/format"
	"github.com/telluric-io/mtseries/internal/timeseries"
)

// Input names one recording file and its decode parameters.
type Input struct {
	Path string

	// Format pins the instrument format; zero means auto-detect.
	Format format.InstrumentFormat

	// SampleRate supplies the rate for rate-less formats.
	SampleRate timeseries.Rate

	// ChannelMap renames source trace identifiers (miniSEED).
	ChannelMap map[string]string
}

// Options configure a batch run.
type Options struct {
	// Parallelism bounds concurrent file decodes. Zero means the number
	// of CPUs.
	Parallelism int

	// Reconcile carries the continuity policies applied per channel.
	Reconcile timeseries.ReconcileOptions

	// Cache, when set, is consulted before decoding and updated after.
	Cache *cache.Cache

	// FailFast aborts the run on the first file that fails to decode.
	// By default decode failures stay per-file: the failure is recorded
	// in the report and the remaining files still decode and reconcile.
	FailFast bool

	Logger *slog.Logger
}

// FileError marks a decode failure of one input file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// FileResult summarizes the decode of one input file.
type FileResult struct {
	Path      string
	NSegments int
	NSamples  int64
	FromCache bool

	// Truncated is set when the payload ended mid-sample; the whole
	// samples before the cut are included in the run.
	Truncated *timeseries.TruncatedPayloadError

	// Err is set for files that failed to decode and were skipped.
	Err error
}

// Report carries the per-file decode outcomes and the reconciled timelines.
type Report struct {
	Files     []FileResult
	Timelines map[string]timeseries.Timeline
}

// Run decodes all inputs, reconciles each channel and assembles the dataset.
// The returned report is valid even when assembly fails with a condition
// such as timeseries.ErrNoOverlap.
func Run(ctx context.Context, inputs []Input, opts Options) (*timeseries.Dataset, *Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	report := &Report{Files: make([]FileResult, len(inputs))}
	perChannel := make(map[string][]timeseries.Segment)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			result, segments, err := decodeFile(ctx, in, opts.Cache, logger)
			if err != nil {
				if opts.FailFast {
					return &FileError{Path: in.Path, Err: err}
				}
				logger.Warn("skipping file", "path", in.Path, "error", err)
				result = FileResult{Path: in.Path, Err: err}
			}

			mu.Lock()
			defer mu.Unlock()
			report.Files[i] = result
			for _, seg := range segments {
				perChannel[seg.Channel] = append(perChannel[seg.Channel], seg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	report.Timelines = make(map[string]timeseries.Timeline, len(perChannel))
	for _, channel := range sortedChannels(perChannel) {
		tl, err := timeseries.Reconcile(perChannel[channel], opts.Reconcile)
		if err != nil {
			return nil, report, fmt.Errorf("reconciling channel %s: %w", channel, err)
		}
		report.Timelines[channel] = tl
		logger.Info("channel reconciled",
			"channel", channel,
			"segments", len(tl.Segments),
			"gaps", len(tl.Gaps),
			"samples", humanize.Comma(tl.NSamples()))
	}

	ds, err := timeseries.Assemble(report.Timelines)
	if err != nil {
		return ds, report, err
	}
	logger.Info("dataset assembled",
		"channels", len(ds.Channels()),
		"base_rate", ds.BaseRate().String(),
		"valid_from", ds.ValidRange().Start,
		"valid_to", ds.ValidRange().End)
	return ds, report, nil
}

func decodeFile(ctx context.Context, in Input, c *cache.Cache, logger *slog.Logger) (FileResult, []timeseries.Segment, error) {
	result := FileResult{Path: in.Path}

	if c != nil {
		segments, ok, err := c.Lookup(ctx, in.Path)
		if err != nil {
			logger.Warn("cache lookup failed", "path", in.Path, "error", err)
		} else if ok {
			result.FromCache = true
			result.NSegments = len(segments)
			result.NSamples = countSamples(segments)
			logger.Debug("cache hit", "path", in.Path, "segments", len(segments))
			return result, segments, nil
		}
	}

	var fopts []format.Option
	if in.Format != format.Auto {
		fopts = append(fopts, format.WithFormat(in.Format))
	}
	if !in.SampleRate.IsZero() {
		fopts = append(fopts, format.WithSampleRate(in.SampleRate))
	}
	if in.ChannelMap != nil {
		fopts = append(fopts, format.WithChannelMap(in.ChannelMap))
	}

	reader, err := format.Open(in.Path, fopts...)
	if err != nil {
		return result, nil, err
	}
	header, err := reader.Header()
	if err != nil {
		return result, nil, err
	}

	segments, err := reader.Segments(ctx)
	if err != nil {
		var te *timeseries.TruncatedPayloadError
		if !errors.As(err, &te) {
			return result, nil, err
		}
		result.Truncated = te
		logger.Warn("payload truncated",
			"path", in.Path,
			"whole_samples", humanize.Comma(te.WholeSamples),
			"trailing_bytes", te.TrailingBytes)
	}
	result.NSegments = len(segments)
	result.NSamples = countSamples(segments)
	logger.Info("file decoded",
		"path", in.Path,
		"rate", header.Rate.String(),
		"channels", len(header.Channels),
		"samples", humanize.Comma(result.NSamples))

	// a truncated decode is still worth caching; the entry tracks the
	// file size, so a later repair of the file invalidates it
	if c != nil {
		if err := c.Store(ctx, in.Path, segments); err != nil {
			logger.Warn("cache store failed", "path", in.Path, "error", err)
		}
	}
	return result, segments, nil
}

func countSamples(segments []timeseries.Segment) int64 {
	var n int64
	for _, s := range segments {
		n += s.NSamples()
	}
	return n
}

func sortedChannels(m map[string][]timeseries.Segment) []string {
	out := make([]string, 0, len(m))
	for ch := range m {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
