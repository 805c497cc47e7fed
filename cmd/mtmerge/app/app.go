package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/telluric-io/mtseries/internal/batch"
	"github.com/telluric-io/mtseries/internal/cache"
	"github.com/telluric-io/mtseries/internal/format"
	"github.com/telluric-io/mtseries/internal/timeseries"
)

// Run decodes the configured recordings, reconciles their continuity and
// reports the merged dataset.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	inputs, err := expandInputs(config.Inputs)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no input files matched the configuration")
	}

	tolerance, err := config.Reconcile.Tolerance()
	if err != nil {
		return err
	}

	opts := batch.Options{
		Parallelism: config.Settings.Parallelism,
		Reconcile: timeseries.ReconcileOptions{
			GapTolerance:     tolerance,
			TrimOverlaps:     config.Reconcile.TrimOverlaps,
			AllowRateChanges: config.Reconcile.AllowRateChanges,
		},
		FailFast: config.Settings.FailFast,
		Logger:   logger,
	}
	if config.Cache.Enabled {
		c := cache.New(config.Cache.Path)
		defer c.Close()
		opts.Cache = c
	}

	ds, report, err := batch.Run(ctx, inputs, opts)
	if report != nil {
		summarize(report, logger)
	}
	if err != nil {
		if errors.Is(err, timeseries.ErrNoOverlap) {
			logger.Warn("channels never overlap in time, no common dataset window")
			return nil
		}
		return fmt.Errorf("merging recordings: %w", err)
	}

	vr := ds.ValidRange()
	logger.Info("merged dataset ready",
		"channels", len(ds.Channels()),
		"base_rate", ds.BaseRate().String(),
		"from", vr.Start,
		"to", vr.End,
		"duration", vr.Duration().String())
	return nil
}

// expandInputs resolves glob patterns into concrete per-file inputs.
func expandInputs(configs []InputConfig) ([]batch.Input, error) {
	var inputs []batch.Input
	for _, in := range configs {
		f, err := format.ParseFormat(in.Format)
		if err != nil {
			return nil, err
		}
		var rate timeseries.Rate
		if in.SampleRate != "" {
			if rate, err = timeseries.ParseRate(in.SampleRate); err != nil {
				return nil, fmt.Errorf("input %s: %w", in.Path, err)
			}
		}

		matches, err := filepath.Glob(in.Path)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Path, err)
		}
		if matches == nil {
			matches = []string{in.Path}
		}
		sort.Strings(matches)
		for _, path := range matches {
			inputs = append(inputs, batch.Input{
				Path:       path,
				Format:     f,
				SampleRate: rate,
				ChannelMap: in.ChannelMap,
			})
		}
	}
	return inputs, nil
}

// summarize logs the continuity findings of the run.
func summarize(report *batch.Report, logger *slog.Logger) {
	for _, file := range report.Files {
		if file.Err != nil {
			logger.Warn("file skipped", "path", file.Path, "error", file.Err)
			continue
		}
		if file.Truncated != nil {
			logger.Warn("file truncated mid-sample",
				"path", file.Path,
				"whole_samples", humanize.Comma(file.Truncated.WholeSamples),
				"trailing_bytes", file.Truncated.TrailingBytes)
		}
	}

	channels := make([]string, 0, len(report.Timelines))
	for ch := range report.Timelines {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		tl := report.Timelines[ch]
		span := tl.Span()
		logger.Info("channel timeline",
			"channel", ch,
			"from", span.Start,
			"to", span.End,
			"samples", humanize.Comma(tl.NSamples()),
			"segments", len(tl.Segments),
			"gaps", len(tl.Gaps),
			"rate_changes", len(tl.RateChanges))
		for _, gap := range tl.Gaps {
			logger.Info("gap",
				"channel", ch,
				"from", gap.PrevEnd,
				"to", gap.NextStart,
				"duration", gap.Duration.String())
		}
		for _, rc := range tl.RateChanges {
			logger.Info("rate change",
				"channel", ch,
				"at", rc.At,
				"from", rc.From.String(),
				"to", rc.To.String())
		}
	}
}
