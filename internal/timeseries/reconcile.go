package timeseries

import (
	"fmt"
	"sort"
	"time"
)

// Gap records missing time between two consecutive segments of a timeline.
// PrevEnd is the continuation point of the earlier segment (one period past
// its last sample), so Duration = NextStart - PrevEnd and is always positive.
type Gap struct {
	PrevEnd   time.Time
	NextStart time.Time
	Duration  time.Duration
}

// RateChange marks a boundary where the sample rate of a channel changed.
// Rate changes are never merged or resampled; segments on either side belong
// to distinct logical sub-timelines.
type RateChange struct {
	At   time.Time
	From Rate
	To   Rate
}

// Timeline is the ordered, gap-annotated concatenation of Segments for one
// channel. Timelines are immutable once built.
type Timeline struct {
	Channel     string
	Segments    []Segment
	Gaps        []Gap
	RateChanges []RateChange
}

// Span returns the time range covered by the timeline, from the first sample
// to the continuation point of the last segment. Gaps inside the span are
// listed in Gaps.
func (tl Timeline) Span() TimeRange {
	if len(tl.Segments) == 0 {
		return TimeRange{}
	}
	return TimeRange{
		Start: tl.Segments[0].Start,
		End:   tl.Segments[len(tl.Segments)-1].ContinuationPoint(),
	}
}

// NSamples returns the total sample count across all segments.
func (tl Timeline) NSamples() int64 {
	var n int64
	for _, s := range tl.Segments {
		n += s.NSamples()
	}
	return n
}

// Continuous reports whether the timeline is a single gap-free,
// rate-consistent run.
func (tl Timeline) Continuous() bool {
	return len(tl.Segments) == 1 && len(tl.Gaps) == 0 && len(tl.RateChanges) == 0
}

// Rate returns the sample rate of the timeline. When the timeline contains
// rate changes, the rate of the first segment is returned.
func (tl Timeline) Rate() Rate {
	if len(tl.Segments) == 0 {
		return Rate{}
	}
	return tl.Segments[0].Rate
}

// ReconcileOptions control how segment continuity is classified. The zero
// value is the fail-closed default: gaps are recorded, overlaps and rate
// changes are fatal.
type ReconcileOptions struct {
	// GapTolerance is the maximum deviation from the expected continuation
	// instant for two segments to be merged as contiguous. Zero means half a
	// sample period.
	GapTolerance time.Duration

	// TrimOverlaps drops the overlapping head of a later segment instead of
	// failing. Leave false unless the acquisition system is known to
	// duplicate samples at file boundaries.
	TrimOverlaps bool

	// AllowRateChanges records a RateChange boundary instead of failing when
	// adjacent segments disagree on sample rate.
	AllowRateChanges bool
}

func (o ReconcileOptions) tolerance(r Rate) time.Duration {
	if o.GapTolerance > 0 {
		return o.GapTolerance
	}
	return r.Period() / 2
}

// Reconcile merges the recording segments of one channel into a Timeline.
// Segments are sorted by start time; each adjacent pair is classified by
// comparing the later start against the expected continuation instant of the
// earlier run, within the gap tolerance:
//
//   - within tolerance: the runs are concatenated into one Segment
//   - later than tolerance: a Gap is recorded
//   - earlier than tolerance: OverlapError, unless TrimOverlaps is set
//
// A rate mismatch between adjacent segments is RateChangeError by default,
// or a recorded RateChange boundary with AllowRateChanges. Reconciling an
// already continuous timeline is the identity: one segment, no gaps.
func Reconcile(segments []Segment, opts ReconcileOptions) (Timeline, error) {
	if len(segments) == 0 {
		return Timeline{}, nil
	}

	channel := segments[0].Channel
	sorted := make([]Segment, 0, len(segments))
	for _, s := range segments {
		if s.Channel != channel {
			return Timeline{}, fmt.Errorf("reconciling mixed channels %q and %q", channel, s.Channel)
		}
		if s.NSamples() > 0 {
			sorted = append(sorted, s)
		}
	}
	if len(sorted) == 0 {
		return Timeline{Channel: channel}, nil
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	tl := Timeline{Channel: channel}
	cur := sorted[0].clone()

	for _, next := range sorted[1:] {
		if !next.Rate.Equal(cur.Rate) {
			if !opts.AllowRateChanges {
				return Timeline{}, &RateChangeError{
					Channel: channel,
					At:      next.Start,
					From:    cur.Rate,
					To:      next.Rate,
				}
			}
			tl.Segments = append(tl.Segments, cur)
			tl.RateChanges = append(tl.RateChanges, RateChange{
				At:   next.Start,
				From: cur.Rate,
				To:   next.Rate,
			})
			cur = next.clone()
			continue
		}

		expected := cur.ContinuationPoint()
		tol := opts.tolerance(cur.Rate)
		delta := next.Start.Sub(expected)

		switch {
		case delta >= -tol && delta <= tol:
			cur = cur.append(next)

		case delta > tol:
			tl.Segments = append(tl.Segments, cur)
			tl.Gaps = append(tl.Gaps, Gap{
				PrevEnd:   expected,
				NextStart: next.Start,
				Duration:  next.Start.Sub(expected),
			})
			cur = next.clone()

		default: // next starts before the continuation point
			if !opts.TrimOverlaps {
				return Timeline{}, &OverlapError{
					Channel:   channel,
					PrevEnd:   expected,
					NextStart: next.Start,
				}
			}
			trimmed, ok := next.TrimBefore(expected.Add(-tol))
			if !ok {
				continue // fully contained in the current run
			}
			delta = trimmed.Start.Sub(expected)
			if delta > tol {
				tl.Segments = append(tl.Segments, cur)
				tl.Gaps = append(tl.Gaps, Gap{
					PrevEnd:   expected,
					NextStart: trimmed.Start,
					Duration:  trimmed.Start.Sub(expected),
				})
				cur = trimmed
				continue
			}
			cur = cur.append(trimmed)
		}
	}

	tl.Segments = append(tl.Segments, cur)
	return tl, nil
}
