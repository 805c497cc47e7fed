package timeseries

import (
	"fmt"
	"time"
)

// Segment is a contiguous, gap-free run of physical-unit samples for one
// channel. Segments have value semantics: merging, trimming or slicing
// produces a new Segment and never mutates an existing one.
type Segment struct {
	Channel string
	Start   time.Time
	Rate    Rate
	Samples []float64
}

// NSamples returns the number of samples in the segment.
func (s Segment) NSamples() int64 { return int64(len(s.Samples)) }

// Instant returns the absolute instant of sample i: Start + i/Rate.
func (s Segment) Instant(i int64) time.Time {
	return s.Start.Add(s.Rate.Duration(i))
}

// End returns the instant of the last sample. For an empty segment it
// returns Start.
func (s Segment) End() time.Time {
	if len(s.Samples) == 0 {
		return s.Start
	}
	return s.Instant(int64(len(s.Samples)) - 1)
}

// ContinuationPoint returns the instant one sample period past the last
// sample, where a perfectly contiguous successor would begin.
func (s Segment) ContinuationPoint() time.Time {
	return s.Instant(int64(len(s.Samples)))
}

// Range returns the half-open time span [Start, ContinuationPoint) covered
// by the segment.
func (s Segment) Range() TimeRange {
	return TimeRange{Start: s.Start, End: s.ContinuationPoint()}
}

// append returns a new Segment with the samples of next concatenated. The
// caller has already established that next is exactly contiguous.
func (s Segment) append(next Segment) Segment {
	samples := make([]float64, 0, len(s.Samples)+len(next.Samples))
	samples = append(samples, s.Samples...)
	samples = append(samples, next.Samples...)
	return Segment{Channel: s.Channel, Start: s.Start, Rate: s.Rate, Samples: samples}
}

// TrimBefore returns a new Segment with every sample before instant t
// removed. The boolean is false when nothing remains.
func (s Segment) TrimBefore(t time.Time) (Segment, bool) {
	if !t.After(s.Start) {
		return s.clone(), true
	}
	n, exact := s.Rate.SamplesIn(t.Sub(s.Start))
	if !exact {
		n++ // first sample at or after t
	}
	if n >= int64(len(s.Samples)) {
		return Segment{}, false
	}
	out := Segment{
		Channel: s.Channel,
		Start:   s.Instant(n),
		Rate:    s.Rate,
		Samples: append([]float64(nil), s.Samples[n:]...),
	}
	return out, true
}

// Slice returns the samples of s that fall inside [from, to], as a new
// Segment. The boolean is false when the span and the segment do not
// intersect.
func (s Segment) Slice(from, to time.Time) (Segment, bool) {
	if len(s.Samples) == 0 || to.Before(s.Start) || from.After(s.End()) {
		return Segment{}, false
	}
	lo := int64(0)
	if from.After(s.Start) {
		n, exact := s.Rate.SamplesIn(from.Sub(s.Start))
		lo = n
		if !exact {
			lo++
		}
	}
	hi := int64(len(s.Samples)) - 1
	if to.Before(s.End()) {
		n, _ := s.Rate.SamplesIn(to.Sub(s.Start))
		hi = n
	}
	if lo > hi {
		return Segment{}, false
	}
	out := Segment{
		Channel: s.Channel,
		Start:   s.Instant(lo),
		Rate:    s.Rate,
		Samples: append([]float64(nil), s.Samples[lo:hi+1]...),
	}
	return out, true
}

func (s Segment) clone() Segment {
	return Segment{
		Channel: s.Channel,
		Start:   s.Start,
		Rate:    s.Rate,
		Samples: append([]float64(nil), s.Samples...),
	}
}

func (s Segment) String() string {
	return fmt.Sprintf("%s: %d samples at %s from %s",
		s.Channel, len(s.Samples), s.Rate, s.Start.Format(time.RFC3339Nano))
}

// TimeRange is a half-open absolute time span [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is unset or empty.
func (tr TimeRange) IsZero() bool { return !tr.End.After(tr.Start) }

// Duration returns the length of the range.
func (tr TimeRange) Duration() time.Duration {
	if tr.IsZero() {
		return 0
	}
	return tr.End.Sub(tr.Start)
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// Intersect returns the overlap of two ranges; the result IsZero when they
// do not intersect.
func (tr TimeRange) Intersect(o TimeRange) TimeRange {
	out := tr
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	if out.IsZero() {
		return TimeRange{}
	}
	return out
}
