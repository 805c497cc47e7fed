package timeseries

import (
	"fmt"
	"sort"
	"time"
)

// Dataset is the assembled multi-channel, time-aligned artifact. It is
// read-only after assembly: accessors return copies, and the underlying
// Timelines are never mutated.
type Dataset struct {
	channels   map[string]Timeline
	baseRate   Rate // slowest rate of the rate class
	validRange TimeRange
}

// Assemble aligns per-channel timelines onto one shared time base.
//
// All channels must belong to one rate class: every pair of rates must be
// identical or related by an exact integer ratio, otherwise the assembly
// fails with ErrIncompatibleRates. The valid time range is the intersection
// of the channel spans; when the channels share no common span, Assemble
// returns the (empty) Dataset together with ErrNoOverlap so the caller can
// distinguish the condition from a hard failure.
func Assemble(timelines map[string]Timeline) (*Dataset, error) {
	if len(timelines) == 0 {
		return nil, fmt.Errorf("assembling dataset: no channels")
	}

	names := make([]string, 0, len(timelines))
	for name := range timelines {
		names = append(names, name)
	}
	sort.Strings(names)

	channels := make(map[string]Timeline, len(timelines))
	var base Rate
	for _, name := range names {
		tl := timelines[name]
		if len(tl.Segments) == 0 {
			continue
		}
		if tl.Channel != "" && tl.Channel != name {
			return nil, fmt.Errorf("assembling dataset: timeline for %q keyed as %q", tl.Channel, name)
		}
		for _, other := range channels {
			if _, ok := tl.Rate().IntegerRatio(other.Rate()); !ok {
				return nil, fmt.Errorf("%w: %s at %s, %s at %s",
					ErrIncompatibleRates, other.Channel, other.Rate(), name, tl.Rate())
			}
		}
		if base.IsZero() || tl.Rate().Less(base) {
			base = tl.Rate()
		}
		channels[name] = tl
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("assembling dataset: all timelines empty")
	}

	var valid TimeRange
	first := true
	for _, name := range names {
		tl, ok := channels[name]
		if !ok {
			continue
		}
		if first {
			valid = tl.Span()
			first = false
			continue
		}
		valid = valid.Intersect(tl.Span())
	}

	ds := &Dataset{channels: channels, baseRate: base, validRange: valid}
	if valid.IsZero() {
		return ds, fmt.Errorf("assembling dataset: %w", ErrNoOverlap)
	}
	return ds, nil
}

// Channels returns the channel names in sorted order.
func (d *Dataset) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channel returns the timeline for the named channel.
func (d *Dataset) Channel(name string) (Timeline, bool) {
	tl, ok := d.channels[name]
	return tl, ok
}

// BaseRate returns the slowest rate of the dataset's rate class. Every other
// channel rate is an exact integer multiple of it.
func (d *Dataset) BaseRate() Rate { return d.baseRate }

// ValidRange returns the intersection of all channel spans. It is zero when
// the channels do not overlap in time.
func (d *Dataset) ValidRange() TimeRange { return d.validRange }

// Empty reports whether the dataset has no common valid range.
func (d *Dataset) Empty() bool { return d.validRange.IsZero() }

// Slice returns the samples of one channel inside [from, to]. Both instants
// must fall within the valid range, otherwise the query fails with
// ErrOutOfRange. The result is a new slice of segments; gaps in the source
// timeline simply produce fewer or shorter segments.
func (d *Dataset) Slice(channel string, from, to time.Time) ([]Segment, error) {
	tl, ok := d.channels[channel]
	if !ok {
		return nil, fmt.Errorf("slicing dataset: unknown channel %q", channel)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("slicing %s: range end %s before start %s",
			channel, to.Format(time.RFC3339Nano), from.Format(time.RFC3339Nano))
	}
	if !d.validRange.Contains(from) || (!d.validRange.Contains(to) && !to.Equal(d.validRange.End)) {
		return nil, fmt.Errorf("slicing %s from %s to %s: %w (valid %s to %s)",
			channel, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano), ErrOutOfRange,
			d.validRange.Start.Format(time.RFC3339Nano), d.validRange.End.Format(time.RFC3339Nano))
	}

	var out []Segment
	for _, seg := range tl.Segments {
		if s, ok := seg.Slice(from, to); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SliceAll returns the samples of every channel inside [from, to].
func (d *Dataset) SliceAll(from, to time.Time) (map[string][]Segment, error) {
	out := make(map[string][]Segment, len(d.channels))
	for name := range d.channels {
		segs, err := d.Slice(name, from, to)
		if err != nil {
			return nil, err
		}
		out[name] = segs
	}
	return out, nil
}
