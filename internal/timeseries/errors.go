package timeseries

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnrecognizedFormat is returned when no format matches a file, or
	// when more than one format claims it and the ambiguity cannot be
	// resolved without an explicit hint.
	ErrUnrecognizedFormat = errors.New("unrecognized instrument format")

	// ErrMalformedHeader is returned when header bytes do not parse to an
	// unambiguous start time, a positive sample rate and a consistent
	// channel description.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrDuplicateChannel is returned when a header declares the same
	// channel name more than once.
	ErrDuplicateChannel = errors.New("duplicate channel name")

	// ErrTruncatedPayload is returned when a payload byte count is not a
	// whole multiple of the sample stride. The wrapped TruncatedPayloadError
	// reports how many whole samples are recoverable.
	ErrTruncatedPayload = errors.New("truncated payload")

	// ErrOverlappingSegments is returned when a segment starts before the
	// continuation point of its predecessor.
	ErrOverlappingSegments = errors.New("overlapping segments")

	// ErrRateChange is returned when adjacent segments of one channel have
	// different sample rates and rate changes have not been allowed.
	ErrRateChange = errors.New("sample rate change")

	// ErrIncompatibleRates is returned when channels cannot be assembled
	// because their rates are not related by exact integer ratios.
	ErrIncompatibleRates = errors.New("incompatible sample rates")

	// ErrNoOverlap is returned alongside an empty Dataset when the channels
	// share no common time span.
	ErrNoOverlap = errors.New("no common time span across channels")

	// ErrOutOfRange is returned for time range queries outside the valid
	// range of a Dataset.
	ErrOutOfRange = errors.New("instant outside valid time range")
)

// FormatError reports a header or payload decoding failure with enough
// context to locate the offending bytes.
type FormatError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *FormatError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("%s: byte %d: %s", e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// TruncatedPayloadError reports a payload whose byte count is not a whole
// multiple of the sample stride. WholeSamples is the number of complete
// samples recoverable before the truncation point.
type TruncatedPayloadError struct {
	Path          string
	Channel       string
	WholeSamples  int64
	TrailingBytes int64
}

func (e *TruncatedPayloadError) Error() string {
	return fmt.Sprintf("%s: %s: %d trailing bytes after %d whole samples",
		e.Path, ErrTruncatedPayload, e.TrailingBytes, e.WholeSamples)
}

func (e *TruncatedPayloadError) Unwrap() error { return ErrTruncatedPayload }

// OverlapError reports two segments of one channel whose sample runs overlap
// in time.
type OverlapError struct {
	Channel   string
	PrevEnd   time.Time // continuation point of the earlier segment
	NextStart time.Time // start of the later, overlapping segment
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("channel %s: %s: segment starting %s overlaps run ending %s",
		e.Channel, ErrOverlappingSegments,
		e.NextStart.Format(time.RFC3339Nano), e.PrevEnd.Format(time.RFC3339Nano))
}

func (e *OverlapError) Unwrap() error { return ErrOverlappingSegments }

// RateChangeError reports a sample rate change between adjacent segments of
// one channel.
type RateChangeError struct {
	Channel string
	At      time.Time
	From    Rate
	To      Rate
}

func (e *RateChangeError) Error() string {
	return fmt.Sprintf("channel %s: %s at %s: %s to %s",
		e.Channel, ErrRateChange, e.At.Format(time.RFC3339Nano), e.From, e.To)
}

func (e *RateChangeError) Unwrap() error { return ErrRateChange }
