package timeseries

import (
	"fmt"
	"time"
)

// Sensor classifies the physical quantity a channel records.
type Sensor int

const (
	SensorOther Sensor = iota
	SensorElectric
	SensorMagnetic
)

func (s Sensor) String() string {
	switch s {
	case SensorElectric:
		return "electric"
	case SensorMagnetic:
		return "magnetic"
	default:
		return "other"
	}
}

// SensorForChannel maps the channel naming convention shared by the
// supported instruments (Ex, Ey, E1..E4 electric; Hx, Hy, Hz, Bx.. magnetic)
// to a sensor type.
func SensorForChannel(name string) Sensor {
	if name == "" {
		return SensorOther
	}
	switch name[0] {
	case 'E', 'e':
		return SensorElectric
	case 'H', 'h', 'B', 'b':
		return SensorMagnetic
	default:
		return SensorOther
	}
}

// ChannelSpec describes one recorded channel as declared by a file header.
type ChannelSpec struct {
	Name    string
	Unit    string
	Scaling float64 // multiplier applied to raw counts during decode
	Offset  float64 // additive term applied after scaling (Lemi B423)
	Sensor  Sensor

	// Auxiliary instrument metadata, present when the format provides it.
	Serial   string
	DipoleM  float64 // electrode spacing in metres, electric channels only
	DataFile string  // payload file for formats with one file per channel
}

// Header is the normalized instrument metadata extracted from a file header.
type Header struct {
	StartTime time.Time // absolute instant of the first sample, UTC
	Rate      Rate
	Channels  []ChannelSpec
	NSamples  int64 // -1 when unknown until the payload is scanned
}

// Validate checks the Header invariants: positive rate, parseable absolute
// start time, non-empty channel list with unique names.
func (h Header) Validate() error {
	if h.Rate.IsZero() {
		return fmt.Errorf("%w: sample rate missing or not positive", ErrMalformedHeader)
	}
	if h.StartTime.IsZero() {
		return fmt.Errorf("%w: start time missing", ErrMalformedHeader)
	}
	if len(h.Channels) == 0 {
		return fmt.Errorf("%w: no channels declared", ErrMalformedHeader)
	}
	seen := make(map[string]struct{}, len(h.Channels))
	for _, ch := range h.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel with empty name", ErrMalformedHeader)
		}
		if _, ok := seen[ch.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Name)
		}
		seen[ch.Name] = struct{}{}
	}
	return nil
}

// Channel returns the spec for the named channel.
func (h Header) Channel(name string) (ChannelSpec, bool) {
	for _, ch := range h.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelSpec{}, false
}
