package timeseries

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Rate is an exact rational sampling rate in samples per second. Storing the
// rate as a normalized integer fraction keeps sample-instant arithmetic exact
// for rates below 1 Hz (long-period recorders) as well as non-decimal rates
// such as miniSEED factor/multiplier pairs.
type Rate struct {
	num int64 // samples
	den int64 // per den seconds
}

// NewRate returns the normalized rate num/den samples per second.
func NewRate(num, den int64) (Rate, error) {
	if num <= 0 || den <= 0 {
		return Rate{}, fmt.Errorf("sample rate must be positive, got %d/%d", num, den)
	}
	g := gcd(num, den)
	return Rate{num: num / g, den: den / g}, nil
}

// MustRate is NewRate for rates known to be valid at compile time.
func MustRate(num, den int64) Rate {
	r, err := NewRate(num, den)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRate parses a sample rate from its textual forms: an integer ("512"),
// a decimal ("0.5") or a fraction ("25/2").
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("parsing rate numerator %q: %w", num, err)
		}
		d, err := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("parsing rate denominator %q: %w", den, err)
		}
		return NewRate(n, d)
	}
	if !strings.Contains(s, ".") {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("parsing rate %q: %w", s, err)
		}
		return NewRate(n, 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("parsing rate %q: %w", s, err)
	}
	return RateFromHz(f)
}

// RateFromHz converts a floating point rate to an exact rational. Decimal
// rates are recovered exactly up to nanohertz resolution, which covers every
// rate the supported instruments emit.
func RateFromHz(fs float64) (Rate, error) {
	if fs <= 0 || math.IsNaN(fs) || math.IsInf(fs, 0) {
		return Rate{}, fmt.Errorf("sample rate must be positive and finite, got %v", fs)
	}
	if fs == math.Trunc(fs) && fs < 1e15 {
		return NewRate(int64(fs), 1)
	}
	const scale = 1e9
	num := math.Round(fs * scale)
	if num < 1 || num > math.MaxInt64 {
		return Rate{}, fmt.Errorf("sample rate %v is not representable", fs)
	}
	return NewRate(int64(num), int64(scale))
}

// Hz returns the rate as a float. Use the rational accessors for arithmetic
// that must stay exact.
func (r Rate) Hz() float64 { return float64(r.num) / float64(r.den) }

// Ratio returns the normalized numerator and denominator of the rate. The
// fraction form "num/den" round-trips through ParseRate.
func (r Rate) Ratio() (num, den int64) { return r.num, r.den }

// IsZero reports whether r is the zero Rate.
func (r Rate) IsZero() bool { return r.num == 0 }

// Equal reports whether two rates denote the same frequency.
func (r Rate) Equal(o Rate) bool { return r.num == o.num && r.den == o.den }

func (r Rate) String() string {
	if r.den == 1 {
		return fmt.Sprintf("%d Hz", r.num)
	}
	return fmt.Sprintf("%d/%d Hz", r.num, r.den)
}

// Period returns the duration of one sample interval, rounded to the
// nanosecond. Exact sample instants should be computed with Duration, which
// does not accumulate the rounding.
func (r Rate) Period() time.Duration {
	return r.Duration(1)
}

// Duration returns the time spanned by n sample intervals, exact to the
// nanosecond with no per-sample rounding accumulation.
func (r Rate) Duration(n int64) time.Duration {
	// n*den/num seconds, split to avoid overflowing n*den for long recordings
	whole := n / r.num
	rem := n % r.num
	d := time.Duration(whole*r.den) * time.Second
	d += time.Duration(rem * r.den * int64(time.Second) / r.num)
	return d
}

// SamplesIn returns the number of whole sample intervals in d and whether d
// is an exact multiple of the sample period.
func (r Rate) SamplesIn(d time.Duration) (int64, bool) {
	// samples = d * num / (den * 1s), split to keep intermediates in range
	ns := int64(d)
	whole := ns / int64(time.Second)
	rem := ns % int64(time.Second)
	n := whole * r.num / r.den
	carry := whole*r.num%r.den*int64(time.Second) + rem*r.num
	n += carry / (r.den * int64(time.Second))
	exact := carry%(r.den*int64(time.Second)) == 0
	return n, exact
}

// IntegerRatio reports the exact integer ratio between two rates: the factor
// k such that the faster rate is k times the slower one. ok is false when the
// rates are not related by an integer ratio.
func (r Rate) IntegerRatio(o Rate) (factor int64, ok bool) {
	// r/o = (r.num*o.den) / (r.den*o.num)
	a := r.num * o.den
	b := r.den * o.num
	if a >= b {
		if a%b != 0 {
			return 0, false
		}
		return a / b, true
	}
	if b%a != 0 {
		return 0, false
	}
	return b / a, true
}

// Less reports whether r is a slower rate than o.
func (r Rate) Less(o Rate) bool {
	return r.num*o.den < o.num*r.den
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
