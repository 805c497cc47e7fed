package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		num     int64
		den     int64
		wantErr bool
	}{
		{in: "512", num: 512, den: 1},
		{in: "0.5", num: 1, den: 2},
		{in: "25/2", num: 25, den: 2},
		{in: "24000", num: 24000, den: 1},
		{in: "0.125", num: 1, den: 8},
		{in: "0", wantErr: true},
		{in: "-10", wantErr: true},
		{in: "10/0", wantErr: true},
		{in: "fast", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseRate(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, r.Equal(MustRate(tt.num, tt.den)), "got %s", r)
		})
	}
}

func TestRateDuration(t *testing.T) {
	r := MustRate(10, 1)
	assert.Equal(t, 100*time.Millisecond, r.Period())
	assert.Equal(t, time.Second, r.Duration(10))
	assert.Equal(t, 900*time.Millisecond, r.Duration(9))

	// 0.5 Hz: one sample every two seconds
	slow := MustRate(1, 2)
	assert.Equal(t, 2*time.Second, slow.Period())
	assert.Equal(t, 2*time.Hour, slow.Duration(3600))

	// no per-sample rounding accumulation at awkward rates
	odd := MustRate(3, 1)
	assert.Equal(t, time.Duration(1e9), odd.Duration(3))
	assert.Equal(t, 1000*time.Second, odd.Duration(3000))
}

func TestRateSamplesIn(t *testing.T) {
	r := MustRate(10, 1)

	n, exact := r.SamplesIn(time.Second)
	assert.Equal(t, int64(10), n)
	assert.True(t, exact)

	n, exact = r.SamplesIn(1050 * time.Millisecond)
	assert.Equal(t, int64(10), n)
	assert.False(t, exact)

	// round trip with Duration over a long span
	hf := MustRate(4096, 1)
	const samples = int64(4096 * 86400) // one day
	n, exact = hf.SamplesIn(hf.Duration(samples))
	assert.Equal(t, samples, n)
	assert.True(t, exact)
}

func TestRateIntegerRatio(t *testing.T) {
	ten := MustRate(10, 1)
	five := MustRate(5, 1)
	seven := MustRate(7, 1)

	k, ok := ten.IntegerRatio(five)
	assert.True(t, ok)
	assert.Equal(t, int64(2), k)

	k, ok = five.IntegerRatio(ten)
	assert.True(t, ok)
	assert.Equal(t, int64(2), k)

	_, ok = ten.IntegerRatio(seven)
	assert.False(t, ok)

	k, ok = ten.IntegerRatio(ten)
	assert.True(t, ok)
	assert.Equal(t, int64(1), k)

	// fractional rates: 0.5 Hz and 4 Hz are ratio 8
	k, ok = MustRate(1, 2).IntegerRatio(MustRate(4, 1))
	assert.True(t, ok)
	assert.Equal(t, int64(8), k)
}

func TestRateFromHz(t *testing.T) {
	r, err := RateFromHz(128)
	require.NoError(t, err)
	assert.True(t, r.Equal(MustRate(128, 1)))

	r, err = RateFromHz(0.25)
	require.NoError(t, err)
	assert.True(t, r.Equal(MustRate(1, 4)))

	_, err = RateFromHz(0)
	require.Error(t, err)
}
