package mseed

import (
	"encoding/binary"
	"fmt"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

const steimFrameBytes = 64

// decodeSteim expands a Steim1 or Steim2 compressed payload. The payload is
// a sequence of 64-byte frames; each frame opens with a control word of 2-bit
// nibbles describing the 15 data words that follow. The first frame also
// carries the forward and reverse integration constants, which anchor the
// difference chain and verify it.
func decodeSteim(buf []byte, order binary.ByteOrder, nSamples int, steim2 bool) ([]int32, error) {
	if len(buf) < steimFrameBytes {
		return nil, fmt.Errorf("%w: compressed payload shorter than one frame", timeseries.ErrTruncatedPayload)
	}

	var x0, xn int32
	diffs := make([]int32, 0, nSamples)

	nFrames := len(buf) / steimFrameBytes
	for fi := 0; fi < nFrames && len(diffs) < nSamples; fi++ {
		frame := buf[fi*steimFrameBytes : (fi+1)*steimFrameBytes]
		control := order.Uint32(frame[0:4])

		for wi := 1; wi < 16; wi++ {
			nibble := (control >> uint(2*(15-wi))) & 0x3
			word := order.Uint32(frame[4*wi : 4*wi+4])

			if fi == 0 && wi == 1 {
				x0 = int32(word)
				continue
			}
			if fi == 0 && wi == 2 {
				xn = int32(word)
				continue
			}

			switch {
			case nibble == 0:
				// non-data word
			case nibble == 1:
				for b := 0; b < 4; b++ {
					diffs = append(diffs, int32(int8(frame[4*wi+b])))
				}
			case !steim2 && nibble == 2:
				diffs = append(diffs,
					int32(int16(order.Uint16(frame[4*wi:]))),
					int32(int16(order.Uint16(frame[4*wi+2:]))))
			case !steim2 && nibble == 3:
				diffs = append(diffs, int32(word))
			default:
				var err error
				if diffs, err = appendSteim2(diffs, nibble, word); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(diffs) < nSamples {
		return nil, fmt.Errorf("%w: compressed payload expands to %d samples, header declares %d",
			timeseries.ErrTruncatedPayload, len(diffs), nSamples)
	}

	samples := make([]int32, nSamples)
	samples[0] = x0
	for i := 1; i < nSamples; i++ {
		samples[i] = samples[i-1] + diffs[i]
	}
	if samples[nSamples-1] != xn {
		return nil, fmt.Errorf("%w: reverse integration constant mismatch, got %d want %d",
			timeseries.ErrMalformedHeader, samples[nSamples-1], xn)
	}
	return samples, nil
}

// appendSteim2 expands one Steim2 data word for nibble values 2 and 3, where
// the top two word bits select the sub-encoding.
func appendSteim2(diffs []int32, nibble, word uint32) ([]int32, error) {
	dnib := word >> 30
	switch {
	case nibble == 2 && dnib == 1:
		diffs = append(diffs, signExtend(word&0x3FFFFFFF, 30))
	case nibble == 2 && dnib == 2:
		diffs = append(diffs,
			signExtend((word>>15)&0x7FFF, 15),
			signExtend(word&0x7FFF, 15))
	case nibble == 2 && dnib == 3:
		for shift := 20; shift >= 0; shift -= 10 {
			diffs = append(diffs, signExtend((word>>uint(shift))&0x3FF, 10))
		}
	case nibble == 3 && dnib == 0:
		for shift := 24; shift >= 0; shift -= 6 {
			diffs = append(diffs, signExtend((word>>uint(shift))&0x3F, 6))
		}
	case nibble == 3 && dnib == 1:
		for shift := 25; shift >= 0; shift -= 5 {
			diffs = append(diffs, signExtend((word>>uint(shift))&0x1F, 5))
		}
	case nibble == 3 && dnib == 2:
		for shift := 24; shift >= 0; shift -= 4 {
			diffs = append(diffs, signExtend((word>>uint(shift))&0xF, 4))
		}
	default:
		return nil, fmt.Errorf("%w: invalid Steim2 sub-encoding %d/%d", timeseries.ErrMalformedHeader, nibble, dnib)
	}
	return diffs, nil
}

// signExtend interprets the low bits of v as a signed value of that width.
func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}
