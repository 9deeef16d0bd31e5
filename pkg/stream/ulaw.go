package stream

import "math"

// G.711 µ-law decode. Frames arrive as one byte per sample at 8 kHz; the
// pump only needs sample magnitudes (for level metering and barge-in), never
// a full PCM pipeline.

const ulawBias = 0x84

// ulawFullScale is the magnitude of a full-scale µ-law sample (0x80 encoded),
// used to normalize levels into 0..1.
const ulawFullScale = 32124.0

// decodeSample expands one µ-law byte to its linear 16-bit sample value.
func decodeSample(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := (int32(mantissa)<<3 + ulawBias) << exponent
	magnitude -= ulawBias
	if u&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// Level returns the mean sample magnitude of a µ-law frame, normalized to
// 0..1. This is the figure carried by audiotick events.
func Level(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		s := decodeSample(b)
		if s < 0 {
			s = -s
		}
		sum += float64(s)
	}
	return sum / float64(len(frame)) / ulawFullScale
}

// RMS returns the root-mean-square level of a µ-law frame, normalized to
// 0..1. Barge-in compares this against the configured user level threshold.
func RMS(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		s := float64(decodeSample(b))
		sum += s * s
	}
	return math.Sqrt(sum/float64(len(frame))) / ulawFullScale
}
