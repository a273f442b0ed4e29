// Package audio converts mono 16-bit little-endian PCM between sample rates.
package audio

import "math"

// EngineSampleRate is the fixed rate the conversational engine consumes and
// produces.
const EngineSampleRate = 24000

// DecodePCM16 reads 16-bit signed little-endian samples. A trailing odd byte
// is ignored.
func DecodePCM16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// EncodePCM16 writes samples as 16-bit signed little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Int16sToPCM16 encodes integer samples received as JSON numbers. Values
// outside the int16 range are clamped.
func Int16sToPCM16(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		s := clampInt16(float64(v))
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

func encodeClamped(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		s := clampInt16(v)
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
