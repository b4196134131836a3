package audio

import (
	"encoding/binary"
	"math"
)

// FloatToInt16 converts one normalised float sample to signed 16-bit PCM.
// The input is clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767 so both extremes map exactly onto the int16
// range. NaN converts to silence.
func FloatToInt16(v float32) int16 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	f = max(-1, min(1, f))
	if f < 0 {
		return int16(math.Round(f * 32768))
	}
	return int16(math.Round(f * 32767))
}

// Float32ToPCM16 encodes a block of normalised float samples as little-endian
// PCM16. The result is always exactly len(samples)*2 bytes.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(v)))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian PCM16 into floats in [-1, 1) by
// dividing each sample by 32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}
