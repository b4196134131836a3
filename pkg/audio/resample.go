package audio

import "encoding/binary"

// ResampleMono16 converts mono PCM16 from srcRate to dstRate with linear
// interpolation. Invalid rates, equal rates, and inputs shorter than one
// sample are returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	at := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	dst := outputLength(n, srcRate, dstRate)
	if dst == 0 {
		return nil
	}
	out := make([]byte, dst*2)
	interpolate(n, dst, srcRate, dstRate, at, func(i int, v float64) {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	})
	return out
}

// ResampleFloat32 is the float counterpart of [ResampleMono16]. Capture
// devices that cannot open at the requested rate deliver blocks through it.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := len(samples)
	dst := outputLength(n, srcRate, dstRate)
	if dst == 0 {
		return nil
	}
	out := make([]float32, dst)
	interpolate(n, dst, srcRate, dstRate,
		func(i int) float64 { return float64(samples[i]) },
		func(i int, v float64) { out[i] = float32(v) })
	return out
}

func outputLength(n, srcRate, dstRate int) int {
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// interpolate walks dst output positions, reading source samples through at and
// writing the blended value through set. The last source sample is held when
// the read position runs past the end.
func interpolate(n, dst, srcRate, dstRate int, at func(int) float64, set func(int, float64)) {
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := at(idx)
		s1 := s0
		if idx+1 < n {
			s1 = at(idx + 1)
		}
		set(i, s0*(1-frac)+s1*frac)
	}
}
