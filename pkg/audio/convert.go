// Package audio provides the PCM helpers shared by the synthesis pipeline:
// int16 <-> float32 conversion, mono resampling, WAV framing, and the
// equal-power crossfade used to join staged TTS segments.
//
// All byte-level PCM in this package is little-endian int16 mono unless a
// function documents otherwise. Float32 samples are in [-1, 1].
package audio

import "math"

// BytesToFloat32 decodes little-endian int16 PCM into float32 samples in
// [-1, 1] by dividing by 32768. A trailing odd byte is ignored.
func BytesToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToBytes encodes float32 samples as little-endian int16 PCM.
// Samples are clipped to [-1, 1] and scaled by 32767. No gain control is
// applied; loudness is the caller's concern.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ResampleFloat32 resamples mono float32 samples from srcRate to dstRate
// using linear interpolation. If the rates match (or either is invalid) the
// input is returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM bytes from srcRate to dstRate
// using linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return Float32ToBytes(ResampleFloat32(BytesToFloat32(pcm), srcRate, dstRate))
}

// RMS returns the root-mean-square level of the samples, or 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
