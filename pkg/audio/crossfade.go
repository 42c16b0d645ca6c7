package audio

import "math"

// crossfadeHeadroom scales the blended region so constructive interference
// between the two windows never clips.
const crossfadeHeadroom = 0.97

// Crossfade joins two mono float32 segments with an equal-power blend.
//
// The window length is min(sampleRate·fadeMs/1000, len(head), len(tail)).
// The outgoing segment is weighted with cos²(t) and the incoming with sin²(t)
// for t in [0, π/2], so signal power is preserved across the seam. The blended
// region is scaled by 0.97 of headroom. No peak normalization is applied.
//
// The result is head[:len-n] ++ blend ++ tail[n:]. With a zero or negative
// window the segments are simply concatenated.
func Crossfade(head, tail []float32, sampleRate, fadeMs int) []float32 {
	n := sampleRate * fadeMs / 1000
	if n > len(head) {
		n = len(head)
	}
	if n > len(tail) {
		n = len(tail)
	}
	if n <= 0 {
		out := make([]float32, 0, len(head)+len(tail))
		out = append(out, head...)
		return append(out, tail...)
	}

	out := make([]float32, 0, len(head)+len(tail)-n)
	out = append(out, head[:len(head)-n]...)

	headTail := head[len(head)-n:]
	for i := range n {
		t := float64(i) / float64(n) * (math.Pi / 2)
		winOut := math.Cos(t) * math.Cos(t)
		winIn := math.Sin(t) * math.Sin(t)
		blended := (float64(headTail[i])*winOut + float64(tail[i])*winIn) * crossfadeHeadroom
		out = append(out, float32(blended))
	}

	return append(out, tail[n:]...)
}

// FadeIn applies a linear ramp over the first fadeMs milliseconds in place.
// Used to soften the start of a stand-alone segment that has no preceding
// audio to crossfade with.
func FadeIn(samples []float32, sampleRate, fadeMs int) {
	n := sampleRate * fadeMs / 1000
	if n > len(samples) {
		n = len(samples)
	}
	for i := range n {
		samples[i] *= float32(i) / float32(n)
	}
}
