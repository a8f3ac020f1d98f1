// Package level turns a block of audio samples into a single loudness value.
package level

import "math"

// Scale is applied to the Euclidean norm so that thresholds can be written as
// small integers.
const Scale = 10

// Estimate returns Scale times the Euclidean norm of an interleaved block.
// Every channel contributes, so the result grows with the number of channels
// and the block length. Samples are expected in [-1, 1].
func Estimate(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return Scale * math.Sqrt(sum)
}

// EstimateInt16 is Estimate for 16-bit PCM, normalised to the float range
// first so that both sample formats share one threshold scale.
func EstimateInt16(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return Scale * math.Sqrt(sum)
}
