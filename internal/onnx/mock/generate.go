// Package mock builds synthetic classifier outputs for tests.
package mock

import (
	"math"
)

// NewUniform returns n equal probabilities summing to 1.
func NewUniform(n int) []float32 {
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	v := float32(1) / float32(n)
	for i := range out {
		out[i] = v
	}
	return out
}

// NewPeaked returns a distribution of n classes where class winner holds peak
// and the remainder is spread evenly over the other classes.
func NewPeaked(n, winner int, peak float32) []float32 {
	if n <= 0 || winner < 0 || winner >= n {
		return nil
	}
	peak = clamp01(peak)
	out := make([]float32, n)
	if n == 1 {
		out[0] = peak
		return out
	}
	rest := (1 - peak) / float32(n-1)
	for i := range out {
		out[i] = rest
	}
	out[winner] = peak
	return out
}

// Softmax turns raw logits into a probability vector.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
