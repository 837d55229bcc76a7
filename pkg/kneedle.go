package poreflow

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FindKnee locates the knee of a convex, decreasing curve with the Kneedle
// method. sensitivity is the S parameter: larger values wait for a more
// pronounced knee. ok is false when no knee is found.
func FindKnee(x, y []float64, sensitivity float64) (knee float64, ok bool) {
	n := len(x)
	if n < 3 || len(y) != n {
		return 0, false
	}
	xn := normalize(x)
	yn := normalize(y)
	top := floats.Max(yn)
	for i := range yn {
		yn[i] = top - yn[i]
	}
	diff := make([]float64, n)
	for i := range diff {
		diff[i] = yn[i] - xn[i]
	}

	step := 0.0
	for i := 1; i < n; i++ {
		step += xn[i] - xn[i-1]
	}
	step = math.Abs(step / float64(n-1))

	maxima := localExtrema(diff, func(a, b float64) bool { return a >= b })
	minima := localExtrema(diff, func(a, b float64) bool { return a <= b })
	if len(maxima) == 0 {
		return 0, false
	}
	isMax := make(map[int]bool, len(maxima))
	for _, i := range maxima {
		isMax[i] = true
	}
	isMin := make(map[int]bool, len(minima))
	for _, i := range minima {
		isMin[i] = true
	}

	threshold, thresholdIndex := 0.0, 0
	for i := maxima[0]; i < n-1; i++ {
		if isMax[i] {
			threshold = diff[i] - sensitivity*step
			thresholdIndex = i
		}
		if isMin[i] {
			threshold = 0
		}
		if diff[i+1] < threshold {
			return x[thresholdIndex], true
		}
	}
	return 0, false
}

func normalize(v []float64) []float64 {
	lo, hi := floats.Min(v), floats.Max(v)
	out := make([]float64, len(v))
	if hi == lo {
		return out
	}
	for i, x := range v {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}

// localExtrema returns the indices where cmp holds against both neighbours.
// The edges are compared against themselves, which always passes.
func localExtrema(v []float64, cmp func(a, b float64) bool) []int {
	var idx []int
	for i := range v {
		left, right := v[max(i-1, 0)], v[min(i+1, len(v)-1)]
		if cmp(v[i], left) && cmp(v[i], right) {
			idx = append(idx, i)
		}
	}
	return idx
}
