package poreflow

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var errNoBracket = errors.New("root is not bracketed")

func mean(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	return stat.Mean(data, nil)
}

// popStd is the population standard deviation (ddof = 0).
func popStd(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	_, variance := stat.PopMeanVariance(data, nil)
	return math.Sqrt(variance)
}

func median(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}

// quantile returns the observation closest to the p quantile.
func quantile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

func maxAbsDeviation(data []float64, from float64) float64 {
	dev := 0.0
	for _, v := range data {
		dev = math.Max(dev, math.Abs(v-from))
	}
	return dev
}

func argmin(data []float64) int {
	return floats.MinIdx(data)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func intsToFloats(in []int) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// solveRoot finds a zero of f in [a, b] with Brent's method. f(a) and f(b)
// must have opposite signs.
func solveRoot(f func(float64) float64, a, b, tol float64, maxIter int) (float64, error) {
	fa, fb := f(a), f(b)
	if fa == 0 {
		return a, nil
	}
	if fb == 0 {
		return b, nil
	}
	if fa*fb > 0 {
		return 0, errNoBracket
	}
	if math.Abs(fa) < math.Abs(fb) {
		a, b = b, a
		fa, fb = fb, fa
	}
	c, fc := a, fa
	d := b - a
	bisected := true
	for i := 0; i < maxIter; i++ {
		if fb == 0 || math.Abs(b-a) < tol {
			return b, nil
		}
		var s float64
		if fa != fc && fb != fc {
			// inverse quadratic interpolation
			s = a*fb*fc/((fa-fb)*(fa-fc)) + b*fa*fc/((fb-fa)*(fb-fc)) + c*fa*fb/((fc-fa)*(fc-fb))
		} else {
			s = b - fb*(b-a)/(fb-fa)
		}
		lo, hi := (3*a+b)/4, b
		if lo > hi {
			lo, hi = hi, lo
		}
		if s < lo || s > hi ||
			(bisected && math.Abs(s-b) >= math.Abs(b-c)/2) ||
			(!bisected && math.Abs(s-b) >= math.Abs(c-d)/2) ||
			(bisected && math.Abs(b-c) < tol) ||
			(!bisected && math.Abs(c-d) < tol) {
			s = (a + b) / 2
			bisected = true
		} else {
			bisected = false
		}
		fs := f(s)
		d, c, fc = c, b, fb
		if fa*fs < 0 {
			b, fb = s, fs
		} else {
			a, fa = s, fs
		}
		if math.Abs(fa) < math.Abs(fb) {
			a, b = b, a
			fa, fb = fb, fa
		}
	}
	return b, nil
}

// minimizeBounded runs a golden section search for the minimum of f on [a, b].
// Ties move the bracket towards a.
func minimizeBounded(f func(float64) float64, a, b, tol float64) float64 {
	invPhi := (math.Sqrt(5) - 1) / 2
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)
	for math.Abs(b-a) > tol {
		if fc <= fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}
