package poreflow

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Gaussian holds the parameters of a fitted normal peak.
type Gaussian struct {
	Amplitude float64
	Mean      float64
	Std       float64
}

// EstimateBaseline finds the open-pore level of a block of rectified current
// from the dominant peak of its histogram.
func EstimateBaseline(data []float64) (Gaussian, error) {
	if len(data) == 0 {
		return Gaussian{}, reject(ReasonBadBaseline, "no data")
	}
	return estimateInWindow(data, floats.Min(data), floats.Max(data), false)
}

// EstimateBoundedBaseline only considers samples strictly inside (min, max)
// and rejects a fit whose mean falls outside the window.
func EstimateBoundedBaseline(data []float64, min, max float64) (Gaussian, error) {
	if min >= max {
		return Gaussian{}, &SettingsError{Field: "min_baseline", Reason: "must be below max_baseline"}
	}
	g, err := estimateInWindow(data, min, max, true)
	if err != nil {
		return g, err
	}
	if g.Mean < min || g.Mean > max {
		return g, reject(ReasonBadBaseline, "baseline out of bounds: %.3g not in [%.3g, %.3g]", g.Mean, min, max)
	}
	return g, nil
}

func estimateInWindow(data []float64, bottom, top float64, mask bool) (Gaussian, error) {
	if mask {
		data = insideOpen(data, bottom, top)
	}
	hist, centers, err := histogram(data, bottom, top)
	if err != nil {
		return Gaussian{}, err
	}

	// bracket the core of the peak at a fifth of its height and rebin
	maxIndex := floats.MaxIdx(hist)
	lo, hi := walkToFraction(hist, maxIndex, hist[maxIndex]/5)
	if lo >= 0 {
		bottom = centers[lo]
	}
	if hi < len(hist) {
		top = centers[hi]
	}
	data = insideOpen(data, bottom, top)
	hist, centers, err = histogram(data, bottom, top)
	if err != nil {
		return Gaussian{}, err
	}

	maxIndex = floats.MaxIdx(hist)
	lo, hi = walkToFraction(hist, maxIndex, 0.6*hist[maxIndex])
	lo, hi = max(lo, 0), min(hi, len(hist)-1)
	stdIndex := hi
	if maxIndex-lo < hi-maxIndex {
		stdIndex = lo
	}
	// a peak on the edge bin has no width on that side
	if stdIndex == maxIndex {
		stdIndex = lo + hi - maxIndex
	}
	return FitGaussian(hist, centers, centers[maxIndex], math.Abs(centers[stdIndex]-centers[maxIndex]))
}

func insideOpen(data []float64, bottom, top float64) []float64 {
	kept := make([]float64, 0, len(data))
	for _, v := range data {
		if v > bottom && v < top {
			kept = append(kept, v)
		}
	}
	return kept
}

// histogram bins data over [bottom, top] with width 2*range*n^(-1/3) and
// returns the counts with the bin centers.
func histogram(data []float64, bottom, top float64) ([]float64, []float64, error) {
	if len(data) == 0 {
		return nil, nil, reject(ReasonBadBaseline, "no data found in range")
	}
	span := top - bottom
	if !(span > 0) {
		return nil, nil, reject(ReasonBadBaseline, "data range is empty")
	}
	width := 2 * span / math.Cbrt(float64(len(data)))
	bins := int(span / width)
	if bins < 3 {
		return nil, nil, reject(ReasonBadBaseline, "too few samples to histogram (%d)", len(data))
	}
	width = span / float64(bins)
	hist := make([]float64, bins)
	for _, v := range data {
		if v < bottom || v > top {
			continue
		}
		i := int((v - bottom) / width)
		if i == bins {
			i--
		}
		hist[i]++
	}
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = bottom + (float64(i)+0.5)*width
	}
	return hist, centers, nil
}

// walkToFraction walks out from the peak in both directions and returns the
// first bins at or below level. A side that never drops to level returns -1
// or len(hist), leaving the caller to fall back to the histogram edge.
func walkToFraction(hist []float64, peak int, level float64) (int, int) {
	lo, hi := -1, len(hist)
	for i := peak; i >= 0; i-- {
		if hist[i] <= level {
			lo = i
			break
		}
	}
	for i := peak; i < len(hist); i++ {
		if hist[i] <= level {
			hi = i
			break
		}
	}
	return lo, hi
}

// FitGaussian fits a Gaussian to a histogram through the weighted least
// squares solution of log(y) = a*x^2 + b*x + c in coordinates scaled by the
// initial guess.
func FitGaussian(hist, centers []float64, meanGuess, stdGuess float64) (Gaussian, error) {
	if !(stdGuess > 0) {
		return Gaussian{}, reject(ReasonBadBaseline, "invalid standard deviation guess %g", stdGuess)
	}
	amp := floats.Max(hist)
	if !(amp > 0) {
		return Gaussian{}, reject(ReasonBadBaseline, "empty histogram")
	}

	var s0, s1, s2, s3, s4, lny, xlny, x2lny float64
	for i, count := range hist {
		y := count / amp
		x := (centers[i] - meanGuess) / stdGuess
		s0 += y
		s1 += x * y
		s2 += x * x * y
		s3 += x * x * x * y
		s4 += x * x * x * x * y
		if y > 0 {
			l := math.Log(y) * y
			lny += l
			xlny += x * l
			x2lny += x * x * l
		}
	}

	normal := mat.NewDense(3, 3, []float64{
		s4, s3, s2,
		s3, s2, s1,
		s2, s1, s0,
	})
	rhs := mat.NewVecDense(3, []float64{x2lny, xlny, lny})
	var p mat.VecDense
	if err := p.SolveVec(normal, rhs); err != nil {
		return Gaussian{}, reject(ReasonBadBaseline, "degenerate gaussian fit: %v", err)
	}
	a, b, c := p.AtVec(0), p.AtVec(1), p.AtVec(2)
	if !(a < 0) {
		return Gaussian{}, reject(ReasonBadBaseline, "unable to estimate standard deviation")
	}
	std := math.Sqrt(-1 / (2 * a))
	mean := std * std * b
	amplitude := math.Exp(c+mean*mean/(2*std*std)) * amp

	return Gaussian{
		Amplitude: amplitude,
		Mean:      mean*stdGuess + meanGuess,
		Std:       math.Abs(std * stdGuess),
	}, nil
}
