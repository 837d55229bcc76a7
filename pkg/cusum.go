package poreflow

import (
	"fmt"
	"math"
)

const (
	// each retry after finding too many levels scales the step by this factor
	cusumStepScaling = 1.5
	cusumMaxRetries  = 4

	cusumMinThreshold = 2.0
	cusumMaxThreshold = 10.0
)

// CusumFitter places sublevel boundaries with a two sided cumulative sum test
// for a mean shift of StepSize pA.
type CusumFitter struct {
	Settings CusumSettings
}

func NewCusumFitter(settings CusumSettings) (*CusumFitter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &CusumFitter{Settings: settings}, nil
}

func (f *CusumFitter) Name() string {
	return "cusum"
}

func (f *CusumFitter) ForceSerialChannelOperations() bool {
	return false
}

func (f *CusumFitter) riseSamples(samplerate float64) int {
	return int(1e-6 * f.Settings.RiseTime * samplerate)
}

// Fit locates the sublevel boundaries of one padded event.
func (f *CusumFitter) Fit(in FitInput) (SublevelDecomposition, error) {
	if len(in.Data) < 3 {
		return SublevelDecomposition{}, reject(ReasonTooFewLevels, "event has %d samples", len(in.Data))
	}
	std, err := in.baselineStd()
	if err != nil {
		return SublevelDecomposition{}, err
	}
	step := f.Settings.StepSize / std
	rise := f.riseSamples(in.Samplerate)

	for attempt := 0; ; attempt++ {
		edges, err := cusumEdges(in.Data, step, std, rise)
		if err != nil {
			return SublevelDecomposition{}, err
		}
		levels := len(edges) - 1
		if f.Settings.MaxSublevels == 0 || levels <= f.Settings.MaxSublevels {
			return NewDecomposition(edges, nil), nil
		}
		if attempt == cusumMaxRetries {
			logInfo(fmt.Sprintf("Too many levels (%d), unable to correct", levels), "cusum")
			return SublevelDecomposition{}, reject(ReasonTooManyLevels, "%d levels after %d attempts, limit %d", levels, attempt+1, f.Settings.MaxSublevels)
		}
		step *= cusumStepScaling
	}
}

// cusumEdges runs one detection pass followed by the removal of steps smaller
// than half the step size. step is in units of std.
func cusumEdges(data []float64, step, std float64, rise int) ([]int, error) {
	length := len(data)
	threshold := cusumThreshold(length, step)
	jump := step * std

	cpos := make([]float64, length)
	cneg := make([]float64, length)
	var gpos, gneg float64
	edges := []int{0}

	anchor := 0
	level, varM, varS := data[0], data[0], 0.0
	for k := 1; k < length; k++ {
		n := float64(k + 1 - anchor)
		oldM := varM
		varM += (data[k] - varM) / n
		varS += (data[k] - oldM) * (data[k] - varM)
		variance := varS / n
		level = (float64(k-anchor)*level + data[k]) / n
		if variance == 0 {
			variance = std * std
		}

		logp := jump / variance * (data[k] - level - jump/2)
		logn := -jump / variance * (data[k] - level + jump/2)
		cpos[k] = cpos[k-1] + logp
		cneg[k] = cneg[k-1] + logn
		gpos = math.Max(gpos+logp, 0)
		gneg = math.Max(gneg+logn, 0)

		if gpos > threshold || gneg > threshold {
			if gpos > threshold {
				if at := anchor + argmin(cpos[anchor:k+1]); at-edges[len(edges)-1] > rise {
					edges = append(edges, at)
				}
			}
			if gneg > threshold {
				if at := anchor + argmin(cneg[anchor:k+1]); at-edges[len(edges)-1] > rise {
					edges = append(edges, at)
				}
			}
			anchor = k
			cpos[k], cneg[k] = 0, 0
			gpos, gneg = 0, 0
			level, varM, varS = data[k], data[k], 0
		}
	}
	edges = append(edges, length)
	if len(edges)-1 < 3 {
		logInfo("Unable to find at least 3 sublevels, event will be rejected", "cusum")
		return nil, reject(ReasonTooFewLevels, "found %d levels", len(edges)-1)
	}

	for merged := true; merged; {
		merged = false
		means := levelMeans(data, edges, rise)
		for i := 0; i+1 < len(means); i++ {
			if math.Abs(means[i+1]-means[i]) < jump/2 {
				edges = append(edges[:i+1], edges[i+2:]...)
				merged = true
				break
			}
		}
	}
	if len(edges)-1 < 3 {
		logInfo("Unable to find at least 3 sublevels after removing small steps, event will be rejected", "cusum")
		return nil, reject(ReasonTooFewLevels, "%d levels left after merging small steps", len(edges)-1)
	}
	return edges, nil
}

// levelMeans averages each level after skipping rise samples, or takes its
// last sample when the level is shorter than that.
func levelMeans(data []float64, edges []int, rise int) []float64 {
	means := make([]float64, len(edges)-1)
	for i := range means {
		if edges[i]+rise < edges[i+1] {
			means[i] = mean(data[edges[i]+rise : edges[i+1]])
		} else {
			means[i] = data[edges[i+1]-1]
		}
	}
	return means
}

// cusumThreshold solves the average run length relation for the decision
// threshold, bounded to [2, 10].
func cusumThreshold(length int, step float64) float64 {
	target := 2 * float64(length)
	delta := step
	mu := -step / 2
	f := func(h float64) float64 {
		a := h/delta + 1.166
		return (math.Exp(-2*mu*a)-1+2*mu*a)/(2*mu*mu) - target
	}

	lo, hi := cusumMinThreshold, cusumMaxThreshold
	if f(lo)*f(hi) < 0 {
		if h, err := solveRoot(f, lo, hi, 1e-12, 200); err == nil {
			return h
		}
		return lo
	}
	return minimizeBounded(func(h float64) float64 {
		v := math.Abs(f(h))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.MaxFloat64
		}
		return v
	}, lo, hi, 1e-9)
}

// Metadata derives the sublevel and event features of a CUSUM fit.
func (f *CusumFitter) Metadata(in FitInput, fit SublevelDecomposition) (EventMetadata, SublevelMetadata, error) {
	std, err := in.baselineStd()
	if err != nil {
		return nil, nil, err
	}
	sub, event, err := DeriveMetadata(fit.Boundaries, nil, in.Data, in.Samplerate, in.BaselineMean, std, MetadataOptions{
		RiseSamples:           f.riseSamples(in.Samplerate),
		CheckBaselineMismatch: true,
	})
	return event, sub, err
}
