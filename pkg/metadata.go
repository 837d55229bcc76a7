package poreflow

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MetadataOptions selects how DeriveMetadata measures each sublevel.
type MetadataOptions struct {
	// samples skipped at the start of every level before measuring it
	RiseSamples int
	// take the level currents from the fitted heights instead of the data
	UseHeights bool
	// reject events whose first and last levels differ by more than two
	// baseline standard deviations
	CheckBaselineMismatch bool
}

// DeriveMetadata measures every sublevel of a fitted event and aggregates the
// interior levels into event metadata. The first and last levels are the
// padding baseline. Currents are in pA, times in us and charges in pC.
func DeriveMetadata(boundaries []int, heights []float64, data []float64, samplerate, baselineMean, baselineStd float64, opts MetadataOptions) (SublevelMetadata, EventMetadata, error) {
	fit := NewDecomposition(boundaries, heights)
	if err := fit.Validate(len(data)); err != nil {
		return nil, nil, reject(ReasonEmptySublevel, "%v", err)
	}
	n := fit.NumLevels()
	if opts.UseHeights && len(heights) != n {
		return nil, nil, reject(ReasonLevelCountMismatch, "%d heights for %d levels", len(heights), n)
	}
	if n < 3 {
		return nil, nil, reject(ReasonTooFewLevels, "%d levels", n)
	}
	rise := max(opts.RiseSamples, 0)
	dt := 1e6 / samplerate

	current := make([]float64, n)
	stdev := make([]float64, n)
	bodies := make([][]float64, n)
	for i, level := range fit.Levels {
		if level.Start+rise < level.End {
			bodies[i] = data[level.Start+rise : level.End]
		}
		switch {
		case opts.UseHeights:
			current[i] = heights[i]
		case len(bodies[i]) > 0:
			current[i] = median(bodies[i])
		default:
			current[i] = data[level.End-1]
		}
		if len(bodies[i]) > 0 {
			stdev[i] = popStd(bodies[i])
		} else {
			stdev[i] = baselineStd
		}
	}

	first, last := current[0], current[n-1]
	if opts.CheckBaselineMismatch && math.Abs(first-last) > 2*baselineStd {
		logInfo("Baseline before and after the event do not match, event will be rejected", "metadata")
		return nil, nil, reject(ReasonBaselineMismatch, "baselines %.3f and %.3f pA differ by more than 2 std (%.3f pA)", first, last, baselineStd)
	}
	eventBaseline := 0.5 * (first + last)
	polarity := sign(eventBaseline)
	if polarity == 0 {
		polarity = sign(baselineMean)
	}

	blockage := make([]float64, n)
	duration := make([]float64, n)
	starts := make([]float64, n)
	ends := make([]float64, n)
	deviation := make([]float64, n)
	rawECD := make([]float64, n)
	fittedECD := make([]float64, n)
	for i, level := range fit.Levels {
		segment := data[level.Start:level.End]
		switch {
		case opts.UseHeights:
			blockage[i] = (eventBaseline - heights[i]) * polarity
		case len(bodies[i]) > 0:
			blockage[i] = (eventBaseline - current[i]) * polarity
		default:
			blockage[i] = maxAbsDeviation(segment, eventBaseline)
		}
		duration[i] = float64(level.Width()) * dt
		starts[i] = float64(level.Start) * dt
		ends[i] = float64(level.End) * dt
		deviation[i] = maxAbsDeviation(segment, eventBaseline)
		for _, x := range segment {
			rawECD[i] += polarity * dt * 1e-6 * (eventBaseline - x)
		}
		fittedECD[i] = blockage[i] * duration[i] * 1e-6
	}

	sub := SublevelMetadata{
		"sublevel_current":       current,
		"sublevel_stdev":         stdev,
		"sublevel_blockage":      blockage,
		"sublevel_duration":      duration,
		"sublevel_start_times":   starts,
		"sublevel_end_times":     ends,
		"sublevel_max_deviation": deviation,
		"sublevel_raw_ecd":       rawECD,
		"sublevel_fitted_ecd":    fittedECD,
	}

	inner := func(v []float64) []float64 { return v[1 : n-1] }
	padding := duration[0] + duration[n-1]
	event := EventMetadata{
		"duration":               floats.Sum(inner(duration)),
		"fitted_ecd":             floats.Sum(inner(fittedECD)),
		"raw_ecd":                floats.Sum(inner(rawECD)),
		"max_blockage":           floats.Max(inner(blockage)),
		"min_blockage":           floats.Min(inner(blockage)),
		"max_deviation":          floats.Max(inner(deviation)),
		"max_blockage_duration":  duration[floats.MaxIdx(inner(blockage))+1],
		"min_blockage_duration":  duration[floats.MinIdx(inner(blockage))+1],
		"max_deviation_duration": duration[floats.MaxIdx(inner(deviation))+1],
		"baseline_current":       (first*duration[0] + last*duration[n-1]) / padding,
		"baseline_stdev":         (stdev[0]*duration[0] + stdev[n-1]*duration[n-1]) / padding,
	}
	return sub, event, nil
}
