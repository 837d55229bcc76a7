package poreflow

import (
	"fmt"
	"math"
)

type levelType int

const (
	levelNegative levelType = -1
	levelBaseline levelType = 0
	levelPositive levelType = 1
)

// RefinerFitter smooths a normalized event with a regression tree whose size
// is picked at the knee of its error curve, then refines the tree's steps
// through a fixed sequence of merge, split and edge passes.
type RefinerFitter struct {
	Settings RefinerSettings
}

func NewRefinerFitter(settings RefinerSettings) (*RefinerFitter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &RefinerFitter{Settings: settings}, nil
}

func (f *RefinerFitter) Name() string {
	return "nanotrees"
}

func (f *RefinerFitter) ForceSerialChannelOperations() bool {
	return false
}

// refinerParams are the pass thresholds derived for one event, in units of
// the baseline standard deviation.
type refinerParams struct {
	significant   float64
	minWidth      int
	exceptional   int
	shortLevel    int
	slopeMinDelta float64
}

// refinerBaseline measures the open pore level on the padding before the
// event, falling back to the baseline stored with the event.
func refinerBaseline(in FitInput) (float64, float64, error) {
	if in.PaddingBefore > 1 && in.PaddingBefore <= len(in.Data) {
		head := in.Data[:in.PaddingBefore]
		if std := popStd(head); std > 0 {
			return mean(head), std, nil
		}
	}
	if in.BaselineStd > 0 {
		return in.BaselineMean, in.BaselineStd, nil
	}
	return 0, 0, ErrMissingBaseline
}

func (f *RefinerFitter) params(data []float64, std float64) refinerParams {
	significant := math.Abs(f.Settings.SmallestSignificantSublevel) / std
	rise := int(median(intsToFloats(continuousRegions(data))))
	minWidth := int(math.Abs(float64(rise) * 6 * f.Settings.TimeScaling))
	return refinerParams{
		significant:   significant,
		minWidth:      minWidth,
		exceptional:   int(math.Abs(float64(minWidth) * f.Settings.ExceptionalSublevelSensitivity)),
		shortLevel:    minWidth / 2,
		slopeMinDelta: significant * f.Settings.SlopeHeightFactor,
	}
}

func (f *RefinerFitter) Fit(in FitInput) (SublevelDecomposition, error) {
	if len(in.Data) < 2 {
		return SublevelDecomposition{}, reject(ReasonTooFewLevels, "event has %d samples", len(in.Data))
	}
	baseMean, baseStd, err := refinerBaseline(in)
	if err != nil {
		return SublevelDecomposition{}, err
	}
	norm := make([]float64, len(in.Data))
	for i, x := range in.Data {
		norm[i] = (x - baseMean) / baseStd
	}
	p := f.params(norm, baseStd)
	r := refinement{settings: f.Settings, params: p}

	smooth := f.smooth(norm)
	levels := r.mergeSimilar(smooth)
	levels = r.clearShort(levels, smooth)
	levels = r.remerge(levels, smooth)
	levels = r.clearBaselineNoise(levels, len(smooth))
	levels = r.backtrackEdges(levels, norm)
	levels = r.adjustSlopes(levels, smooth)

	for i := range levels {
		if math.IsNaN(levels[i].Height) {
			return SublevelDecomposition{}, reject(ReasonEmptySublevel, "level %d [%d, %d) has no height", i, levels[i].Start, levels[i].End)
		}
		levels[i].Height = levels[i].Height*baseStd + baseMean
	}
	if len(levels) < 3 {
		logInfo(fmt.Sprintf("Refinement left %d levels, event will be rejected", len(levels)), "refiner")
		return SublevelDecomposition{}, reject(ReasonTooFewLevels, "%d levels after refinement", len(levels))
	}
	return decompositionFromLevels(levels), nil
}

// smooth fits the final regression tree, with a leaf count taken from the
// knee of the training error over a range of smaller trees.
func (f *RefinerFitter) smooth(y []float64) []float64 {
	s := f.Settings
	var leaves, scores []float64
	for n := s.LeafSearchStart; n < s.LeafSearchEnd; n++ {
		leaves = append(leaves, float64(n))
		scores = append(scores, FitRegressionTree(y, n, 4, 9).MeanSquaredError(y))
	}
	knee, ok := FindKnee(leaves, scores, s.KneeSensitivity)
	if !ok {
		knee = float64(s.LeafSearchEnd)
	}
	maxLeaves := max(4, int(math.Round(knee*s.LeafScaling)))
	return FitRegressionTree(y, maxLeaves, 5, 10).Predict()
}

func (f *RefinerFitter) Metadata(in FitInput, fit SublevelDecomposition) (EventMetadata, SublevelMetadata, error) {
	baseMean, baseStd, err := refinerBaseline(in)
	if err != nil {
		return nil, nil, err
	}
	rise := int(quantile(intsToFloats(continuousRegions(in.Data)), 0.95))
	sub, event, err := DeriveMetadata(fit.Boundaries, fit.Heights(), in.Data, in.Samplerate, baseMean, baseStd, MetadataOptions{
		RiseSamples: rise,
		UseHeights:  true,
	})
	return event, sub, err
}

// continuousRegions splits data into runs of constant slope direction and
// returns their widths, which sum to len(data).
func continuousRegions(data []float64) []int {
	if len(data) <= 2 {
		return []int{len(data)}
	}
	var widths []int
	start := 0
	rising := data[1] > data[0]
	for i := 1; i < len(data); i++ {
		up := data[i] > data[i-1]
		if up != rising {
			widths = append(widths, i-start)
			start = i
		}
		rising = up
	}
	return append(widths, len(data)-start)
}

type refinement struct {
	settings RefinerSettings
	params   refinerParams
}

// height estimates a level from its samples. Short levels following a known
// level take the extreme in the direction they move away from it; everything
// else averages its back half.
func (r refinement) height(segment []float64, previous *float64) float64 {
	if len(segment) == 0 {
		return math.NaN()
	}
	if len(segment) < r.params.shortLevel && previous != nil {
		direction := 0.0
		for _, x := range segment {
			direction += x - *previous
		}
		lo, hi := segment[0], segment[0]
		for _, x := range segment {
			lo, hi = math.Min(lo, x), math.Max(hi, x)
		}
		if direction < 0 {
			return lo
		}
		return hi
	}
	return mean(segment[len(segment)/2:])
}

func refreshHeights(r refinement, levels []Sublevel, data []float64) []Sublevel {
	var previous *float64
	for i := range levels {
		levels[i].Height = r.height(data[levels[i].Start:levels[i].End], previous)
		previous = &levels[i].Height
	}
	return levels
}

func mergeLevels(levels []Sublevel, i int, height float64) []Sublevel {
	levels[i].End = levels[i+1].End
	levels[i].Height = height
	return append(levels[:i+1], levels[i+2:]...)
}

func dropEmpty(levels []Sublevel) []Sublevel {
	out := levels[:0]
	for _, l := range levels {
		if l.Width() > 0 {
			out = append(out, l)
		}
	}
	return out
}

// mergeSimilar groups consecutive samples that stay within one significant
// step of the group's first value, recenters lopsided groups, and merges
// neighbours closer than a significant step.
func (r refinement) mergeSimilar(data []float64) []Sublevel {
	tolerance := math.Min(1, r.params.significant)
	var levels []Sublevel
	current := Sublevel{Start: 0, Height: data[0]}
	for x, y := range data {
		if math.Abs(y-current.Height) > tolerance {
			current.End = x
			current.Height = data[x-1]
			levels = append(levels, current)
			current = Sublevel{Start: x, Height: y}
		}
	}
	current.End = len(data)
	levels = append(levels, current)

	if r.settings.ParityTolerance > 0 {
		levels = r.boostConfidence(levels, data)
	}

	for merged := true; merged; {
		merged = false
		for i := 0; i+1 < len(levels); i++ {
			if math.Abs(levels[i+1].Height-levels[i].Height) < r.params.significant {
				levels = mergeLevels(levels, i, r.height(data[levels[i].Start:levels[i+1].End], nil))
				merged = true
				break
			}
		}
	}

	for i := 0; i+1 < len(levels); i++ {
		var previous *float64
		if i > 0 {
			previous = &levels[i-1].Height
		}
		levels[i].Height = r.height(data[levels[i].Start:levels[i].End], previous)
	}
	return levels
}

// balanced reports whether the samples of a level split evenly enough around
// the given height.
func (r refinement) balanced(segment []float64, height float64) bool {
	above := 0
	for _, x := range segment {
		if x > height {
			above++
		}
	}
	n := float64(len(segment))
	return math.Abs(float64(above)/n-float64(len(segment)-above)/n) <= r.settings.ParityTolerance
}

func (r refinement) boostConfidence(levels []Sublevel, data []float64) []Sublevel {
	for i, l := range levels {
		if l.Width() < r.settings.MinBoostPoints {
			continue
		}
		segment := data[l.Start:l.End]
		if r.balanced(segment, l.Height) {
			continue
		}
		if m := mean(segment); r.balanced(segment, m) {
			levels[i].Height = m
			continue
		}
		levels[i].Height = mean(segment[len(segment)/2:])
	}
	return levels
}

// exceptional reports whether a short level is a genuine narrow peak or a
// step on a ramp, judged against the nearest wide levels around it.
func (r refinement) exceptional(levels []Sublevel, i int) bool {
	p := r.params
	if p.exceptional <= 0 {
		return false
	}
	previous, next := 0.0, 0.0
	for j := i - 1; j >= 0; j-- {
		if levels[j].Width() > p.minWidth {
			previous = levels[j].Height
			break
		}
	}
	for j := i + 1; j < len(levels); j++ {
		if levels[j].Width() > p.minWidth {
			next = levels[j].Height
			break
		}
	}
	h := levels[i].Height
	width := levels[i].Width()
	d1, d2 := h-previous, h-next

	peak := math.Abs(d1) > p.significant && math.Abs(d2) > p.significant && d1*d2 > 0 &&
		width > p.exceptional && math.Abs(next-previous) > r.settings.PeakBaseDifference
	if peak {
		return true
	}
	return math.Min(math.Abs(d1), math.Abs(d2)) > p.slopeMinDelta && width > p.exceptional && d1*d2 < 0
}

// clearShort removes levels narrower than the minimum width unless they are
// exceptional. Interior levels hand their samples to both neighbours, split at
// the first sample leaving the level's own noise band.
func (r refinement) clearShort(levels []Sublevel, data []float64) []Sublevel {
	segment := func(l Sublevel) []float64 { return data[l.Start:l.End] }
	for changed := true; changed && len(levels) > 1; {
		changed = false
		for i, l := range levels {
			if l.Width() >= r.params.minWidth || r.exceptional(levels, i) {
				continue
			}
			last := len(levels) - 1
			switch i {
			case 0:
				levels[1].Start = 0
				levels[1].Height = r.height(segment(levels[1]), nil)
				levels = levels[1:]
			case last:
				levels[last-1].End = l.End
				levels[last-1].Height = r.height(segment(levels[last-1]), nil)
				levels = levels[:last]
			default:
				band := r.params.significant * popStd(segment(l))
				j := l.Start
				for ; j < l.End-1; j++ {
					if data[j] > l.Height+band || data[j] < l.Height-band {
						break
					}
				}
				var before *float64
				if i >= 2 {
					before = &levels[i-2].Height
				}
				levels[i-1].End = j
				levels[i-1].Height = r.height(segment(levels[i-1]), before)
				levels[i+1].Start = j
				levels[i+1].Height = r.height(segment(levels[i+1]), &levels[i-1].Height)
				levels = append(levels[:i], levels[i+1:]...)
			}
			changed = true
			break
		}
	}
	return levels
}

// remerge merges neighbours closer than a significant step using their
// width-weighted mean, then recomputes every height.
func (r refinement) remerge(levels []Sublevel, data []float64) []Sublevel {
	for merged := true; merged && len(levels) >= 3; {
		merged = false
		for i := 0; i+1 < len(levels); i++ {
			a, b := levels[i], levels[i+1]
			if math.Abs(a.Height-b.Height) < r.params.significant {
				height := (a.Height*float64(a.Width()) + b.Height*float64(b.Width())) / float64(a.Width()+b.Width())
				levels = mergeLevels(levels, i, height)
				merged = true
				break
			}
		}
	}
	return refreshHeights(r, levels, data)
}

// clearBaselineNoise keeps the widest run of same-signed levels outside the
// baseline band and replaces everything around it with flat baseline.
func (r refinement) clearBaselineNoise(levels []Sublevel, length int) []Sublevel {
	band := math.Abs(r.settings.BaselineBand)
	types := make([]levelType, len(levels))
	var regionStart, regionSize []int
	previous := levelBaseline
	for i := range levels {
		switch {
		case math.Abs(levels[i].Height) <= band:
			levels[i].Height = 0
			types[i] = levelBaseline
		case levels[i].Height > 0:
			types[i] = levelPositive
		default:
			types[i] = levelNegative
		}
		switch {
		case types[i] == levelBaseline:
		case types[i] == previous:
			regionSize[len(regionSize)-1] += levels[i].Width()
		default:
			regionStart = append(regionStart, i)
			regionSize = append(regionSize, levels[i].Width())
		}
		previous = types[i]
	}
	if len(regionSize) == 0 {
		return []Sublevel{{Start: 0, End: length}}
	}
	widest := 0
	for k, size := range regionSize {
		if size > regionSize[widest] {
			widest = k
		}
	}
	first := regionStart[widest]
	out := []Sublevel{{Start: 0, End: levels[first].Start}}
	for i := first; i < len(levels) && types[i] == types[first]; i++ {
		out = append(out, levels[i])
	}
	out = append(out, Sublevel{Start: out[len(out)-1].End, End: length})
	return dropEmpty(out)
}

// backtrackEdges moves each level end back to where the slope leading into it
// last changed direction.
func (r refinement) backtrackEdges(levels []Sublevel, data []float64) []Sublevel {
	for x := 0; x+1 < len(levels); x++ {
		l := &levels[x]
		if l.End < 2 {
			continue
		}
		rising := data[l.End-1] > data[l.End-2]
		i := l.End - 1
		for ; i > l.Start; i-- {
			if (data[i] > data[i-1]) != rising {
				break
			}
		}
		l.End = i
		levels[x+1].Start = i
	}
	return refreshHeights(r, dropEmpty(levels), data)
}

// adjustSlopes re-measures interior levels lying between their neighbours'
// heights from their back half only.
func (r refinement) adjustSlopes(levels []Sublevel, data []float64) []Sublevel {
	for i := 1; i+1 < len(levels); i++ {
		prev, cur, next := levels[i-1].Height, levels[i].Height, levels[i+1].Height
		if (prev <= cur && cur <= next) || (prev >= cur && cur >= next) {
			levels[i].Height = r.height(data[levels[i].Start:levels[i].End], nil)
		}
	}
	return levels
}
