package poreflow

import (
	"fmt"
	"sort"
)

// Event is one blockage found in a channel. Start and End are absolute sample
// indices; the padded window is [Start-PaddingBefore, End+PaddingAfter). Padded
// windows of neighbouring events in a channel never overlap.
type Event struct {
	ID            int
	Channel       int
	Start         int
	End           int
	PaddingBefore int
	PaddingAfter  int
	BaselineMean  float64
	BaselineStd   float64
}

func (e Event) Duration() int {
	return e.End - e.Start
}

// AbsoluteStart is the first sample of the padded window.
func (e Event) AbsoluteStart() int {
	return e.Start - e.PaddingBefore
}

// Length is the number of samples in the padded window.
func (e Event) Length() int {
	return e.End + e.PaddingAfter - e.AbsoluteStart()
}

type Sublevel struct {
	Start  int
	End    int
	Height float64
}

func (s Sublevel) Width() int {
	return s.End - s.Start
}

// SublevelDecomposition carries the boundary list of a fitted event together
// with the levels it defines. Boundaries has one more entry than Levels.
type SublevelDecomposition struct {
	Boundaries []int
	Levels     []Sublevel
}

// NewDecomposition builds the levels from a boundary list. heights may be nil,
// in which case every level has height zero until metadata fills it in.
func NewDecomposition(boundaries []int, heights []float64) SublevelDecomposition {
	d := SublevelDecomposition{Boundaries: append([]int(nil), boundaries...)}
	for i := 0; i+1 < len(boundaries); i++ {
		level := Sublevel{Start: boundaries[i], End: boundaries[i+1]}
		if i < len(heights) {
			level.Height = heights[i]
		}
		d.Levels = append(d.Levels, level)
	}
	return d
}

func decompositionFromLevels(levels []Sublevel) SublevelDecomposition {
	d := SublevelDecomposition{Levels: append([]Sublevel(nil), levels...)}
	if len(levels) == 0 {
		return d
	}
	d.Boundaries = make([]int, 0, len(levels)+1)
	d.Boundaries = append(d.Boundaries, levels[0].Start)
	for _, l := range levels {
		d.Boundaries = append(d.Boundaries, l.End)
	}
	return d
}

func (d SublevelDecomposition) NumLevels() int {
	return len(d.Levels)
}

func (d SublevelDecomposition) Heights() []float64 {
	heights := make([]float64, len(d.Levels))
	for i, l := range d.Levels {
		heights[i] = l.Height
	}
	return heights
}

// Validate checks that the boundaries partition [0, length).
func (d SublevelDecomposition) Validate(length int) error {
	if len(d.Boundaries) < 2 {
		return fmt.Errorf("decomposition has %d boundaries", len(d.Boundaries))
	}
	if len(d.Boundaries) != len(d.Levels)+1 {
		return fmt.Errorf("decomposition has %d boundaries for %d levels", len(d.Boundaries), len(d.Levels))
	}
	if d.Boundaries[0] != 0 || d.Boundaries[len(d.Boundaries)-1] != length {
		return fmt.Errorf("boundaries span [%d, %d), want [0, %d)", d.Boundaries[0], d.Boundaries[len(d.Boundaries)-1], length)
	}
	if !sort.IntsAreSorted(d.Boundaries) {
		return fmt.Errorf("boundaries are not increasing: %v", d.Boundaries)
	}
	for i := 1; i < len(d.Boundaries); i++ {
		if d.Boundaries[i] == d.Boundaries[i-1] {
			return fmt.Errorf("empty sublevel at boundary %d", d.Boundaries[i])
		}
	}
	return nil
}

// FitTrace expands the levels into one value per sample.
func (d SublevelDecomposition) FitTrace() []float64 {
	if len(d.Boundaries) == 0 {
		return nil
	}
	trace := make([]float64, d.Boundaries[len(d.Boundaries)-1])
	for _, l := range d.Levels {
		for i := l.Start; i < l.End; i++ {
			trace[i] = l.Height
		}
	}
	return trace
}

// EventMetadata holds one value per named field for a single event.
type EventMetadata map[string]float64

// SublevelMetadata holds one array per named field, one entry per sublevel.
type SublevelMetadata map[string][]float64

// Units of the metadata produced by DeriveMetadata and the fit task. Fields
// without a unit are counts or identifiers.
var (
	EventMetadataUnits = map[string]string{
		"start_time":             "s",
		"duration":               "us",
		"fitted_ecd":             "pC",
		"raw_ecd":                "pC",
		"max_blockage":           "pA",
		"min_blockage":           "pA",
		"max_deviation":          "pA",
		"max_blockage_duration":  "us",
		"min_blockage_duration":  "us",
		"max_deviation_duration": "us",
		"baseline_current":       "pA",
		"baseline_stdev":         "pA",
		"event_id":               "",
		"channel_id":             "",
		"num_sublevels":          "",
		"threshold_crossings":    "",
	}
	SublevelMetadataUnits = map[string]string{
		"sublevel_current":       "pA",
		"sublevel_stdev":         "pA",
		"sublevel_blockage":      "pA",
		"sublevel_duration":      "us",
		"sublevel_start_times":   "us",
		"sublevel_end_times":     "us",
		"sublevel_max_deviation": "pA",
		"sublevel_raw_ecd":       "pC",
		"sublevel_fitted_ecd":    "pC",
		"event_id":               "",
		"channel_id":             "",
		"level_id":               "",
		"levels_left":            "",
	}
	// stored as integers by the metadata database
	integerFields = map[string]bool{
		"event_id":            true,
		"channel_id":          true,
		"num_sublevels":       true,
		"threshold_crossings": true,
		"level_id":            true,
		"levels_left":         true,
	}
)
