package poreflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinishRangeInconsistency(t *testing.T) {
	source := NewMemorySource(1000, map[int][]float64{2: make([]float64, 1000)})
	settings := DefaultFinderSettings()
	settings.Threshold = 10
	d, err := NewDetector(source, settings)
	require.NoError(t, err)
	task, err := d.FindEvents(2, nil, 1, nil)
	require.NoError(t, err)

	task.starts = []int{10, 50}
	task.ends = []int{20}
	task.before = []int{5, 5}
	task.means = []float64{1, 1}
	task.stds = []float64{1, 1}

	err = task.finishRange(1000)
	var inconsistency *InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	assert.Equal(t, 2, inconsistency.Starts)
	assert.Equal(t, 1, inconsistency.Ends)
	assert.True(t, task.Done())
	assert.Zero(t, task.result.Len())
	assert.Nil(t, d.Events(2))
}

func TestFindInChunk(t *testing.T) {
	d := []float64{0, 0.5, -4, -5, -4, 0.5, 2, 0, -6, -6}

	starts, ends, entry := findInChunk(d, -3, 100, false, false)
	assert.Equal(t, []int{100, 106}, starts)
	assert.Equal(t, []int{106}, ends)
	assert.True(t, entry)

	// an event running at the start of a range is skipped
	starts, ends, entry = findInChunk([]float64{-5, -5, 2, 0, -4, 3}, -3, 0, false, true)
	assert.Equal(t, []int{2}, starts)
	assert.Equal(t, []int{2, 5}, ends)
	assert.False(t, entry)
}

func TestPaddingShrinksToGap(t *testing.T) {
	source := NewMemorySource(1e6, map[int][]float64{0: make([]float64, 10)})
	settings := DefaultFinderSettings()
	settings.Threshold = 10
	settings.PaddingTime = 0
	d, err := NewDetector(source, settings)
	require.NoError(t, err)
	task := &FindTask{detector: d, samplerate: 1e6, result: newChannelEvents(0, 1e6)}

	// first events of the channel, 20 samples apart
	before, after, lastEnd, afterPrevious := task.paddingLengths([]int{100, 140}, []int{120, 200}, 0)
	assert.Equal(t, []int{20, 7}, before)
	assert.Equal(t, []int{7}, after)
	assert.Equal(t, 200, lastEnd)
	assert.Equal(t, 0, afterPrevious)
	assert.LessOrEqual(t, 120+after[0], 140-before[1])

	// an event of the previous chunk ending 10 samples before
	task.starts, task.ends, task.lastEnd = []int{60}, []int{90}, 90
	before, after, _, afterPrevious = task.paddingLengths([]int{100}, []int{120}, 30)
	assert.Equal(t, []int{3}, before)
	assert.Empty(t, after)
	assert.Equal(t, 3, afterPrevious)

	// room for both targets
	task.lastEnd = 40
	before, _, _, afterPrevious = task.paddingLengths([]int{100}, []int{120}, 30)
	assert.Equal(t, []int{20}, before)
	assert.Equal(t, 30, afterPrevious)
}

func TestSeparateWindows(t *testing.T) {
	settings := DefaultFinderSettings()
	events := []Event{
		{Start: 100, End: 120, PaddingBefore: 20, PaddingAfter: 30},
		{Start: 140, End: 200, PaddingBefore: 15, PaddingAfter: 60},
		{Start: 400, End: 420, PaddingBefore: 20, PaddingAfter: 20},
	}
	settings.separateWindows(events)

	assert.Equal(t, 20, events[0].PaddingBefore)
	assert.Equal(t, 7, events[0].PaddingAfter)
	assert.Equal(t, 7, events[1].PaddingBefore)
	assert.Equal(t, 60, events[1].PaddingAfter)
	assert.Equal(t, 20, events[2].PaddingBefore)
	for i := 0; i+1 < len(events); i++ {
		assert.LessOrEqual(t, events[i].End+events[i].PaddingAfter, events[i+1].Start-events[i+1].PaddingBefore)
	}
}
