package poreflow_test

import (
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detectorRate = 10000.0

func singleBlockage(std float64) []float64 {
	return trace(newRand(), std,
		segment{n: 5000, level: 100},
		segment{n: 200, level: 70},
		segment{n: 4800, level: 100},
	)
}

func finderSettings() poreflow.FinderSettings {
	s := poreflow.DefaultFinderSettings()
	s.Threshold = 15
	return s
}

func runFinder(t *testing.T, d *poreflow.Detector, channel int, chunk float64) *poreflow.FindTask {
	t.Helper()
	task, err := d.FindEvents(channel, []poreflow.TimeRange{{Start: 0, End: 0}}, chunk, poreflow.NoFilter{})
	require.NoError(t, err)
	for !task.Done() {
		_, err := task.Step()
		require.NoError(t, err)
	}
	return task
}

// At 5 pA of noise a 15 pA threshold is 3 sigma, so isolated noise dips are
// reported too. Only the events touching the blockage are checked.
func TestDetectorFindsSingleBlockage(t *testing.T) {
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{0: singleBlockage(5)})
	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)

	runFinder(t, d, 0, 1.0)

	var overlapping []poreflow.Event
	for _, ev := range d.Events(0) {
		if ev.Start < 5200 && ev.End > 5000 {
			overlapping = append(overlapping, ev)
		}
	}
	require.Len(t, overlapping, 1)
	ev := overlapping[0]
	assert.InDelta(t, 5000, ev.Start, 20)
	assert.InDelta(t, 5200, ev.End, 20)
	assert.InDelta(t, 100, ev.BaselineMean, 1)
	assert.InDelta(t, 5, ev.BaselineStd, 0.5)

	// noise dips sit close together, their padded windows must not overlap
	events := d.Events(0)
	for i := 0; i+1 < len(events); i++ {
		assert.LessOrEqual(t, events[i].End+events[i].PaddingAfter, events[i+1].Start-events[i+1].PaddingBefore, "event %d", i)
	}
}

func TestDetectorEventLayout(t *testing.T) {
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{0: singleBlockage(2)})
	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)

	runFinder(t, d, 0, 1.0)

	events := d.Events(0)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, 0, ev.ID)
	assert.Equal(t, 0, ev.Channel)
	assert.InDelta(t, 5000, ev.Start, 5)
	assert.InDelta(t, 5200, ev.End, 5)
	assert.InDelta(t, 100, ev.BaselineMean, 0.5)
	assert.InDelta(t, 2, ev.BaselineStd, 0.2)
	assert.Equal(t, ev.Duration(), ev.PaddingBefore)
	assert.Equal(t, ev.Duration(), ev.PaddingAfter)
	assert.Equal(t, ev.Start-ev.PaddingBefore, ev.AbsoluteStart())

	state, ok := d.Channel(0)
	require.True(t, ok)
	id, found := state.Lookup(ev.Start)
	assert.True(t, found)
	assert.Equal(t, 0, id)

	assert.Equal(t, "Ch0: Found 1 events\nAccepted 1.0s of data", d.Report(0))
}

// manyBlockages returns 20 deep 1 ms blockages at 100 kHz with irregular gaps.
func manyBlockages() []float64 {
	rng := newRand()
	var segments []segment
	for i := 0; i < 20; i++ {
		segments = append(segments,
			segment{n: 3000 + rng.Intn(2000), level: 100},
			segment{n: 100, level: 40},
		)
	}
	segments = append(segments, segment{n: 3000, level: 100})
	return trace(rng, 2, segments...)
}

func TestDetectorChunkInvariance(t *testing.T) {
	const rate = 100000.0
	chunks := []float64{1.0, 0.1, 0.0437, 0.0213}
	data := manyBlockages()
	channels := map[int][]float64{}
	for i := range chunks {
		channels[i] = data
	}
	source := poreflow.NewMemorySource(rate, channels)
	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)

	for i, chunk := range chunks {
		runFinder(t, d, i, chunk)
	}

	whole := d.Events(0)
	require.Len(t, whole, 20)
	for i, chunk := range chunks {
		state, ok := d.Channel(i)
		require.True(t, ok)
		assert.Zero(t, state.Rejected, "chunk %gs", chunk)

		events := d.Events(i)
		require.Len(t, events, len(whole), "chunk %gs", chunk)
		for j, ev := range events {
			assert.Equal(t, i, ev.Channel)
			// the walk back to the open level stops at a chunk edge
			assert.InDelta(t, whole[j].Start, ev.Start, 25, "chunk %gs event %d", chunk, j)
			assert.InDelta(t, whole[j].End, ev.End, 25, "chunk %gs event %d", chunk, j)
		}
	}
}

func TestDetectorFilters(t *testing.T) {
	// 10 samples = 1000 us, 400 samples = 40000 us at 10 kHz
	data := trace(newRand(), 2,
		segment{n: 2000, level: 100},
		segment{n: 10, level: 60},
		segment{n: 3000, level: 100},
		segment{n: 400, level: 60},
		segment{n: 3000, level: 100},
		segment{n: 100, level: 60},
		segment{n: 1490, level: 100},
	)
	settings := finderSettings()
	settings.MinDuration = 5000
	settings.MaxDuration = 20000
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{3: data})
	d, err := poreflow.NewDetector(source, settings)
	require.NoError(t, err)

	runFinder(t, d, 3, 1.0)

	events := d.Events(3)
	require.Len(t, events, 1)
	assert.LessOrEqual(t, events[0].Start, 8410)
	assert.GreaterOrEqual(t, events[0].Start, 8350)

	state, ok := d.Channel(3)
	require.True(t, ok)
	assert.Equal(t, map[string]int{poreflow.ReasonTooShort: 1, poreflow.ReasonTooLong: 1}, state.Rejections)
	assert.Contains(t, d.Report(3), "Rejected Events:\nToo Long: 1\nToo Short: 1")
}

func TestDetectorRejectsChunkWithoutVoltage(t *testing.T) {
	data := append(trace(newRand(), 2, segment{n: 10000, level: 100}), trace(newRand(), 2, segment{n: 10000, level: 0})...)
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{0: data})
	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	d.SetMetrics(poreflow.NewMetrics(reg))

	runFinder(t, d, 0, 1.0)

	assert.Empty(t, d.Events(0))
	state, ok := d.Channel(0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, state.Accepted, 1e-9)
	assert.InDelta(t, 1.0, state.Rejected, 1e-9)
	assert.Contains(t, d.Report(0), "Rejected 1.0s of data")

	count, err := testutil.GatherAndCount(reg, "poreflow_chunks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDetectorCancel(t *testing.T) {
	data := append(singleBlockage(2), singleBlockage(2)...)
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{0: data})
	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)

	task, err := d.FindEvents(0, nil, 0.5, nil)
	require.NoError(t, err)
	progress, err := task.Step()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, progress, 1e-9)

	task.Cancel()
	assert.True(t, task.Done())
	assert.Nil(t, d.Events(0))
	_, ok := d.Channel(0)
	assert.False(t, ok)
	assert.Equal(t, "Ch0: event finding incomplete", d.Report(0))
}

func TestDetectorInvalidInput(t *testing.T) {
	source := poreflow.NewMemorySource(detectorRate, map[int][]float64{0: singleBlockage(2)})

	_, err := poreflow.NewDetector(source, poreflow.FinderSettings{})
	var settingsErr *poreflow.SettingsError
	require.ErrorAs(t, err, &settingsErr)
	assert.Equal(t, "threshold", settingsErr.Field)

	d, err := poreflow.NewDetector(source, finderSettings())
	require.NoError(t, err)
	_, err = d.FindEvents(7, nil, 1, nil)
	assert.Error(t, err)
	_, err = d.FindEvents(0, nil, 0, nil)
	assert.ErrorAs(t, err, &settingsErr)
}

func TestMergeRanges(t *testing.T) {
	merged := poreflow.MergeRanges([]poreflow.TimeRange{
		{Start: 5, End: 7},
		{Start: -1, End: 2},
		{Start: 1, End: 3},
		{Start: 6, End: 0},
		{Start: 12, End: 15},
	}, 10)

	assert.Equal(t, []poreflow.TimeRange{{Start: 0, End: 3}, {Start: 5, End: 10}}, merged)
}
