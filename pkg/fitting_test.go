package poreflow_test

import (
	"context"
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	channel            int
	event              poreflow.EventMetadata
	sublevels          poreflow.SublevelMetadata
	filtered, raw, fit []float64
}

type recordingSink struct {
	events []recordedEvent
}

func (s *recordingSink) WriteEvent(channel int, event poreflow.EventMetadata, sublevels poreflow.SublevelMetadata, filtered, raw, fit []float64) error {
	s.events = append(s.events, recordedEvent{channel, event, sublevels, filtered, raw, fit})
	return nil
}

// twoEventSource runs the detector over a channel with two 20 pA blockages
// and serves the events it found.
func twoEventSource(t *testing.T) *poreflow.MemoryEventSource {
	t.Helper()
	data := trace(newRand(), 1,
		segment{n: 5000, level: 100},
		segment{n: 300, level: 80},
		segment{n: 6700, level: 100},
		segment{n: 300, level: 80},
		segment{n: 7700, level: 100},
	)
	source := poreflow.NewMemorySource(1e6, map[int][]float64{1: data})
	settings := poreflow.DefaultFinderSettings()
	settings.Threshold = 10
	d, err := poreflow.NewDetector(source, settings)
	require.NoError(t, err)
	task, err := d.FindEvents(1, nil, 0.02, nil)
	require.NoError(t, err)
	require.NoError(t, poreflow.Run(context.Background(), task, nil))
	require.Len(t, d.Events(1), 2)
	return poreflow.NewMemoryEventSource(source, poreflow.EventsFromDetector(d))
}

func TestFitEvents(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)

	task, err := poreflow.FitEvents(source, fitter, 1, nil, nil)
	require.NoError(t, err)
	var progress []float64
	require.NoError(t, poreflow.Run(context.Background(), task, func(p float64) { progress = append(progress, p) }))
	assert.Equal(t, []float64{0.5, 1}, progress)

	results, err := task.Results()
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, 3, r.Fit.NumLevels())
		assert.Equal(t, float64(i), r.EventMetadata["event_id"])
		assert.Equal(t, 1.0, r.EventMetadata["channel_id"])
		assert.Equal(t, 3.0, r.EventMetadata["num_sublevels"])
		assert.InDelta(t, float64(r.Event.AbsoluteStart())/1e6, r.EventMetadata["start_time"], 1e-12)
		assert.Equal(t, []float64{0, 1, 2}, r.SublevelMetadata["level_id"])
		assert.Equal(t, []float64{2, 1, 0}, r.SublevelMetadata["levels_left"])
		assert.InDelta(t, 20, r.EventMetadata["max_blockage"], 1)
		assert.Len(t, r.Fit.FitTrace(), r.Event.Length())
	}
	assert.Equal(t, "Ch1: 2/2 good fits", task.Report())

	sink := &recordingSink{}
	require.NoError(t, task.Commit(sink))
	require.Len(t, sink.events, 2)
	for _, e := range sink.events {
		assert.Equal(t, 1, e.channel)
		assert.Len(t, e.raw, len(e.fit))
		assert.Equal(t, e.raw, e.filtered)
	}
}

func TestFitEventsCountsRejections(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 100})
	require.NoError(t, err)

	task, err := poreflow.FitEvents(source, fitter, 1, nil, []int{1})
	require.NoError(t, err)
	require.NoError(t, poreflow.Run(context.Background(), task, nil))

	results, err := task.Results()
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, map[string]int{poreflow.ReasonTooFewLevels: 1}, task.Rejections())
	assert.Equal(t, "Ch1: 0/1 good fits\nRejected Events:\nToo Few Levels: 1", task.Report())
}

func TestFitEventsCancel(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	task, err := poreflow.FitEvents(source, fitter, 1, nil, nil)
	require.NoError(t, err)

	_, err = task.Step()
	require.NoError(t, err)
	task.Cancel()

	assert.True(t, task.Done())
	_, err = task.Results()
	assert.Error(t, err)
	assert.Equal(t, "Ch1: fitting incomplete", task.Report())
}

func TestRunStopsOnContext(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	task, err := poreflow.FitEvents(source, fitter, 1, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, poreflow.Run(ctx, task, nil), context.Canceled)
	assert.True(t, task.Done())
	_, err = task.Results()
	assert.Error(t, err)
}

func TestFitEventsPropagatesMissingBaseline(t *testing.T) {
	data := trace(newRand(), 1, segment{n: 1000, level: 100})
	source := poreflow.NewMemoryEventSource(
		poreflow.NewMemorySource(1e6, map[int][]float64{0: data}),
		map[int][]poreflow.Event{0: {{Start: 100, End: 200}}},
	)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	task, err := poreflow.FitEvents(source, fitter, 0, nil, nil)
	require.NoError(t, err)

	_, err = task.Step()
	assert.ErrorIs(t, err, poreflow.ErrMissingBaseline)
	assert.True(t, task.Done())
}

func TestFitEventsInvalidInput(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)

	_, err = poreflow.FitEvents(source, fitter, 5, nil, nil)
	assert.Error(t, err)
	_, err = poreflow.FitEvents(source, fitter, 1, nil, []int{2})
	assert.Error(t, err)
}

func TestNewFitter(t *testing.T) {
	config := poreflow.DefaultConfiguration()

	for _, name := range []string{"cusum", "intracusum", "nanotrees"} {
		fitter, err := poreflow.NewFitter(name, config)
		require.NoError(t, err)
		assert.Equal(t, name, fitter.Name())
		assert.False(t, fitter.ForceSerialChannelOperations())
	}
	_, err := poreflow.NewFitter("hmm", config)
	assert.Error(t, err)
}
