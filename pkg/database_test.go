package poreflow_test

import (
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryDB(t *testing.T, experiment poreflow.Experiment) *poreflow.MetadataDB {
	t.Helper()
	config := poreflow.DefaultConfiguration()
	config.DBPath = ":memory:"
	conn, err := poreflow.ConnectToDatabase(config)
	require.NoError(t, err)
	db, err := poreflow.NewMetadataDB(conn, experiment)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fittedEvent(id int) (poreflow.EventMetadata, poreflow.SublevelMetadata) {
	event := poreflow.EventMetadata{
		"event_id":      float64(id),
		"channel_id":    2,
		"start_time":    0.5,
		"num_sublevels": 3,
		"max_blockage":  20.5,
	}
	sublevels := poreflow.SublevelMetadata{
		"event_id":         {float64(id), float64(id), float64(id)},
		"channel_id":       {2, 2, 2},
		"level_id":         {0, 1, 2},
		"levels_left":      {2, 1, 0},
		"sublevel_current": {100, 79.5, 100},
	}
	return event, sublevels
}

func TestMetadataDBRoundTrip(t *testing.T) {
	db := memoryDB(t, poreflow.Experiment{Name: "run", Voltage: 200, Thickness: 10, Conductivity: 11})
	require.NoError(t, db.AddChannel(2, 1e6))

	filtered := []float64{100, 80.25, 100}
	raw := []float64{101, 79, 99.5}
	fit := []float64{100, 79.5, 100}
	for id := 0; id < 2; id++ {
		event, sublevels := fittedEvent(id)
		require.NoError(t, db.WriteEvent(2, event, sublevels, filtered, raw, fit))
	}

	events, err := db.EventMetadata(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for id, event := range events {
		assert.Equal(t, float64(id), event["event_id"])
		assert.Equal(t, 2.0, event["channel_id"])
		assert.Equal(t, 3.0, event["num_sublevels"])
		assert.Equal(t, 20.5, event["max_blockage"])
		assert.Equal(t, 0.5, event["start_time"])
	}

	gotFiltered, gotRaw, gotFit, err := db.EventData(2, 1)
	require.NoError(t, err)
	assert.Equal(t, filtered, gotFiltered)
	assert.Equal(t, raw, gotRaw)
	assert.Equal(t, fit, gotFit)

	require.NoError(t, db.ResetChannel(2))
	events, err = db.EventMetadata(2)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMetadataDBColumnUnits(t *testing.T) {
	db := memoryDB(t, poreflow.Experiment{Name: "run"})
	require.NoError(t, db.AddChannel(2, 1e6))
	event, sublevels := fittedEvent(0)
	event["threshold_crossings"] = 4
	event["custom_score"] = 0.25
	require.NoError(t, db.WriteEvent(2, event, sublevels, nil, nil, nil))

	units, err := db.ColumnUnits("events")
	require.NoError(t, err)
	assert.Equal(t, "s", units["start_time"])
	assert.Equal(t, "pA", units["max_blockage"])
	assert.Equal(t, "", units["num_sublevels"])
	assert.Equal(t, "", units["threshold_crossings"])
	assert.Contains(t, units, "custom_score")
	assert.Equal(t, "", units["custom_score"])

	units, err = db.ColumnUnits("sublevels")
	require.NoError(t, err)
	assert.Equal(t, "pA", units["sublevel_current"])
	assert.Equal(t, "", units["levels_left"])

	units, err = db.ColumnUnits("experiments")
	require.NoError(t, err)
	assert.Equal(t, "mV", units["voltage"])

	events, err := db.EventMetadata(2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 4.0, events[0]["threshold_crossings"])
}

func TestMetadataDBRejectsUnknownChannel(t *testing.T) {
	db := memoryDB(t, poreflow.Experiment{})
	event, sublevels := fittedEvent(0)
	assert.Error(t, db.WriteEvent(7, event, sublevels, nil, nil, nil))
}

func TestMetadataDBRejectsBadColumn(t *testing.T) {
	db := memoryDB(t, poreflow.Experiment{Name: "run"})
	require.NoError(t, db.AddChannel(2, 1e6))
	event, sublevels := fittedEvent(0)
	event["max blockage; DROP TABLE events"] = 1
	assert.Error(t, db.WriteEvent(2, event, sublevels, nil, nil, nil))

	events, err := db.EventMetadata(2)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMetadataDBDuplicateEventRollsBack(t *testing.T) {
	db := memoryDB(t, poreflow.Experiment{Name: "run"})
	require.NoError(t, db.AddChannel(2, 1e6))
	event, sublevels := fittedEvent(0)
	require.NoError(t, db.WriteEvent(2, event, sublevels, []float64{1}, []float64{1}, []float64{1}))
	assert.Error(t, db.WriteEvent(2, event, sublevels, []float64{2}, []float64{2}, []float64{2}))

	filtered, _, _, err := db.EventData(2, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, filtered)
}

func TestFitTaskCommitsToDatabase(t *testing.T) {
	source := twoEventSource(t)
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	task, err := poreflow.FitEvents(source, fitter, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, poreflow.Run(t.Context(), task, nil))

	db := memoryDB(t, poreflow.Experiment{Name: "run"})
	require.NoError(t, db.AddChannel(1, source.Samplerate()))
	require.NoError(t, task.Commit(db))

	events, err := db.EventMetadata(1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	results, err := task.Results()
	require.NoError(t, err)
	for i, event := range events {
		assert.InDelta(t, results[i].EventMetadata["max_blockage"], event["max_blockage"], 1e-12)
		_, raw, fit, err := db.EventData(1, i)
		require.NoError(t, err)
		assert.Len(t, fit, len(raw))
	}
}
