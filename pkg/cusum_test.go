package poreflow_test

import (
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeLevelEvent(low float64) poreflow.FitInput {
	return poreflow.FitInput{
		Data: trace(newRand(), 1,
			segment{n: 100, level: 100},
			segment{n: 50, level: low},
			segment{n: 100, level: 100},
		),
		Samplerate:    1e6,
		PaddingBefore: 100,
		PaddingAfter:  100,
		BaselineMean:  100,
		BaselineStd:   1,
	}
}

func TestCusumFindsThreeLevels(t *testing.T) {
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	in := threeLevelEvent(80)

	fit, err := fitter.Fit(in)
	require.NoError(t, err)
	require.Equal(t, 3, fit.NumLevels())
	require.NoError(t, fit.Validate(len(in.Data)))
	assert.Equal(t, 0, fit.Boundaries[0])
	assert.InDelta(t, 100, fit.Boundaries[1], 2)
	assert.InDelta(t, 150, fit.Boundaries[2], 2)
	assert.Equal(t, 250, fit.Boundaries[3])

	event, sub, err := fitter.Metadata(in, fit)
	require.NoError(t, err)
	assert.InDelta(t, 20, event["max_blockage"], 1)
	assert.InDelta(t, 50, event["duration"], 2)
	assert.InDelta(t, 100, event["baseline_current"], 0.5)
	total := 0.0
	for _, d := range sub["sublevel_duration"] {
		total += d
	}
	assert.InDelta(t, 250, total, 1e-9)
}

func TestCusumMeasuresBaselineOnPadding(t *testing.T) {
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	in := threeLevelEvent(80)
	in.BaselineStd = 0

	fit, err := fitter.Fit(in)
	require.NoError(t, err)
	assert.Equal(t, 3, fit.NumLevels())

	in.PaddingBefore, in.PaddingAfter = 0, 0
	_, err = fitter.Fit(in)
	assert.ErrorIs(t, err, poreflow.ErrMissingBaseline)
}

func TestCusumTooManyLevels(t *testing.T) {
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10, MaxSublevels: 2})
	require.NoError(t, err)

	_, err = fitter.Fit(threeLevelEvent(-100))
	require.Error(t, err)
	assert.Equal(t, poreflow.ReasonTooManyLevels, poreflow.RejectReason(err))
}

func TestCusumTooFewLevels(t *testing.T) {
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	in := threeLevelEvent(100)

	_, err = fitter.Fit(in)
	var rejectErr *poreflow.RejectError
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, poreflow.ReasonTooFewLevels, rejectErr.Reason)
}

func TestCusumBaselineMismatch(t *testing.T) {
	fitter, err := poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 10})
	require.NoError(t, err)
	in := threeLevelEvent(80)
	for i := 150; i < len(in.Data); i++ {
		in.Data[i] -= 5
	}

	fit, err := fitter.Fit(in)
	require.NoError(t, err)
	_, _, err = fitter.Metadata(in, fit)
	assert.Equal(t, poreflow.ReasonBaselineMismatch, poreflow.RejectReason(err))
}

func TestIntraCusumCountsCrossings(t *testing.T) {
	fitter, err := poreflow.NewIntraCusumFitter(poreflow.CusumSettings{
		StepSize:             10,
		IntraeventThreshold:  10,
		IntraeventHysteresis: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "intracusum", fitter.Name())
	in := threeLevelEvent(80)

	fit, err := fitter.Fit(in)
	require.NoError(t, err)
	event, _, err := fitter.Metadata(in, fit)
	require.NoError(t, err)
	assert.Equal(t, 2.0, event["threshold_crossings"])
}

func TestCusumSettingsValidate(t *testing.T) {
	_, err := poreflow.NewCusumFitter(poreflow.CusumSettings{})
	assert.Error(t, err)
	_, err = poreflow.NewCusumFitter(poreflow.CusumSettings{StepSize: 1, IntraeventThreshold: 1, IntraeventHysteresis: 2})
	assert.Error(t, err)
}
