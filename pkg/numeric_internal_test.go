package poreflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolveRoot(t *testing.T) {
	root, err := solveRoot(func(x float64) float64 { return x*x - 2 }, 0, 2, 1e-12, 100)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2, root, 1e-9)

	_, err = solveRoot(func(x float64) float64 { return x*x + 1 }, -1, 1, 1e-12, 100)
	assert.ErrorIs(t, err, errNoBracket)
}

func TestMinimizeBounded(t *testing.T) {
	assert.InDelta(t, 3, minimizeBounded(func(x float64) float64 { return (x - 3) * (x - 3) }, 0, 10, 1e-9), 1e-6)
	// monotonic functions end at the bound holding the minimum
	assert.InDelta(t, 2, minimizeBounded(func(x float64) float64 { return x }, 2, 10, 1e-9), 1e-6)
}

func TestCusumThreshold(t *testing.T) {
	assert.InDelta(t, cusumMinThreshold, cusumThreshold(250, 10), 1e-6)
	h := cusumThreshold(1000, 1)
	assert.GreaterOrEqual(t, h, cusumMinThreshold)
	assert.LessOrEqual(t, h, cusumMaxThreshold)
}

func TestStatistics(t *testing.T) {
	data := []float64{4, 1, 3, 2}
	assert.Equal(t, 2.5, median(data))
	assert.Equal(t, []float64{4, 1, 3, 2}, data)
	assert.Equal(t, 3.0, median([]float64{5, 3, 1}))
	assert.Equal(t, 2.5, mean(data))
	assert.InDelta(t, math.Sqrt(1.25), popStd(data), 1e-12)
	assert.Equal(t, 3.0, maxAbsDeviation(data, 1))
	assert.Equal(t, 1, argmin(data))
	assert.True(t, math.IsNaN(median(nil)))
	assert.Equal(t, -1.0, sign(-0.1))
	assert.Equal(t, 0.0, sign(0))
}

func TestContinuousRegions(t *testing.T) {
	assert.Equal(t, []int{3, 2, 1}, continuousRegions([]float64{1, 2, 3, 2, 1, 2}))
	assert.Equal(t, []int{2}, continuousRegions([]float64{1, 2}))
}

func TestCountCrossings(t *testing.T) {
	data := []float64{100, 100, 85, 85, 93, 89, 100}
	// below 90 at 85, back above 92 at 93, below again at 89, up at 100
	assert.Equal(t, 4, countCrossings(data, 1, 100, 10, 2))
	assert.Equal(t, 0, countCrossings(data, 1, 100, 20, 2))
}
