package poreflow_test

import (
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
)

func TestFindKnee(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	y := []float64{100, 50, 20, 10, 8, 7, 6.5, 6.2, 6.1, 6}

	for _, s := range []float64{1, 2} {
		knee, ok := poreflow.FindKnee(x, y, s)
		assert.True(t, ok)
		assert.Equal(t, 3.0, knee)
	}
}

func TestFindKneeShortInput(t *testing.T) {
	_, ok := poreflow.FindKnee([]float64{1, 2}, []float64{2, 1}, 1)
	assert.False(t, ok)
	_, ok = poreflow.FindKnee([]float64{1, 2, 3}, []float64{2, 1}, 1)
	assert.False(t, ok)
}
