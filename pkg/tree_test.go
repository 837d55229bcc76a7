package poreflow_test

import (
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
)

func steps(levels ...float64) []float64 {
	var y []float64
	for _, l := range levels {
		for i := 0; i < 50; i++ {
			y = append(y, l)
		}
	}
	return y
}

func TestRegressionTreeFitsSteps(t *testing.T) {
	y := steps(10, 4, 7)
	tree := poreflow.FitRegressionTree(y, 8, 5, 10)

	assert.Len(t, tree.Leaves, 3)
	assert.Equal(t, y, tree.Predict())
	assert.Zero(t, tree.MeanSquaredError(y))
	for i, leaf := range tree.Leaves {
		assert.Equal(t, 50*i, leaf.Start)
		assert.Equal(t, 50*(i+1), leaf.End)
	}
}

func TestRegressionTreeLeafLimit(t *testing.T) {
	y := steps(0, 10, 0, 10)
	tree := poreflow.FitRegressionTree(y, 2, 5, 10)

	assert.Len(t, tree.Leaves, 2)
	assert.Greater(t, tree.MeanSquaredError(y), 0.0)
	assert.Equal(t, 0, tree.Leaves[0].Start)
	assert.Equal(t, len(y), tree.Leaves[1].End)
}

func TestRegressionTreeMinimumLeaf(t *testing.T) {
	y := make([]float64, 30)
	y[0] = 100
	tree := poreflow.FitRegressionTree(y, 10, 5, 10)
	for _, leaf := range tree.Leaves {
		assert.GreaterOrEqual(t, leaf.End-leaf.Start, 5)
	}
}

func TestRegressionTreeEmpty(t *testing.T) {
	tree := poreflow.FitRegressionTree(nil, 4, 1, 2)
	assert.Empty(t, tree.Leaves)
	assert.Empty(t, tree.Predict())
}
