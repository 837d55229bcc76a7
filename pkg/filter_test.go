package poreflow_test

import (
	"math"
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBesselFilterKeepsConstant(t *testing.T) {
	filter, err := poreflow.NewBesselFilter(8, 1e3, 1e5)
	require.NoError(t, err)
	data := make([]float64, 1000)
	for i := range data {
		data[i] = 50
	}
	out := filter.Apply(data)
	require.Len(t, out, len(data))
	for _, v := range out {
		assert.InDelta(t, 50, v, 1e-9)
	}
}

func TestBesselFilterPassband(t *testing.T) {
	filter, err := poreflow.NewBesselFilter(4, 1e3, 1e5)
	require.NoError(t, err)
	data := make([]float64, 100000)
	for i := range data {
		data[i] = math.Sin(2 * math.Pi * 10 * float64(i) / 1e5)
	}
	out := filter.Apply(data)
	// zero phase: the slow sine comes out in place
	for i := 5000; i < 95000; i += 997 {
		assert.InDelta(t, data[i], out[i], 0.01)
	}
}

func TestBesselFilterReducesNoise(t *testing.T) {
	filter, err := poreflow.NewBesselFilter(8, 1e3, 1e5)
	require.NoError(t, err)
	data := trace(newRand(), 1, segment{n: 20000, level: 0})
	out := filter.Apply(data)

	var sq float64
	for _, v := range out[1000:19000] {
		sq += v * v
	}
	assert.Less(t, math.Sqrt(sq/18000), 0.5)
}

func TestBesselFilterSettings(t *testing.T) {
	_, err := poreflow.NewBesselFilter(3, 1e3, 1e5)
	var settingsErr *poreflow.SettingsError
	assert.ErrorAs(t, err, &settingsErr)

	_, err = poreflow.NewBesselFilter(12, 1e3, 1e5)
	assert.Error(t, err)

	_, err = poreflow.NewBesselFilter(4, 6e4, 1e5)
	assert.ErrorAs(t, err, &settingsErr)

	filter, err := poreflow.NewBesselFilter(4, 1e3, 1e5)
	require.NoError(t, err)
	assert.Nil(t, filter.Apply(nil))
}
