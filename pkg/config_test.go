package poreflow_test

import (
	"os"
	"path/filepath"
	"testing"

	poreflow "github.com/next-exp/poreflow_go/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigurationJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"file_in": "raw.h5",
		"channels": [1, 2],
		"finder": {"threshold": 12.5, "padding_shrink": 0.5},
		"cusum": {"step_size": 8}
	}`)
	config, err := poreflow.LoadConfiguration(path)
	require.NoError(t, err)

	assert.Equal(t, "raw.h5", config.FileIn)
	assert.Equal(t, []int{1, 2}, config.Channels)
	assert.Equal(t, 12.5, config.Finder.Threshold)
	assert.Equal(t, 0.5, config.Finder.PaddingShrink)
	assert.Equal(t, 8.0, config.Cusum.StepSize)
	// untouched fields keep their defaults
	assert.Equal(t, 100.0, config.Finder.PaddingTime)
	assert.Equal(t, 1.0, config.ChunkLength)
	assert.Equal(t, "cusum", config.Fitter)
	assert.Equal(t, poreflow.DefaultRefinerSettings(), config.Refiner)
}

func TestLoadConfigurationYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
fitter: nanotrees
db_driver: mysql
ranges:
  - start: 1
    end: 2.5
refiner:
  smallest_significant_sublevel: 300
filter:
  cutoff: 10000
  poles: 4
`)
	config, err := poreflow.LoadConfiguration(path)
	require.NoError(t, err)

	assert.Equal(t, "nanotrees", config.Fitter)
	assert.Equal(t, "mysql", config.DBDriver)
	assert.Equal(t, []poreflow.TimeRange{{Start: 1, End: 2.5}}, config.Ranges)
	assert.Equal(t, 300.0, config.Refiner.SmallestSignificantSublevel)
	assert.Equal(t, 1.1, config.Refiner.TimeScaling)

	filter, err := config.NewFilter(1e6)
	require.NoError(t, err)
	bessel, ok := filter.(*poreflow.BesselFilter)
	require.True(t, ok)
	assert.Equal(t, 4, bessel.Order)
}

func TestLoadConfigurationErrors(t *testing.T) {
	_, err := poreflow.LoadConfiguration(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = poreflow.LoadConfiguration(writeFile(t, "broken.json", `{"verbosity": "loud"}`))
	assert.Error(t, err)
}

func TestDefaultFilterIsDisabled(t *testing.T) {
	filter, err := poreflow.DefaultConfiguration().NewFilter(1e6)
	require.NoError(t, err)
	assert.Equal(t, poreflow.NoFilter{}, filter)
}

func TestDefaultConfigurationIsValid(t *testing.T) {
	config := poreflow.DefaultConfiguration()
	assert.NoError(t, config.Finder.Validate())
	assert.NoError(t, config.Cusum.Validate())
	assert.NoError(t, config.Refiner.Validate())

	for _, name := range []string{"cusum", "intracusum", "nanotrees"} {
		_, err := poreflow.NewFitter(name, config)
		assert.NoError(t, err, name)
	}
}
