package poreflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TimeRange is a [Start, End) window of a channel in seconds. End <= 0 means
// the end of the channel.
type TimeRange struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

type FilterSettings struct {
	Cutoff float64 `json:"cutoff" yaml:"cutoff"` // Hz, 0 disables filtering
	Poles  int     `json:"poles" yaml:"poles"`
}

type FinderSettings struct {
	Threshold     float64 `json:"threshold" yaml:"threshold"`           // pA
	MinDuration   float64 `json:"min_duration" yaml:"min_duration"`     // us
	MaxDuration   float64 `json:"max_duration" yaml:"max_duration"`     // us
	MinSeparation float64 `json:"min_separation" yaml:"min_separation"` // us

	// Restrict baseline estimation to [MinBaseline, MaxBaseline] pA.
	BoundedBaseline bool    `json:"bounded_baseline" yaml:"bounded_baseline"`
	MinBaseline     float64 `json:"min_baseline" yaml:"min_baseline"`
	MaxBaseline     float64 `json:"max_baseline" yaml:"max_baseline"`

	PaddingTime   float64 `json:"padding_time" yaml:"padding_time"`     // us, lower bound of the padding target
	PaddingShrink float64 `json:"padding_shrink" yaml:"padding_shrink"` // share of a contended gap given to padding
}

func DefaultFinderSettings() FinderSettings {
	return FinderSettings{
		Threshold:     2000,
		MinDuration:   0,
		MaxDuration:   1e6,
		MinSeparation: 0,
		PaddingTime:   100,
		PaddingShrink: 0.75,
	}
}

func (s FinderSettings) Validate() error {
	if s.Threshold <= 0 {
		return &SettingsError{Field: "threshold", Reason: "must be positive"}
	}
	if s.MinDuration < 0 || s.MaxDuration < 0 || s.MinSeparation < 0 {
		return &SettingsError{Field: "min_duration/max_duration/min_separation", Reason: "must not be negative"}
	}
	if s.MaxDuration < s.MinDuration {
		return &SettingsError{Field: "max_duration", Reason: "must not be below min_duration"}
	}
	if s.BoundedBaseline && s.MinBaseline >= s.MaxBaseline {
		return &SettingsError{Field: "min_baseline", Reason: "must be below max_baseline"}
	}
	if s.PaddingShrink <= 0 || s.PaddingShrink > 1 {
		return &SettingsError{Field: "padding_shrink", Reason: "must be in (0, 1]"}
	}
	if s.PaddingTime < 0 {
		return &SettingsError{Field: "padding_time", Reason: "must not be negative"}
	}
	return nil
}

type CusumSettings struct {
	StepSize     float64 `json:"step_size" yaml:"step_size"` // pA
	RiseTime     float64 `json:"rise_time" yaml:"rise_time"` // us
	MaxSublevels int     `json:"max_sublevels" yaml:"max_sublevels"`

	IntraeventThreshold  float64 `json:"intraevent_threshold" yaml:"intraevent_threshold"`   // pA
	IntraeventHysteresis float64 `json:"intraevent_hysteresis" yaml:"intraevent_hysteresis"` // pA
}

func (s CusumSettings) Validate() error {
	if s.StepSize <= 0 {
		return &SettingsError{Field: "step_size", Reason: "must be positive"}
	}
	if s.RiseTime < 0 {
		return &SettingsError{Field: "rise_time", Reason: "must not be negative"}
	}
	if s.MaxSublevels < 0 {
		return &SettingsError{Field: "max_sublevels", Reason: "must not be negative"}
	}
	if s.IntraeventHysteresis < 0 || s.IntraeventHysteresis > s.IntraeventThreshold {
		return &SettingsError{Field: "intraevent_hysteresis", Reason: "must be between 0 and intraevent_threshold"}
	}
	return nil
}

type RefinerSettings struct {
	SmallestSignificantSublevel    float64 `json:"smallest_significant_sublevel" yaml:"smallest_significant_sublevel"` // pA
	TimeScaling                    float64 `json:"time_scaling" yaml:"time_scaling"`
	ExceptionalSublevelSensitivity float64 `json:"exceptional_sublevel_sensitivity" yaml:"exceptional_sublevel_sensitivity"`

	ParityTolerance    float64 `json:"parity_tolerance" yaml:"parity_tolerance"`
	MinBoostPoints     int     `json:"min_boost_points" yaml:"min_boost_points"`
	PeakBaseDifference float64 `json:"peak_base_difference" yaml:"peak_base_difference"`
	SlopeHeightFactor  float64 `json:"slope_height_factor" yaml:"slope_height_factor"`
	BaselineBand       float64 `json:"baseline_band" yaml:"baseline_band"`

	KneeSensitivity float64 `json:"knee_sensitivity" yaml:"knee_sensitivity"`
	LeafSearchStart int     `json:"leaf_search_start" yaml:"leaf_search_start"`
	LeafSearchEnd   int     `json:"leaf_search_end" yaml:"leaf_search_end"`
	LeafScaling     float64 `json:"leaf_scaling" yaml:"leaf_scaling"`
}

func DefaultRefinerSettings() RefinerSettings {
	return RefinerSettings{
		SmallestSignificantSublevel:    600,
		TimeScaling:                    1.1,
		ExceptionalSublevelSensitivity: 0.3,
		ParityTolerance:                0.5,
		MinBoostPoints:                 5,
		PeakBaseDifference:             0.01,
		SlopeHeightFactor:              1.5,
		BaselineBand:                   1.5,
		KneeSensitivity:                2,
		LeafSearchStart:                3,
		LeafSearchEnd:                  20,
		LeafScaling:                    1.1,
	}
}

func (s RefinerSettings) Validate() error {
	if s.SmallestSignificantSublevel == 0 {
		return &SettingsError{Field: "smallest_significant_sublevel", Reason: "must not be zero"}
	}
	if s.TimeScaling <= 0 {
		return &SettingsError{Field: "time_scaling", Reason: "must be positive"}
	}
	if s.ExceptionalSublevelSensitivity < 0 {
		return &SettingsError{Field: "exceptional_sublevel_sensitivity", Reason: "must not be negative"}
	}
	if s.LeafSearchStart < 2 || s.LeafSearchEnd <= s.LeafSearchStart+1 {
		return &SettingsError{Field: "leaf_search_start/leaf_search_end", Reason: fmt.Sprintf("need 2 <= start < end-1, got %d and %d", s.LeafSearchStart, s.LeafSearchEnd)}
	}
	if s.BaselineBand <= 0 {
		return &SettingsError{Field: "baseline_band", Reason: "must be positive"}
	}
	return nil
}

type Configuration struct {
	Verbosity        int         `json:"verbosity" yaml:"verbosity"`
	FileIn           string      `json:"file_in" yaml:"file_in"`
	FileOut          string      `json:"file_out" yaml:"file_out"`
	Channels         []int       `json:"channels" yaml:"channels"`
	Ranges           []TimeRange `json:"ranges" yaml:"ranges"`
	ChunkLength      float64     `json:"chunk_length" yaml:"chunk_length"` // s
	NumWorkers       int         `json:"num_workers" yaml:"num_workers"`
	CompressionLevel int         `json:"compression_level" yaml:"compression_level"`

	Filter  FilterSettings  `json:"filter" yaml:"filter"`
	Finder  FinderSettings  `json:"finder" yaml:"finder"`
	Fitter  string          `json:"fitter" yaml:"fitter"`
	Cusum   CusumSettings   `json:"cusum" yaml:"cusum"`
	Refiner RefinerSettings `json:"refiner" yaml:"refiner"`

	DBDriver     string  `json:"db_driver" yaml:"db_driver"`
	DBPath       string  `json:"db_path" yaml:"db_path"`
	Host         string  `json:"host" yaml:"host"`
	User         string  `json:"user" yaml:"user"`
	Passwd       string  `json:"pass" yaml:"pass"`
	DBName       string  `json:"dbname" yaml:"dbname"`
	Experiment   string  `json:"experiment" yaml:"experiment"`
	Voltage      float64 `json:"voltage" yaml:"voltage"`
	Thickness    float64 `json:"thickness" yaml:"thickness"`
	Conductivity float64 `json:"conductivity" yaml:"conductivity"`

	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Ranges:           []TimeRange{{Start: 0, End: 0}},
		ChunkLength:      1.0,
		NumWorkers:       1,
		CompressionLevel: 4,
		Filter:           FilterSettings{Cutoff: 0, Poles: 8},
		Finder:           DefaultFinderSettings(),
		Fitter:           "cusum",
		Cusum:            CusumSettings{StepSize: 1000, RiseTime: 0, MaxSublevels: 0},
		Refiner:          DefaultRefinerSettings(),
		DBDriver:         "sqlite3",
	}
}

var configuration = DefaultConfiguration()

func GetConfiguration() Configuration {
	return configuration
}

func SetConfiguration(config Configuration) {
	configuration = config
}

// LoadConfiguration reads a json or yaml (by extension) file over the
// defaults.
func LoadConfiguration(filename string) (Configuration, error) {
	config := DefaultConfiguration()

	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("error parsing %s: %w", filename, err)
	}
	return config, nil
}

// NewFilter builds the configured low-pass filter. A zero cutoff disables
// filtering.
func (c Configuration) NewFilter(samplerate float64) (DataFilter, error) {
	if c.Filter.Cutoff == 0 {
		return NoFilter{}, nil
	}
	return NewBesselFilter(c.Filter.Poles, c.Filter.Cutoff, samplerate)
}

func (c Configuration) ExperimentInfo() Experiment {
	return Experiment{
		Name:         c.Experiment,
		Voltage:      c.Voltage,
		Thickness:    c.Thickness,
		Conductivity: c.Conductivity,
	}
}

func PrintConfiguration(config Configuration, logger Logger) {
	logger.Info(fmt.Sprintf("File in: %s", config.FileIn), "config")
	logger.Info(fmt.Sprintf("File out: %s", config.FileOut), "config")
	logger.Info(fmt.Sprintf("Channels: %v", config.Channels), "config")
	logger.Info(fmt.Sprintf("Ranges: %v", config.Ranges), "config")
	logger.Info(fmt.Sprintf("Chunk length: %g s", config.ChunkLength), "config")
	logger.Info(fmt.Sprintf("Number of workers: %d", config.NumWorkers), "config")
	logger.Info(fmt.Sprintf("Compression level: %d", config.CompressionLevel), "config")
	logger.Info(fmt.Sprintf("Filter: %+v", config.Filter), "config")
	logger.Info(fmt.Sprintf("Finder: %+v", config.Finder), "config")
	logger.Info(fmt.Sprintf("Fitter: %s", config.Fitter), "config")
	logger.Info(fmt.Sprintf("CUSUM: %+v", config.Cusum), "config")
	logger.Info(fmt.Sprintf("Refiner: %+v", config.Refiner), "config")
	logger.Info(fmt.Sprintf("DB driver: %s", config.DBDriver), "config")
	logger.Info(fmt.Sprintf("DB path: %s", config.DBPath), "config")
	logger.Info(fmt.Sprintf("Host: %s", config.Host), "config")
	logger.Info(fmt.Sprintf("DB name: %s", config.DBName), "config")
	logger.Info(fmt.Sprintf("Experiment: %s", config.Experiment), "config")
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
	logger.Info(fmt.Sprintf("Metrics address: %s", config.MetricsAddr), "config")
}
