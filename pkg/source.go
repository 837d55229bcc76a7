package poreflow

import (
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DataSource serves raw current samples in pA.
type DataSource interface {
	Samplerate() float64
	Channels() []int
	ChannelLength(channel int) (int, error)
	LoadData(start, length float64, channel int) ([]float64, error)
}

// DataFilter preprocesses a block of samples. Apply must not modify its input.
type DataFilter interface {
	Apply(data []float64) []float64
}

type NoFilter struct{}

func (NoFilter) Apply(data []float64) []float64 {
	return data
}

func applyFilter(filter DataFilter, data []float64) []float64 {
	if filter == nil {
		return data
	}
	return filter.Apply(data)
}

// MemorySource keeps whole channels in memory.
type MemorySource struct {
	samplerate float64
	channels   map[int][]float64
}

func NewMemorySource(samplerate float64, channels map[int][]float64) *MemorySource {
	return &MemorySource{samplerate: samplerate, channels: channels}
}

func (m *MemorySource) Samplerate() float64 {
	return m.samplerate
}

func (m *MemorySource) Channels() []int {
	ids := maps.Keys(m.channels)
	slices.Sort(ids)
	return ids
}

func (m *MemorySource) ChannelLength(channel int) (int, error) {
	data, ok := m.channels[channel]
	if !ok {
		return 0, fmt.Errorf("invalid channel: %d", channel)
	}
	return len(data), nil
}

func (m *MemorySource) LoadData(start, length float64, channel int) ([]float64, error) {
	data, ok := m.channels[channel]
	if !ok {
		return nil, fmt.Errorf("invalid channel: %d", channel)
	}
	first, count := sampleWindow(start, length, m.samplerate)
	return cutWindow(data, first, count, channel)
}

// sampleWindow converts a window in seconds to sample indices.
func sampleWindow(start, length, samplerate float64) (int, int) {
	return int(math.Round(start * samplerate)), int(math.Round(length * samplerate))
}

func cutWindow(data []float64, first, count, channel int) ([]float64, error) {
	if first < 0 || count < 0 || first+count > len(data) {
		return nil, fmt.Errorf("window [%d, %d) outside channel %d of length %d", first, first+count, channel, len(data))
	}
	out := make([]float64, count)
	copy(out, data[first:first+count])
	return out, nil
}
