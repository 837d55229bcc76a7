package poreflow

import (
	"errors"
	"fmt"

	hdf5 "github.com/jmbenlloch/go-hdf5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// EventStore reads back an event store written by EventStoreWriter. It is
// the EventSource of the fitting stage.
type EventStore struct {
	file       *hdf5.File
	samples    *hdf5.Dataset
	filename   string
	runID      string
	samplerate float64
	events     map[int][]EventIndexHDF5
}

func OpenEventStore(filename string) (s *EventStore, err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	var file *hdf5.File
	defer func() {
		if err != nil && file != nil {
			file.Close()
			s = nil
		}
	}()
	defer recoverHDF5(&err)

	file = openFile(filename)
	s = &EventStore{file: file, filename: filename, events: map[int][]EventIndexHDF5{}}
	if info := readTable[RunInfoHDF5](file, "/Run/info"); len(info) > 0 {
		s.runID = convertFromHdf5String(info[0].run_id)
	}
	for _, ch := range readTable[ChannelInfoHDF5](file, "/Run/channels") {
		if s.samplerate == 0 {
			s.samplerate = ch.samplerate
		} else if ch.samplerate != s.samplerate {
			return nil, fmt.Errorf("channel %d samplerate %g differs from %g in %s", ch.channel, ch.samplerate, s.samplerate, filename)
		}
		s.events[int(ch.channel)] = []EventIndexHDF5{}
	}
	for _, row := range readTable[EventIndexHDF5](file, "/Events/index") {
		ch := int(row.channel)
		s.events[ch] = append(s.events[ch], row)
	}
	s.samples = openDataset(file, "/Events/samples")
	logInfo(fmt.Sprintf("Opened event store %s with %d channels", filename, len(s.events)), "store")
	return s, nil
}

// RunID identifies the finder run that produced the store.
func (s *EventStore) RunID() string {
	return s.runID
}

func (s *EventStore) Samplerate() float64 {
	return s.samplerate
}

func (s *EventStore) Channels() []int {
	channels := maps.Keys(s.events)
	slices.Sort(channels)
	return channels
}

func (s *EventStore) NumEvents(channel int) (int, error) {
	events, ok := s.events[channel]
	if !ok {
		return 0, fmt.Errorf("no events for channel %d in %s", channel, s.filename)
	}
	return len(events), nil
}

func (s *EventStore) LoadEvent(channel, index int, filter DataFilter) (event LoadedEvent, err error) {
	events := s.events[channel]
	if index < 0 || index >= len(events) {
		return LoadedEvent{}, fmt.Errorf("channel %d has no event %d", channel, index)
	}
	row := events[index]

	data, err := s.readSamples(int(row.offset), int(row.length))
	if err != nil {
		return LoadedEvent{}, err
	}
	start := int(row.absolute_start) + int(row.padding_before)
	end := int(row.absolute_start) + int(row.length) - int(row.padding_after)
	return LoadedEvent{
		Event: Event{
			ID:            int(row.event_id),
			Channel:       channel,
			Start:         start,
			End:           end,
			PaddingBefore: int(row.padding_before),
			PaddingAfter:  int(row.padding_after),
			BaselineMean:  row.baseline_mean,
			BaselineStd:   row.baseline_std,
		},
		Data: applyFilter(filter, data),
	}, nil
}

func (s *EventStore) readSamples(first, count int) (data []float64, err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)
	return readArraySlice(s.samples, "/Events/samples", first, count), nil
}

func (s *EventStore) Close() error {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	var errs []error
	if err := s.samples.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing samples: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing file: %w", err))
	}
	return errors.Join(errs...)
}

// RawFile serves whole channels written by RawFileWriter. It is the
// DataSource of the finding stage.
type RawFile struct {
	file       *hdf5.File
	filename   string
	samplerate float64
	lengths    map[int]int
	datasets   map[int]*hdf5.Dataset
}

func OpenRawFile(filename string) (r *RawFile, err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	var file *hdf5.File
	datasets := map[int]*hdf5.Dataset{}
	defer func() {
		if err != nil && file != nil {
			for _, dset := range datasets {
				dset.Close()
			}
			file.Close()
			r = nil
		}
	}()
	defer recoverHDF5(&err)

	file = openFile(filename)
	r = &RawFile{file: file, filename: filename, lengths: map[int]int{}, datasets: datasets}

	for _, ch := range readTable[ChannelInfoHDF5](file, "/Run/channels") {
		if r.samplerate == 0 {
			r.samplerate = ch.samplerate
		} else if ch.samplerate != r.samplerate {
			return nil, fmt.Errorf("channel %d samplerate %g differs from %g in %s", ch.channel, ch.samplerate, r.samplerate, filename)
		}
		path := "/Raw/" + rawChannelName(int(ch.channel))
		dset := openDataset(file, path)
		r.datasets[int(ch.channel)] = dset
		r.lengths[int(ch.channel)] = datasetLength(dset, path)
	}
	if len(r.datasets) == 0 {
		return nil, fmt.Errorf("no channels in %s", filename)
	}
	return r, nil
}

func (r *RawFile) Samplerate() float64 {
	return r.samplerate
}

func (r *RawFile) Channels() []int {
	channels := maps.Keys(r.lengths)
	slices.Sort(channels)
	return channels
}

func (r *RawFile) ChannelLength(channel int) (int, error) {
	length, ok := r.lengths[channel]
	if !ok {
		return 0, fmt.Errorf("invalid channel: %d", channel)
	}
	return length, nil
}

func (r *RawFile) LoadData(start, length float64, channel int) (data []float64, err error) {
	total, err := r.ChannelLength(channel)
	if err != nil {
		return nil, err
	}
	first, count := sampleWindow(start, length, r.samplerate)
	if first < 0 || count < 0 || first+count > total {
		return nil, fmt.Errorf("window [%d, %d) outside channel %d of length %d", first, first+count, channel, total)
	}

	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)
	return readArraySlice(r.datasets[channel], "/Raw/"+rawChannelName(channel), first, count), nil
}

func (r *RawFile) Close() error {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	var errs []error
	for ch, dset := range r.datasets {
		if err := dset.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing channel %d: %w", ch, err))
		}
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing file: %w", err))
	}
	return errors.Join(errs...)
}
