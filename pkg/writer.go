package poreflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	hdf5 "github.com/jmbenlloch/go-hdf5"
)

// EventStoreWriter keeps the events found in a run: the padded raw samples of
// every event concatenated in /Events/samples, one /Events/index row per
// event pointing into them, and one /Run/channels row per committed channel.
type EventStoreWriter struct {
	File           *hdf5.File
	Filename       string
	RunID          string
	RunGroup       *hdf5.Group
	EventsGroup    *hdf5.Group
	RunInfoTable   *hdf5.Dataset
	ChannelTable   *hdf5.Dataset
	IndexTable     *hdf5.Dataset
	Samples        *hdf5.Dataset
	EvtCounter     int
	SampleCounter  int
	ChannelCounter int
}

func NewEventStoreWriter(filename string) (w *EventStoreWriter, err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)

	hdf5.SetStringLength(STRLEN)

	logInfo(fmt.Sprintf("Creating event store %s", filename), "store")
	w = &EventStoreWriter{Filename: filename, RunID: uuid.NewString()}
	w.File = createFile(filename)
	w.RunGroup = createGroup(w.File, "Run")
	w.EventsGroup = createGroup(w.File, "Events")
	w.RunInfoTable = createTable(w.RunGroup, "info", RunInfoHDF5{})
	w.ChannelTable = createTable(w.RunGroup, "channels", ChannelInfoHDF5{})
	w.IndexTable = createTable(w.EventsGroup, "index", EventIndexHDF5{})
	w.Samples = createArray(w.EventsGroup, "samples")

	writeEntryToTable(w.RunInfoTable, RunInfoHDF5{
		run_id:  convertToHdf5String(w.RunID),
		created: time.Now().Unix(),
	}, 0)
	return w, nil
}

// CommitEvents copies the padded window of every event from the source into
// the store. Samples are stored unfiltered.
func (w *EventStoreWriter) CommitEvents(channel int, samplerate float64, source DataSource, events []Event) error {
	length, err := source.ChannelLength(channel)
	if err != nil {
		return err
	}
	index := make([]EventIndexHDF5, len(events))
	var samples []float64
	for i, event := range events {
		data, err := source.LoadData(float64(event.AbsoluteStart())/samplerate, float64(event.Length())/samplerate, channel)
		if err != nil {
			return fmt.Errorf("error loading event %d of channel %d: %w", event.ID, channel, err)
		}
		index[i] = EventIndexHDF5{
			event_id:       int32(event.ID),
			channel:        int32(channel),
			absolute_start: int64(event.AbsoluteStart()),
			length:         int64(len(data)),
			offset:         int64(len(samples)),
			padding_before: int64(event.PaddingBefore),
			padding_after:  int64(event.PaddingAfter),
			baseline_mean:  event.BaselineMean,
			baseline_std:   event.BaselineStd,
		}
		samples = append(samples, data...)
	}
	return w.write(ChannelInfoHDF5{
		channel:    int32(channel),
		samplerate: samplerate,
		length:     int64(length),
		events:     int64(len(events)),
	}, index, samples)
}

func (w *EventStoreWriter) write(info ChannelInfoHDF5, index []EventIndexHDF5, samples []float64) (err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)

	for i := range index {
		index[i].offset += int64(w.SampleCounter)
	}
	writeArrayToTable(w.Samples, &samples, w.SampleCounter)
	writeArrayToTable(w.IndexTable, &index, w.EvtCounter)
	writeEntryToTable(w.ChannelTable, info, w.ChannelCounter)
	w.SampleCounter += len(samples)
	w.EvtCounter += len(index)
	w.ChannelCounter++
	logInfo(fmt.Sprintf("Wrote %d events of channel %d to %s", len(index), info.channel, w.Filename), "store")
	return nil
}

func (w *EventStoreWriter) Close() error {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	logInfo(fmt.Sprintf("Closing event store %s", w.Filename), "store")
	var errs []error

	if err := w.Samples.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing samples: %w", err))
	}
	if err := w.IndexTable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing event index: %w", err))
	}
	if err := w.ChannelTable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing channel table: %w", err))
	}
	if err := w.RunInfoTable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing run info table: %w", err))
	}
	if err := w.EventsGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing events group: %w", err))
	}
	if err := w.RunGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing run group: %w", err))
	}
	if err := w.File.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing file: %w", err))
	}
	return errors.Join(errs...)
}

// RawFileWriter stores whole channels, one /Raw/channel_<n> array each.
type RawFileWriter struct {
	File           *hdf5.File
	Filename       string
	Samplerate     float64
	RunGroup       *hdf5.Group
	RawGroup       *hdf5.Group
	ChannelTable   *hdf5.Dataset
	ChannelCounter int
}

func NewRawFileWriter(filename string, samplerate float64) (w *RawFileWriter, err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)

	w = &RawFileWriter{Filename: filename, Samplerate: samplerate}
	w.File = createFile(filename)
	w.RunGroup = createGroup(w.File, "Run")
	w.RawGroup = createGroup(w.File, "Raw")
	w.ChannelTable = createTable(w.RunGroup, "channels", ChannelInfoHDF5{})
	return w, nil
}

func rawChannelName(channel int) string {
	return fmt.Sprintf("channel_%d", channel)
}

func (w *RawFileWriter) WriteChannel(channel int, data []float64) (err error) {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	defer recoverHDF5(&err)

	dset := createArray(w.RawGroup, rawChannelName(channel))
	defer dset.Close()
	writeArrayToTable(dset, &data, 0)
	writeEntryToTable(w.ChannelTable, ChannelInfoHDF5{
		channel:    int32(channel),
		samplerate: w.Samplerate,
		length:     int64(len(data)),
	}, w.ChannelCounter)
	w.ChannelCounter++
	return nil
}

func (w *RawFileWriter) Close() error {
	hdf5Lock.Lock()
	defer hdf5Lock.Unlock()
	var errs []error
	if err := w.ChannelTable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing channel table: %w", err))
	}
	if err := w.RawGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing raw group: %w", err))
	}
	if err := w.RunGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing run group: %w", err))
	}
	if err := w.File.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing file: %w", err))
	}
	return errors.Join(errs...)
}
