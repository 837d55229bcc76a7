package poreflow

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// FitInput is one padded event handed to a Fitter. BaselineStd <= 0 means the
// baseline is unknown and must be measured on the padding.
type FitInput struct {
	Data          []float64
	Samplerate    float64
	PaddingBefore int
	PaddingAfter  int
	BaselineMean  float64
	BaselineStd   float64
}

func (in FitInput) baselineStd() (float64, error) {
	if in.BaselineStd > 0 {
		return in.BaselineStd, nil
	}
	if in.PaddingBefore > 0 && in.PaddingBefore <= len(in.Data) {
		return popStd(in.Data[:in.PaddingBefore]), nil
	}
	if in.PaddingAfter > 0 && in.PaddingAfter <= len(in.Data) {
		return popStd(in.Data[len(in.Data)-in.PaddingAfter:]), nil
	}
	return 0, ErrMissingBaseline
}

// Fitter locates sublevels inside events and derives their metadata. Fit
// returns a *RejectError for events that cannot be fitted.
type Fitter interface {
	Name() string
	Fit(in FitInput) (SublevelDecomposition, error)
	Metadata(in FitInput, fit SublevelDecomposition) (EventMetadata, SublevelMetadata, error)
	ForceSerialChannelOperations() bool
}

// NewFitter builds the fitter selected by name from the configuration.
func NewFitter(name string, config Configuration) (Fitter, error) {
	switch name {
	case "cusum":
		return NewCusumFitter(config.Cusum)
	case "intracusum":
		return NewIntraCusumFitter(config.Cusum)
	case "nanotrees", "refiner":
		return NewRefinerFitter(config.Refiner)
	}
	return nil, &SettingsError{Field: "fitter", Reason: fmt.Sprintf("unknown fitter %q", name)}
}

// LoadedEvent is an event together with its padded samples.
type LoadedEvent struct {
	Event
	Data []float64
}

// EventSource serves the events found in a channel by index.
type EventSource interface {
	Samplerate() float64
	Channels() []int
	NumEvents(channel int) (int, error)
	LoadEvent(channel, index int, filter DataFilter) (LoadedEvent, error)
}

// EventSink stores the events found in a channel together with their samples.
type EventSink interface {
	CommitEvents(channel int, samplerate float64, source DataSource, events []Event) error
}

// MetadataSink stores the fit of one event: its metadata and three sample
// arrays (filtered, raw and fitted).
type MetadataSink interface {
	WriteEvent(channel int, event EventMetadata, sublevels SublevelMetadata, filtered, raw, fit []float64) error
}

// MemoryEventSource serves events straight from a DataSource.
type MemoryEventSource struct {
	source DataSource
	events map[int][]Event
}

func NewMemoryEventSource(source DataSource, events map[int][]Event) *MemoryEventSource {
	return &MemoryEventSource{source: source, events: events}
}

// EventsFromDetector collects the committed events of every finished channel.
func EventsFromDetector(d *Detector) map[int][]Event {
	events := map[int][]Event{}
	for _, ch := range d.source.Channels() {
		if state, ok := d.Channel(ch); ok {
			events[ch] = state.Events()
		}
	}
	return events
}

func (m *MemoryEventSource) Samplerate() float64 {
	return m.source.Samplerate()
}

func (m *MemoryEventSource) Channels() []int {
	var channels []int
	for _, ch := range m.source.Channels() {
		if _, ok := m.events[ch]; ok {
			channels = append(channels, ch)
		}
	}
	return channels
}

func (m *MemoryEventSource) NumEvents(channel int) (int, error) {
	events, ok := m.events[channel]
	if !ok {
		return 0, fmt.Errorf("no events for channel %d", channel)
	}
	return len(events), nil
}

func (m *MemoryEventSource) LoadEvent(channel, index int, filter DataFilter) (LoadedEvent, error) {
	events := m.events[channel]
	if index < 0 || index >= len(events) {
		return LoadedEvent{}, fmt.Errorf("channel %d has no event %d", channel, index)
	}
	event := events[index]
	sr := m.source.Samplerate()
	data, err := m.source.LoadData(float64(event.AbsoluteStart())/sr, float64(event.Length())/sr, channel)
	if err != nil {
		return LoadedEvent{}, fmt.Errorf("error loading event %d of channel %d: %w", index, channel, err)
	}
	return LoadedEvent{Event: event, Data: applyFilter(filter, data)}, nil
}

// FitResult is a successfully fitted event. The decomposition carries the
// level currents as heights.
type FitResult struct {
	Index            int
	Event            Event
	Fit              SublevelDecomposition
	EventMetadata    EventMetadata
	SublevelMetadata SublevelMetadata
}

// FitEvents prepares a task fitting the given events of a channel, or all of
// them when indices is nil.
func FitEvents(source EventSource, fitter Fitter, channel int, filter DataFilter, indices []int) (*FitTask, error) {
	if !slices.Contains(source.Channels(), channel) {
		return nil, fmt.Errorf("invalid channel: %d (available: %v)", channel, source.Channels())
	}
	total, err := source.NumEvents(channel)
	if err != nil {
		return nil, err
	}
	if indices == nil {
		indices = make([]int, total)
		for i := range indices {
			indices[i] = i
		}
	}
	for _, idx := range indices {
		if idx < 0 || idx >= total {
			return nil, fmt.Errorf("event %d out of range for channel %d with %d events", idx, channel, total)
		}
	}
	return &FitTask{
		source:     source,
		fitter:     fitter,
		channel:    channel,
		filter:     filter,
		samplerate: source.Samplerate(),
		indices:    append([]int(nil), indices...),
		rejections: map[string]int{},
	}, nil
}

// FitTask fits the events of one channel one at a time.
type FitTask struct {
	source     EventSource
	fitter     Fitter
	channel    int
	filter     DataFilter
	samplerate float64
	metrics    *Metrics

	indices    []int
	pos        int
	results    []FitResult
	rejections map[string]int

	done     bool
	finished bool
}

func (t *FitTask) SetMetrics(m *Metrics) {
	t.metrics = m
}

func (t *FitTask) Done() bool {
	return t.done
}

// Cancel stops the task and drops every fit done so far.
func (t *FitTask) Cancel() {
	if t.done {
		return
	}
	t.reset()
	logInfo(fmt.Sprintf("Event fitting aborted in channel %d", t.channel), "fitter")
}

func (t *FitTask) reset() {
	t.done = true
	t.finished = false
	t.results = nil
	t.rejections = map[string]int{}
}

func (t *FitTask) progress() float64 {
	if len(t.indices) == 0 {
		return 1
	}
	return float64(t.pos) / float64(len(t.indices))
}

// Step fits one event. Rejected events are counted; any other error stops the
// task and discards its results.
func (t *FitTask) Step() (float64, error) {
	if t.done {
		return 1, nil
	}
	if t.pos < len(t.indices) {
		index := t.indices[t.pos]
		t.pos++
		result, err := t.fitOne(index)
		var rejectErr *RejectError
		switch {
		case errors.As(err, &rejectErr):
			t.rejections[rejectErr.Reason]++
			t.metrics.eventRejected(t.fitter.Name(), rejectErr.Reason)
			logInfo(fmt.Sprintf("Event %d in channel %d was rejected from fitting: %v", index, t.channel, err), "fitter")
		case err != nil:
			t.reset()
			return t.progress(), fmt.Errorf("error fitting event %d of channel %d: %w", index, t.channel, err)
		default:
			t.results = append(t.results, result)
			t.metrics.eventFitted(t.fitter.Name(), result.Fit.NumLevels())
		}
	}
	if t.pos >= len(t.indices) {
		t.done = true
		t.finished = true
		return 1, nil
	}
	return t.progress(), nil
}

func (t *FitTask) fitOne(index int) (FitResult, error) {
	event, err := t.source.LoadEvent(t.channel, index, t.filter)
	if err != nil {
		return FitResult{}, err
	}
	in := FitInput{
		Data:          event.Data,
		Samplerate:    t.samplerate,
		PaddingBefore: event.PaddingBefore,
		PaddingAfter:  event.PaddingAfter,
		BaselineMean:  event.BaselineMean,
		BaselineStd:   event.BaselineStd,
	}
	fit, err := t.fitter.Fit(in)
	if err != nil {
		return FitResult{}, err
	}
	levels := fit.NumLevels()
	if levels < 3 {
		return FitResult{}, reject(ReasonTooFewLevels, "%d levels", levels)
	}
	if err := fit.Validate(len(in.Data)); err != nil {
		return FitResult{}, reject(ReasonEmptySublevel, "%v", err)
	}
	eventMeta, sublevelMeta, err := t.fitter.Metadata(in, fit)
	if err != nil {
		return FitResult{}, err
	}
	for key, values := range sublevelMeta {
		if len(values) != levels {
			logger.Error(fmt.Sprintf("Event %d in channel %d has %d entries for %s but %d sublevels", index, t.channel, len(values), key, levels))
			return FitResult{}, reject(ReasonLevelCountMismatch, "%s has %d entries for %d levels", key, len(values), levels)
		}
	}

	eventIDs := make([]float64, levels)
	channelIDs := make([]float64, levels)
	levelIDs := make([]float64, levels)
	levelsLeft := make([]float64, levels)
	for i := range levelIDs {
		eventIDs[i] = float64(index)
		channelIDs[i] = float64(t.channel)
		levelIDs[i] = float64(i)
		levelsLeft[i] = float64(levels - 1 - i)
	}
	sublevelMeta["event_id"] = eventIDs
	sublevelMeta["channel_id"] = channelIDs
	sublevelMeta["level_id"] = levelIDs
	sublevelMeta["levels_left"] = levelsLeft

	eventMeta["start_time"] = float64(event.AbsoluteStart()) / t.samplerate
	eventMeta["num_sublevels"] = float64(levels)
	eventMeta["event_id"] = float64(index)
	eventMeta["channel_id"] = float64(t.channel)

	return FitResult{
		Index:            index,
		Event:            event.Event,
		Fit:              NewDecomposition(fit.Boundaries, sublevelMeta["sublevel_current"]),
		EventMetadata:    eventMeta,
		SublevelMetadata: sublevelMeta,
	}, nil
}

// Results returns the fits of a finished task in fitting order.
func (t *FitTask) Results() ([]FitResult, error) {
	if !t.finished {
		return nil, fmt.Errorf("event fitting not complete for channel %d", t.channel)
	}
	return t.results, nil
}

// Rejections returns the reject counters by reason.
func (t *FitTask) Rejections() map[string]int {
	return t.rejections
}

func (t *FitTask) Report() string {
	if !t.finished {
		return fmt.Sprintf("Ch%d: fitting incomplete", t.channel)
	}
	lines := []string{fmt.Sprintf("Ch%d: %d/%d good fits", t.channel, len(t.results), len(t.indices))}
	if len(t.rejections) > 0 {
		lines = append(lines, "Rejected Events:\n"+formatRejections(t.rejections))
	}
	return strings.Join(lines, "\n")
}

// Commit writes every fitted event to the sink with its filtered, raw and
// fitted samples.
func (t *FitTask) Commit(sink MetadataSink) error {
	results, err := t.Results()
	if err != nil {
		return err
	}
	for _, r := range results {
		filtered, err := t.source.LoadEvent(t.channel, r.Index, t.filter)
		if err != nil {
			return err
		}
		raw, err := t.source.LoadEvent(t.channel, r.Index, nil)
		if err != nil {
			return err
		}
		if err := sink.WriteEvent(t.channel, r.EventMetadata, r.SublevelMetadata, filtered.Data, raw.Data, r.Fit.FitTrace()); err != nil {
			return fmt.Errorf("error writing event %d of channel %d: %w", r.Index, t.channel, err)
		}
	}
	return nil
}
