package poreflow

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// hysteresis is the level, in baseline standard deviations above the open
// pore current, that ends an event.
const hysteresis = 1.0

// Detector finds blockage events in the channels of a DataSource. Each
// channel keeps its own committed event arena; FindEvents replaces it.
type Detector struct {
	source   DataSource
	settings FinderSettings
	metrics  *Metrics

	mu       sync.Mutex
	channels map[int]*ChannelEvents
}

func NewDetector(source DataSource, settings FinderSettings) (*Detector, error) {
	if source == nil {
		return nil, errors.New("event detector needs a data source")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if !(source.Samplerate() > 0) {
		return nil, fmt.Errorf("invalid samplerate %g", source.Samplerate())
	}
	return &Detector{
		source:   source,
		settings: settings,
		channels: map[int]*ChannelEvents{},
	}, nil
}

func (d *Detector) SetMetrics(m *Metrics) {
	d.metrics = m
}

func (d *Detector) Samplerate() float64 {
	return d.source.Samplerate()
}

// ForceSerialChannelOperations reports whether channels must be processed one
// at a time. The detector keeps no shared per-call state, so it never does.
func (d *Detector) ForceSerialChannelOperations() bool {
	return false
}

// Events returns a copy of the committed events of a channel.
func (d *Detector) Events(channel int) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.channels[channel]
	if !ok {
		return nil
	}
	return state.Events()
}

// Channel returns the committed arena of a channel, if event finding finished.
func (d *Detector) Channel(channel int) (*ChannelEvents, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.channels[channel]
	if !ok || !state.Finished {
		return nil, false
	}
	return state, true
}

// Reset discards everything found in a channel.
func (d *Detector) Reset(channel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.channels[channel]; ok {
		state.clear()
	}
	delete(d.channels, channel)
}

// Report summarizes the result of event finding in a channel.
func (d *Detector) Report(channel int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.channels[channel]
	if !ok || !state.Finished {
		return fmt.Sprintf("Ch%d: event finding incomplete", channel)
	}
	lines := []string{
		fmt.Sprintf("Ch%d: Found %d events", channel, state.Len()),
		fmt.Sprintf("Accepted %.1fs of data", state.Accepted),
	}
	if state.Rejected > 0 {
		lines = append(lines, fmt.Sprintf("Rejected %.1fs of data", state.Rejected))
	}
	if len(state.Rejections) > 0 {
		lines = append(lines, "Rejected Events:\n"+formatRejections(state.Rejections))
	}
	return strings.Join(lines, "\n")
}

func (d *Detector) commit(state *ChannelEvents) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state.Finished = true
	d.channels[state.Channel] = state
}

// MergeRanges clips the ranges to [0, duration], replaces End <= 0 by the
// channel duration and merges overlapping or adjacent ranges.
func MergeRanges(ranges []TimeRange, duration float64) []TimeRange {
	valid := make([]TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if r.End <= 0 || r.End > duration {
			r.End = duration
		}
		if r.Start < 0 {
			r.Start = 0
		}
		if r.Start < r.End {
			valid = append(valid, r)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })

	var merged []TimeRange
	for _, r := range valid {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = math.Max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// FindEvents prepares a task that walks the given ranges of a channel chunk
// by chunk, or the whole channel when no range is given. The previous result
// of the channel is discarded; the new one is only visible once the task
// finishes.
func (d *Detector) FindEvents(channel int, ranges []TimeRange, chunkLength float64, filter DataFilter) (*FindTask, error) {
	if !slices.Contains(d.source.Channels(), channel) {
		return nil, fmt.Errorf("invalid channel: %d (available: %v)", channel, d.source.Channels())
	}
	if !(chunkLength > 0) {
		return nil, &SettingsError{Field: "chunk_length", Reason: "must be positive"}
	}
	length, err := d.source.ChannelLength(channel)
	if err != nil {
		return nil, err
	}
	samplerate := d.source.Samplerate()
	chunk := int(chunkLength * samplerate)
	if chunk < 1 {
		return nil, &SettingsError{Field: "chunk_length", Reason: fmt.Sprintf("%gs is shorter than one sample", chunkLength)}
	}

	d.Reset(channel)
	if len(ranges) == 0 {
		ranges = []TimeRange{{}}
	}

	task := &FindTask{
		detector:   d,
		channel:    channel,
		filter:     filter,
		samplerate: samplerate,
		chunk:      chunk,
		result:     newChannelEvents(channel, samplerate),
		prevStart:  -1,
	}
	for _, r := range MergeRanges(ranges, float64(length)/samplerate) {
		first := int(r.Start * samplerate)
		last := int(r.End * samplerate)
		if last > length {
			last = length
		}
		if first >= last {
			continue
		}
		task.ranges = append(task.ranges, [2]int{first, last})
		task.total += last - first
	}
	logInfo(fmt.Sprintf("Starting event finding on channel %d for %d ranges", channel, len(task.ranges)), "finder")
	if len(task.ranges) > 0 {
		task.startRange()
	}
	return task, nil
}

// FindTask is the resumable event search over the ranges of one channel.
type FindTask struct {
	detector   *Detector
	channel    int
	filter     DataFilter
	samplerate float64
	chunk      int

	ranges     [][2]int
	total      int
	rangeIndex int
	pos        int
	processed  int

	entry     bool
	first     bool
	prevStart int
	lastEnd   int

	// events of the current range, paired by index
	starts, ends  []int
	before, after []int
	means, stds   []float64

	result *ChannelEvents
	done   bool
}

func (t *FindTask) Done() bool {
	return t.done
}

// Cancel stops the task and discards the channel.
func (t *FindTask) Cancel() {
	if t.done {
		return
	}
	t.done = true
	t.detector.Reset(t.channel)
	logInfo(fmt.Sprintf("Event finding aborted in channel %d", t.channel), "finder")
}

func (t *FindTask) progress() float64 {
	if t.total == 0 {
		return 1
	}
	return float64(t.processed) / float64(t.total)
}

func (t *FindTask) startRange() {
	t.pos = t.ranges[t.rangeIndex][0]
	t.entry = false
	t.first = true
	t.prevStart = -1
}

// Step processes one chunk. When the chunk closes the last range, the events
// are committed to the detector and the task is done.
func (t *FindTask) Step() (float64, error) {
	if t.done {
		return 1, nil
	}
	if t.rangeIndex >= len(t.ranges) {
		t.finish()
		return 1, nil
	}

	rangeEnd := t.ranges[t.rangeIndex][1]
	length := t.chunk
	if remaining := rangeEnd - t.pos; remaining < 2*length {
		length = remaining
	}
	data, err := t.detector.source.LoadData(float64(t.pos)/t.samplerate, float64(length)/t.samplerate, t.channel)
	if err != nil {
		t.fail()
		return t.progress(), fmt.Errorf("error loading channel %d at sample %d: %w", t.channel, t.pos, err)
	}
	if len(data) == 0 {
		t.fail()
		return t.progress(), fmt.Errorf("empty chunk in channel %d at sample %d", t.channel, t.pos)
	}
	data = applyFilter(t.filter, data)

	t.processChunk(data)
	t.first = false
	t.pos += len(data)
	t.processed += len(data)

	if t.pos >= rangeEnd {
		if err := t.finishRange(rangeEnd); err != nil {
			return t.progress(), err
		}
		t.rangeIndex++
		if t.rangeIndex < len(t.ranges) {
			t.startRange()
		} else {
			t.finish()
			return 1, nil
		}
	}
	return t.progress(), nil
}

func (t *FindTask) baseline(data []float64) (Gaussian, error) {
	s := t.detector.settings
	if s.BoundedBaseline {
		return EstimateBoundedBaseline(data, s.MinBaseline, s.MaxBaseline)
	}
	return EstimateBaseline(data)
}

func (t *FindTask) rejectChunk(seconds float64, why string) {
	t.result.Rejected += seconds
	t.detector.metrics.chunk("rejected")
	logInfo(fmt.Sprintf("Skipping chunk at %.3fs in channel %d: %s", float64(t.pos)/t.samplerate, t.channel, why), "finder")
	// the data around a rejected chunk cannot be stitched
	t.prevStart = -1
	t.entry = false
}

func (t *FindTask) processChunk(data []float64) {
	seconds := float64(len(data)) / t.samplerate
	g, err := t.baseline(data)
	if err != nil {
		t.rejectChunk(seconds, err.Error())
		return
	}
	level := math.Abs(g.Mean)
	if level < 3*g.Std || level < t.detector.settings.Threshold {
		t.rejectChunk(seconds, fmt.Sprintf("%s: mean %.3g pA, std %.3g pA", ReasonNoVoltage, g.Mean, g.Std))
		return
	}
	t.result.Accepted += seconds
	t.detector.metrics.chunk("accepted")

	polarity := sign(g.Mean)
	normalized := make([]float64, len(data))
	for i, v := range data {
		normalized[i] = (polarity*v - level) / g.Std
	}
	starts, ends, entry := findInChunk(normalized, -t.detector.settings.Threshold/g.Std, t.pos, t.entry, t.first)
	t.entry = entry

	if t.prevStart >= 0 {
		starts = append([]int{t.prevStart}, starts...)
	}
	t.prevStart = -1
	if len(starts) > len(ends) {
		t.prevStart = starts[len(starts)-1]
		starts = starts[:len(starts)-1]
	}
	if len(ends) > 0 && (len(starts) == 0 || ends[0] < starts[0]) {
		ends = ends[1:]
	}
	if len(starts) == 0 {
		return
	}

	lastDuration := 0
	if n := len(t.starts); n > 0 {
		lastDuration = t.ends[n-1] - t.starts[n-1]
	}
	bad := t.filterEvents(starts, ends)
	before, after, lastEnd, afterPrevious := t.paddingLengths(starts, ends, lastDuration)
	t.lastEnd = lastEnd
	if len(t.after) < len(t.starts) {
		t.after = append(t.after, afterPrevious)
	}
	for i := range starts {
		if reason, rejected := bad[i]; rejected {
			t.result.reject(reason)
			t.detector.metrics.eventRejected("finder", reason)
			continue
		}
		t.starts = append(t.starts, starts[i])
		t.ends = append(t.ends, ends[i])
		t.before = append(t.before, before[i])
		if i < len(after) {
			t.after = append(t.after, after[i])
		}
		t.means = append(t.means, g.Mean)
		t.stds = append(t.stds, g.Std)
	}
}

// findInChunk walks normalized data and returns the absolute start and end
// samples of the events it contains, and whether the chunk ends inside one.
func findInChunk(d []float64, threshold float64, offset int, entry, first bool) ([]int, []int, bool) {
	var starts, ends []int
	// an event already in progress at the first sample of a range is not counted
	if first && !entry && d[0] < threshold {
		entry = true
	}
	index, prev := 0, 0
	for index < len(d) {
		if !entry {
			pos := firstWhere(d, index, func(v float64) bool { return v < threshold })
			if pos < 0 {
				break
			}
			index = pos
			start := index
			for start > prev && d[start] < hysteresis {
				start--
			}
			starts = append(starts, start+offset)
			entry = true
		} else {
			pos := firstWhere(d, index, func(v float64) bool { return v > hysteresis })
			if pos < 0 {
				break
			}
			index = pos
			ends = append(ends, index+offset)
			entry = false
		}
		prev = index
	}
	return starts, ends, entry
}

func firstWhere(d []float64, from int, match func(float64) bool) int {
	for i := from; i < len(d); i++ {
		if match(d[i]) {
			return i
		}
	}
	return -1
}

// filterEvents applies the separation and duration limits and returns the
// rejected indices with their reasons.
func (t *FindTask) filterEvents(starts, ends []int) map[int]string {
	s := t.detector.settings
	minDuration := s.MinDuration * t.samplerate * 1e-6
	maxDuration := s.MaxDuration * t.samplerate * 1e-6
	minSeparation := s.MinSeparation * t.samplerate * 1e-6

	bad := map[int]string{}
	lastEnd := t.lastEnd
	for i := range starts {
		duration := float64(ends[i] - starts[i])
		separation := float64(starts[i] - lastEnd)
		lastEnd = ends[i]
		switch {
		case separation < minSeparation:
			bad[i] = ReasonTooClose
		case duration < minDuration:
			bad[i] = ReasonTooShort
		case duration > maxDuration:
			bad[i] = ReasonTooLong
		}
	}
	return bad
}

// splitGap sizes the padding on the two sides of the gap between neighbouring
// events. Targets that fit together are kept, otherwise each side gets at
// most its share of the gap so that the padded windows never overlap.
func (s FinderSettings) splitGap(left, right, gap int) (int, int) {
	if left+right <= gap {
		return left, right
	}
	share := int(s.PaddingShrink * float64(gap) / 2)
	return min(left, share), min(right, share)
}

// paddingLengths sizes the baseline kept around each candidate event. The
// target is the event duration or the padding time, whichever is longer. The
// padding after the last event of the previous chunk is returned separately.
func (t *FindTask) paddingLengths(starts, ends []int, lastDuration int) ([]int, []int, int, int) {
	s := t.detector.settings
	minimum := s.PaddingTime * t.samplerate * 1e-6
	target := func(duration int) int {
		return int(math.Max(minimum, float64(duration)))
	}

	before := make([]int, len(starts))
	after := make([]int, 0, len(starts))
	afterPrevious := 0
	if t.result.Len() == 0 && len(t.starts) == 0 {
		// nothing before the first event of the channel but its start
		before[0] = min(target(ends[0]-starts[0]), starts[0])
	} else {
		afterPrevious, before[0] = s.splitGap(target(lastDuration), target(ends[0]-starts[0]), starts[0]-t.lastEnd)
	}
	for i := 0; i+1 < len(starts); i++ {
		pa, pb := s.splitGap(target(ends[i]-starts[i]), target(ends[i+1]-starts[i+1]), starts[i+1]-ends[i])
		after = append(after, pa)
		before[i+1] = pb
	}
	return before, after, ends[len(ends)-1], afterPrevious
}

// separateWindows shrinks the paddings of neighbouring events whose padded
// windows would overlap. Events of different ranges are only paired here.
func (s FinderSettings) separateWindows(events []Event) {
	for i := 0; i+1 < len(events); i++ {
		left, right := &events[i], &events[i+1]
		left.PaddingAfter, right.PaddingBefore = s.splitGap(left.PaddingAfter, right.PaddingBefore, right.Start-left.End)
	}
}

// finishRange closes the current range: the pending start is dropped, the
// last event gets its trailing padding and the pairs move into the arena.
func (t *FindTask) finishRange(rangeEnd int) error {
	t.prevStart = -1
	n := len(t.starts)
	if n > 0 && len(t.after) < n {
		t.after = append(t.after, min(t.ends[n-1]-t.starts[n-1], rangeEnd-t.ends[n-1]))
	}
	if len(t.ends) != n || len(t.before) != n || len(t.after) != n || len(t.means) != n || len(t.stds) != n {
		err := &InconsistencyError{Channel: t.channel, Starts: n, Ends: len(t.ends)}
		logger.Error(err.Error())
		t.fail()
		return err
	}
	for i := 0; i < n; i++ {
		t.result.add(Event{
			Start:         t.starts[i],
			End:           t.ends[i],
			PaddingBefore: t.before[i],
			PaddingAfter:  t.after[i],
			BaselineMean:  t.means[i],
			BaselineStd:   t.stds[i],
		})
	}
	logInfo(fmt.Sprintf("Range %d of channel %d: found %d events", t.rangeIndex+1, t.channel, n), "finder")
	t.starts, t.ends, t.before, t.after = nil, nil, nil, nil
	t.means, t.stds = nil, nil
	return nil
}

func (t *FindTask) finish() {
	t.done = true
	t.detector.settings.separateWindows(t.result.events)
	t.detector.commit(t.result)
	t.detector.metrics.eventsFound(t.result.Len())
	logInfo(fmt.Sprintf("Total events found for channel %d: %d", t.channel, t.result.Len()), "finder")
}

// fail discards the partial result and the channel state.
func (t *FindTask) fail() {
	t.done = true
	t.result.clear()
	t.detector.Reset(t.channel)
}
