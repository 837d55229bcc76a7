package poreflow

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ChannelEvents owns every event found in one channel. Events are stored by
// dense id in detection order; byStart maps the absolute start sample of an
// event back to its id.
type ChannelEvents struct {
	Channel    int
	Samplerate float64
	Finished   bool

	// seconds of data whose baseline was usable / unusable
	Accepted float64
	Rejected float64

	Rejections map[string]int

	events  []Event
	byStart map[int]int
}

func newChannelEvents(channel int, samplerate float64) *ChannelEvents {
	return &ChannelEvents{
		Channel:    channel,
		Samplerate: samplerate,
		Rejections: map[string]int{},
		byStart:    map[int]int{},
	}
}

func (c *ChannelEvents) add(event Event) int {
	id := len(c.events)
	event.ID = id
	event.Channel = c.Channel
	c.events = append(c.events, event)
	c.byStart[event.Start] = id
	return id
}

func (c *ChannelEvents) reject(reason string) {
	c.Rejections[reason]++
}

func (c *ChannelEvents) clear() {
	c.events = nil
	c.byStart = map[int]int{}
	c.Rejections = map[string]int{}
	c.Accepted, c.Rejected = 0, 0
	c.Finished = false
}

func (c *ChannelEvents) Len() int {
	return len(c.events)
}

// Event returns the event with the given id.
func (c *ChannelEvents) Event(id int) (Event, error) {
	if id < 0 || id >= len(c.events) {
		return Event{}, fmt.Errorf("channel %d has no event %d (found %d)", c.Channel, id, len(c.events))
	}
	return c.events[id], nil
}

// Lookup finds the id of the event starting at the given absolute sample.
func (c *ChannelEvents) Lookup(start int) (int, bool) {
	id, ok := c.byStart[start]
	return id, ok
}

func (c *ChannelEvents) Events() []Event {
	return append([]Event(nil), c.events...)
}

// formatRejections renders the rejection counters sorted by reason.
func formatRejections(rejections map[string]int) string {
	reasons := maps.Keys(rejections)
	slices.Sort(reasons)
	lines := make([]string, len(reasons))
	for i, reason := range reasons {
		lines[i] = fmt.Sprintf("%s: %d", reason, rejections[reason])
	}
	return strings.Join(lines, "\n")
}
