package trace

import "sync"

// Collector accumulates events from concurrent tracers.
type Collector struct {
	mu     sync.Mutex
	events []*Event
}

// Add records e. Its signature matches the tracers' OnStep hook.
func (c *Collector) Add(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Len returns the number of buffered events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// GetAndClear returns the buffered events and empties the buffer.
func (c *Collector) GetAndClear() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// Count returns how many buffered events carry tag.
func (c *Collector) Count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}
