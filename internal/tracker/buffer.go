package tracker

import (
	"encoding/json"
	"sync"
)

// EventBuffer holds recorder events between flushes. The recorder bridge is
// its only writer and the flush scheduler its only reader.
type EventBuffer struct {
	mu     sync.Mutex
	events []json.RawMessage
}

// Append adds one event at the tail.
func (b *EventBuffer) Append(event json.RawMessage) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

// Len reports the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Take returns every buffered event in emission order and leaves the buffer
// empty. It returns nil when there is nothing to take.
func (b *EventBuffer) Take() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	taken := b.events
	b.events = nil
	return taken
}

// Requeue puts previously taken events back in front of anything appended since.
func (b *EventBuffer) Requeue(events []json.RawMessage) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]json.RawMessage, 0, len(events)+len(b.events))
	merged = append(merged, events...)
	b.events = append(merged, b.events...)
}
