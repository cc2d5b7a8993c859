// Package bus is the agent's in-process publish/subscribe channel. Optional
// subsystems announce readiness on it so that wiring happens after their
// asynchronous load finishes instead of through shared callbacks.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic identifies a category of message.
type Topic string

const (
	// TopicRecorderReady carries a loaded tracker.Recorder.
	TopicRecorderReady Topic = "recorder.ready"
	// TopicVitalsReady carries a loaded tracker.VitalsSource.
	TopicVitalsReady Topic = "vitals.ready"
)

// ErrClosed is returned by Post once Shutdown has started.
var ErrClosed = errors.New("bus is shut down")

// Message is the envelope delivered to subscribers.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     Topic
	Payload   interface{}
}

// Bus fans messages out to per-topic subscriber channels. Consumers must
// Acknowledge every message they receive so Shutdown can wait for them.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[Topic][]chan Message

	// inflight counts delivered but unacknowledged messages.
	inflight sync.WaitGroup
	// posting counts Post calls that are still trying to deliver.
	posting sync.WaitGroup

	closing      chan struct{}
	shutdownOnce sync.Once
	closedMu     sync.Mutex
	closed       bool
}

// New creates a bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:      logger.Named("bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[Topic][]chan Message),
		closing:     make(chan struct{}),
	}
}

// Post delivers payload to every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx is done or the bus shuts down.
func (b *Bus) Post(ctx context.Context, topic Topic, payload interface{}) error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return ErrClosed
	}
	b.posting.Add(1)
	b.closedMu.Unlock()
	defer b.posting.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}

	b.mu.RLock()
	subs := make([]chan Message, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("No subscribers for topic.", zap.String("topic", string(topic)))
		return nil
	}

	for _, ch := range subs {
		b.inflight.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.inflight.Done()
			return ctx.Err()
		case <-b.closing:
			b.inflight.Done()
			return ErrClosed
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages for the given topics and a
// function that removes the subscription. The channel is closed by Shutdown.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	if len(topics) == 0 {
		panic("bus: Subscribe needs at least one topic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closedMu.Lock()
	closed := b.closed
	b.closedMu.Unlock()
	if closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := append([]Topic(nil), topics...)
	for _, topic := range subscribed {
		b.subscribers[topic] = append(b.subscribers[topic], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, topic := range subscribed {
			subs := b.subscribers[topic]
			for i, c := range subs {
				if c == ch {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks a received message as processed.
func (b *Bus) Acknowledge(Message) {
	b.inflight.Done()
}

// Shutdown stops accepting posts, closes every subscriber channel, and waits
// until all delivered messages have been acknowledged. Messages still sitting
// in channel buffers are drained and counted as acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.closedMu.Lock()
		b.closed = true
		b.closedMu.Unlock()

		close(b.closing)
		b.posting.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.inflight.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained unconsumed messages during shutdown.", zap.Int("count", drained))
		}
		b.inflight.Wait()
	})
}
