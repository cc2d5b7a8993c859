package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlushState is the scheduler's two-state machine.
type FlushState int32

const (
	FlushIdle FlushState = iota
	FlushFlushing
)

func (s FlushState) String() string {
	if s == FlushFlushing {
		return "flushing"
	}
	return "idle"
}

// FlushOutcome describes what a single flush attempt did.
type FlushOutcome int

const (
	// FlushSkippedEmpty means the buffer was empty and nothing was sent.
	FlushSkippedEmpty FlushOutcome = iota
	// FlushSkippedBusy means a previous flush had not settled yet.
	FlushSkippedBusy
	// FlushDelivered means the collector accepted the batch.
	FlushDelivered
	// FlushFailed means delivery failed; the batch is gone unless retention is on.
	FlushFailed
	// FlushAbandoned means ctx ended before the collector answered. The
	// request keeps running in the transport; its response is ignored.
	FlushAbandoned
)

func (o FlushOutcome) String() string {
	switch o {
	case FlushSkippedEmpty:
		return "skipped_empty"
	case FlushSkippedBusy:
		return "skipped_busy"
	case FlushDelivered:
		return "delivered"
	case FlushAbandoned:
		return "abandoned"
	default:
		return "failed"
	}
}

// FlushScheduler periodically drains the event buffer to the session endpoint
// and carries the server-assigned session id between batches.
type FlushScheduler struct {
	siteID       SiteID
	buffer       *EventBuffer
	transport    Transport
	endpoint     string
	interval     time.Duration
	retainFailed bool
	logger       *zap.Logger

	state atomic.Int32

	mu        sync.Mutex
	sessionID *string
}

// FlushConfig groups the scheduler's tunables.
type FlushConfig struct {
	Endpoint string
	Interval time.Duration
	// RetainFailed re-queues a batch whose delivery failed instead of dropping it.
	RetainFailed bool
}

// NewFlushScheduler creates an idle scheduler with no session id.
func NewFlushScheduler(siteID SiteID, buffer *EventBuffer, transport Transport, cfg FlushConfig, logger *zap.Logger) *FlushScheduler {
	return &FlushScheduler{
		siteID:       siteID,
		buffer:       buffer,
		transport:    transport,
		endpoint:     cfg.Endpoint,
		interval:     cfg.Interval,
		retainFailed: cfg.RetainFailed,
		logger:       logger.Named("flush"),
	}
}

// State reports whether a flush is in progress.
func (f *FlushScheduler) State() FlushState {
	return FlushState(f.state.Load())
}

// SessionID returns the current session id, nil before the first assignment.
func (f *FlushScheduler) SessionID() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionID == nil {
		return nil
	}
	id := *f.sessionID
	return &id
}

func (f *FlushScheduler) setSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionID != nil && *f.sessionID == id {
		return
	}
	if f.sessionID == nil {
		f.logger.Info("Session assigned by collector.", zap.String("session_id", id))
	} else {
		f.logger.Info("Session rotated by collector.", zap.String("previous", *f.sessionID), zap.String("session_id", id))
	}
	f.sessionID = &id
}

// Run flushes on every tick until ctx is done. Ticks that find a flush
// still in flight are skipped; their events wait for the next tick.
func (f *FlushScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var flushes sync.WaitGroup
	defer flushes.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() == FlushFlushing {
				f.logger.Debug("Previous flush still in flight; skipping tick.")
				continue
			}
			flushes.Add(1)
			go func() {
				defer flushes.Done()
				// A tick's flush waits for its response so the session id is
				// in place for the next batch.
				f.Flush(context.WithoutCancel(ctx))
			}()
		}
	}
}

// Flush performs one Idle -> Flushing -> Idle cycle and blocks until the
// transport settles or ctx is done. The buffer is cleared before delivery is
// confirmed.
func (f *FlushScheduler) Flush(ctx context.Context) FlushOutcome {
	if !f.state.CompareAndSwap(int32(FlushIdle), int32(FlushFlushing)) {
		return FlushSkippedBusy
	}
	defer f.state.Store(int32(FlushIdle))

	events := f.buffer.Take()
	if len(events) == 0 {
		return FlushSkippedEmpty
	}

	batch := FlushBatch{SiteID: f.siteID, Events: events, SessionID: f.SessionID()}
	var delivery Delivery
	select {
	case delivery = <-f.transport.Send(ctx, f.endpoint, batch):
	case <-ctx.Done():
		f.logger.Warn("Stopped waiting for session batch delivery.", zap.Int("events", len(events)), zap.Error(ctx.Err()))
		return FlushAbandoned
	}
	if delivery.Err != nil {
		if f.retainFailed {
			f.buffer.Requeue(events)
			f.logger.Warn("Session batch not delivered; re-queued.", zap.Int("events", len(events)), zap.Error(delivery.Err))
		} else {
			f.logger.Warn("Session batch not delivered; events dropped.", zap.Int("events", len(events)), zap.Error(delivery.Err))
		}
		return FlushFailed
	}

	var resp SessionResponse
	if err := codec.Unmarshal(delivery.Body, &resp); err != nil {
		f.logger.Warn("Collector returned an unreadable session response.", zap.Error(err))
		return FlushDelivered
	}
	if resp.SessionID != "" {
		f.setSessionID(resp.SessionID)
	}

	f.logger.Debug("Session batch delivered.", zap.Int("events", len(events)))
	return FlushDelivered
}
