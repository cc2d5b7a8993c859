// Package tracker is the page-resident telemetry agent: page views with
// Web-Vitals, in-app navigation detection, session recording, and a periodic
// uplink that keeps the collector-assigned session id across flushes.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getmusterup/sentinel-agent/internal/tracker/bus"
)

// ErrAlreadyInitialized is returned by a second Init on the same agent.
var ErrAlreadyInitialized = errors.New("agent already initialized")

// Deps are the agent's collaborators. Recorders and Vitals may be nil, which
// disables that subsystem.
type Deps struct {
	Page      Page
	Embed     Embed
	Transport Transport
	Recorders RecorderLoader
	Vitals    VitalsLoader
}

// Options tune the agent.
type Options struct {
	TrackEndpoint   string
	SessionEndpoint string
	FlushInterval   time.Duration
	// SettleDelay is how long a page view waits for early vitals after a navigation.
	SettleDelay         time.Duration
	RetainFailedBatches bool
	// FlushOnClose sends whatever is buffered when the agent is closed.
	FlushOnClose bool
}

// Agent owns every piece of per-page telemetry state. One agent lives for
// exactly one page lifetime.
type Agent struct {
	id     string
	deps   Deps
	opts   Options
	logger *zap.Logger

	siteID    SiteID
	bus       *bus.Bus
	buffer    *EventBuffer
	reporter  *Reporter
	navigator *Navigator
	vitals    *VitalsCollector
	recorder  *RecorderBridge
	flusher   *FlushScheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool

	initialized atomic.Bool
	enabled     atomic.Bool
	closeOnce   sync.Once
}

// New creates an agent; nothing happens until Init.
func New(deps Deps, opts Options, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	id := uuid.New().String()
	return &Agent{
		id:     id,
		deps:   deps,
		opts:   opts,
		logger: logger.Named("agent").With(zap.String("agent_id", id)),
		buffer: &EventBuffer{},
		timers: make(map[*time.Timer]struct{}),
	}
}

// ID identifies this agent instance in logs.
func (a *Agent) ID() string { return a.id }

// SiteID is the resolved site identifier, empty when the agent is disabled.
func (a *Agent) SiteID() SiteID { return a.siteID }

// Enabled reports whether Init succeeded.
func (a *Agent) Enabled() bool { return a.enabled.Load() }

// SessionID is the collector-assigned session id, nil until the first flush response.
func (a *Agent) SessionID() *string {
	if a.flusher == nil {
		return nil
	}
	return a.flusher.SessionID()
}

// Buffered is the number of recorder events waiting for the next flush.
func (a *Agent) Buffered() int { return a.buffer.Len() }

// Init resolves the site identity and starts every subsystem. A missing site
// id is logged and returned; the agent then stays inert.
func (a *Agent) Init(ctx context.Context) error {
	if !a.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	siteID, err := ResolveSiteID(a.deps.Embed)
	if err != nil {
		a.logger.Error("Agent disabled.", zap.Error(err))
		return err
	}
	a.siteID = siteID
	a.logger = a.logger.With(zap.String("site_id", string(siteID)))
	a.ctx, a.cancel = context.WithCancel(ctx)

	page := a.deps.Page
	a.bus = bus.New(a.logger, 2)
	a.reporter = NewReporter(siteID, page, a.deps.Transport, a.opts.TrackEndpoint, a.logger)
	a.vitals = NewVitalsCollector(a.logger)
	a.recorder = NewRecorderBridge(a.buffer, a.logger)
	a.flusher = NewFlushScheduler(siteID, a.buffer, a.deps.Transport, FlushConfig{
		Endpoint:     a.opts.SessionEndpoint,
		Interval:     a.opts.FlushInterval,
		RetainFailed: a.opts.RetainFailedBatches,
	}, a.logger)
	a.navigator = NewNavigator(page, a.navigated, a.logger)

	// Phase 2 wiring: subsystems register themselves once their library is ready.
	ready, _ := a.bus.Subscribe(bus.TopicRecorderReady, bus.TopicVitalsReady)
	a.wg.Add(1)
	go a.consumeReadiness(ready)

	page.HookNavigation(a.navigator.Wrap)
	page.OnPopState(a.navigator.PopState)

	a.enabled.Store(true)
	a.schedulePageView(a.navigator.LastURL())

	// Phase 1: independent, fire-and-forget library loads.
	if a.deps.Recorders != nil {
		a.wg.Add(1)
		go a.loadRecorder()
	}
	if a.deps.Vitals != nil {
		a.wg.Add(1)
		go a.loadVitals()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.flusher.Run(a.ctx)
	}()

	a.logger.Info("Agent initialized.", zap.Duration("flush_interval", a.opts.FlushInterval))
	return nil
}

// Flush drains the buffer immediately, outside the periodic schedule.
func (a *Agent) Flush(ctx context.Context) FlushOutcome {
	if !a.Enabled() {
		return FlushSkippedEmpty
	}
	return a.flusher.Flush(ctx)
}

// Close ends the page lifetime: it stops the scheduler and pending page
// views, optionally flushes what is left, and waits for the agent's
// goroutines until ctx is done.
func (a *Agent) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if !a.Enabled() {
			return
		}
		a.cancel()

		a.timersMu.Lock()
		a.closed = true
		for t := range a.timers {
			if t.Stop() {
				a.wg.Done()
			}
		}
		a.timers = nil
		a.timersMu.Unlock()

		done := make(chan struct{})
		go func() {
			a.bus.Shutdown()
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			a.logger.Warn("Agent shutdown deadline exceeded.", zap.Error(err))
			return
		}

		// Bounded by ctx, not by the collector timeout.
		if a.opts.FlushOnClose {
			outcome := a.flusher.Flush(ctx)
			a.logger.Debug("Final flush on close.", zap.Stringer("outcome", outcome))
			if outcome == FlushAbandoned {
				err = ctx.Err()
			}
		}
		a.logger.Info("Agent closed.")
	})
	return err
}

// navigated runs for every distinct in-app URL.
func (a *Agent) navigated(url string) {
	a.vitals.Reset()
	a.schedulePageView(url)
}

// schedulePageView reports url after the settle delay, carrying whatever
// vitals arrived in the meantime.
func (a *Agent) schedulePageView(url string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if a.closed {
		return
	}

	a.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(a.opts.SettleDelay, func() {
		defer a.wg.Done()
		a.timersMu.Lock()
		delete(a.timers, t)
		a.timersMu.Unlock()

		if a.ctx.Err() != nil {
			return
		}
		a.reporter.Track(a.ctx, url, a.vitals.Snapshot())
	})
	a.timers[t] = struct{}{}
}

func (a *Agent) loadRecorder() {
	defer a.wg.Done()
	rec, err := a.deps.Recorders.LoadRecorder(a.ctx)
	if err != nil {
		a.logger.Warn("Recorder library failed to load; session recording disabled.", zap.Error(err))
		return
	}
	if err := a.bus.Post(a.ctx, bus.TopicRecorderReady, rec); err != nil {
		a.logger.Debug("Recorder ready after shutdown.", zap.Error(err))
	}
}

func (a *Agent) loadVitals() {
	defer a.wg.Done()
	src, err := a.deps.Vitals.LoadVitals(a.ctx)
	if err != nil {
		a.logger.Warn("Web-Vitals library failed to load; vitals omitted.", zap.Error(err))
		return
	}
	if err := a.bus.Post(a.ctx, bus.TopicVitalsReady, src); err != nil {
		a.logger.Debug("Vitals ready after shutdown.", zap.Error(err))
	}
}

func (a *Agent) consumeReadiness(ready <-chan bus.Message) {
	defer a.wg.Done()
	for msg := range ready {
		switch msg.Topic {
		case bus.TopicRecorderReady:
			if rec, ok := msg.Payload.(Recorder); ok {
				if err := a.recorder.Start(a.ctx, rec); err != nil {
					a.logger.Warn("Session recording unavailable.", zap.Error(err))
				}
			}
		case bus.TopicVitalsReady:
			if src, ok := msg.Payload.(VitalsSource); ok {
				if err := a.vitals.Attach(a.ctx, src); err != nil {
					a.logger.Warn("Web-Vitals partially unavailable.", zap.Error(err))
				}
			}
		}
		a.bus.Acknowledge(msg)
	}
}
