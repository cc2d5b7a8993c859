// Package cdphost hosts the telemetry agent in a real Chromium tab. A JS shim
// is installed on every document; it forwards navigation, recorder and
// vitals callbacks back to Go over CDP runtime bindings, and the Host adapts
// them to the tracker's page interfaces.
package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/getmusterup/sentinel-agent/internal/tracker"
)

// ErrNotInstalled is returned by page operations that need the shim before Install has run.
var ErrNotInstalled = errors.New("page shim not installed")

// Config selects the libraries the shim loads.
type Config struct {
	RecorderURL string
	VitalsURL   string
}

// snapshot is the page state last reported by the shim.
type snapshot struct {
	Href        string  `json:"href"`
	Referrer    string  `json:"referrer"`
	ScreenWidth int     `json:"screenWidth"`
	SiteID      *string `json:"siteId,omitempty"`
}

type observedKey struct{}

// Host is a tracker.Page, tracker.Embed, tracker.RecorderLoader and
// tracker.VitalsLoader backed by one chromedp tab.
type Host struct {
	tabCtx context.Context
	cfg    Config
	logger *zap.Logger
	script string

	mu           sync.RWMutex
	installed    bool
	state        snapshot
	navigate     tracker.NavigateFunc
	popListeners []func()
	emit         tracker.EmitFunc
	vitalsCBs    map[tracker.MetricName]func(tracker.Metric)

	documents chan string
}

var (
	_ tracker.Page           = (*Host)(nil)
	_ tracker.Embed          = (*Host)(nil)
	_ tracker.RecorderLoader = (*Host)(nil)
	_ tracker.VitalsLoader   = (*Host)(nil)
)

// New prepares a host for the chromedp tab context tabCtx. Nothing is sent to
// the browser until Install.
func New(tabCtx context.Context, cfg Config, logger *zap.Logger) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	script, err := BuildShim(shimTemplate, DefaultShimConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to build page shim: %w", err)
	}
	h := &Host{
		tabCtx:    tabCtx,
		cfg:       cfg,
		logger:    logger.Named("cdphost"),
		script:    script,
		vitalsCBs: make(map[tracker.MetricName]func(tracker.Metric)),
		documents: make(chan string, 4),
	}
	h.navigate = h.pushState
	return h, nil
}

// Install exposes the bindings, registers the shim for every new document and
// starts listening for binding calls and document navigations.
func (h *Host) Install(ctx context.Context) error {
	chromedp.ListenTarget(h.tabCtx, h.listen)

	err := h.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		for _, name := range []string{BindingNavigate, BindingPopState, BindingRecord, BindingVital} {
			if err := runtime.AddBinding(name).Do(c); err != nil {
				return fmt.Errorf("failed to expose binding (%s): %w", name, err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(h.script).Do(c); err != nil {
			return fmt.Errorf("failed to inject page shim persistently: %w", err)
		}
		return nil
	}))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.installed = true
	h.mu.Unlock()
	h.logger.Debug("Page shim installed.")
	return nil
}

// Open loads url as a new document and refreshes the page state. The
// document change it causes is not reported on Documents.
func (h *Host) Open(ctx context.Context, url string) error {
	if err := h.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	h.drainDocuments()
	return h.Sync(ctx)
}

// Sync re-reads location, referrer, screen width and the embed attribute
// from the current document. The shim is evaluated first in case the
// document predates Install.
func (h *Host) Sync(ctx context.Context) error {
	var s snapshot
	err := h.run(ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(h.script, nil),
		chromedp.Evaluate(`window.__sentinel.snapshot()`, &s),
	)
	if err != nil {
		return fmt.Errorf("failed to read page state: %w", err)
	}
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.logger.Debug("Page state synchronized.", zap.String("url", s.Href), zap.Bool("embed", s.SiteID != nil))
	return nil
}

// Reset drops every hook registered by a previous agent. Call it between
// page lifetimes, before handing the host to a new agent.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigate = h.pushState
	h.popListeners = nil
	h.emit = nil
	h.vitalsCBs = make(map[tracker.MetricName]func(tracker.Metric))
}

// Documents reports the URL of every full main-frame navigation, which ends
// the current page lifetime.
func (h *Host) Documents() <-chan string { return h.documents }

// Push performs an in-app navigation through the hooked navigation chain, as
// page code calling history.pushState would.
func (h *Host) Push(ctx context.Context, url string) error {
	h.mu.RLock()
	nav := h.navigate
	h.mu.RUnlock()
	return nav(ctx, url)
}

// Location implements tracker.Page.
func (h *Host) Location() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Href
}

// Referrer implements tracker.Page.
func (h *Host) Referrer() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Referrer
}

// ScreenWidth implements tracker.Page.
func (h *Host) ScreenWidth() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.ScreenWidth
}

// HookNavigation implements tracker.Page.
func (h *Host) HookNavigation(wrap func(tracker.NavigateFunc) tracker.NavigateFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigate = wrap(h.navigate)
}

// OnPopState implements tracker.Page.
func (h *Host) OnPopState(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.popListeners = append(h.popListeners, fn)
}

// SiteID implements tracker.Embed with the data-site-id attribute of the
// first script element carrying one.
func (h *Host) SiteID() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state.SiteID == nil {
		return "", false
	}
	return *h.state.SiteID, true
}

// LoadRecorder implements tracker.RecorderLoader by adding the recorder's
// script tag to the page and waiting for it to load.
func (h *Host) LoadRecorder(ctx context.Context) (tracker.Recorder, error) {
	if err := h.callAsync(ctx, "loadRecorder", h.cfg.RecorderURL); err != nil {
		return nil, fmt.Errorf("load recorder from %s: %w", h.cfg.RecorderURL, err)
	}
	return &pageRecorder{host: h}, nil
}

// LoadVitals implements tracker.VitalsLoader with a dynamic module import.
func (h *Host) LoadVitals(ctx context.Context) (tracker.VitalsSource, error) {
	if err := h.callAsync(ctx, "loadVitals", h.cfg.VitalsURL); err != nil {
		return nil, fmt.Errorf("load vitals from %s: %w", h.cfg.VitalsURL, err)
	}
	return &pageVitals{host: h}, nil
}

type pageRecorder struct{ host *Host }

func (r *pageRecorder) Record(ctx context.Context, emit tracker.EmitFunc) error {
	h := r.host
	h.mu.Lock()
	h.emit = emit
	h.mu.Unlock()

	if err := h.callAsync(ctx, "startRecording"); err != nil {
		h.mu.Lock()
		h.emit = nil
		h.mu.Unlock()
		return err
	}
	return nil
}

type pageVitals struct{ host *Host }

func (v *pageVitals) Subscribe(ctx context.Context, name tracker.MetricName, cb func(tracker.Metric)) error {
	h := v.host
	h.mu.Lock()
	h.vitalsCBs[name] = cb
	h.mu.Unlock()
	return h.callAsync(ctx, "subscribeVital", string(name))
}

// pushState is the base of the navigation chain. Pushes the shim already
// observed in the page have happened and only need the local state updated.
func (h *Host) pushState(ctx context.Context, url string) error {
	if observed, _ := ctx.Value(observedKey{}).(bool); observed {
		return nil
	}
	h.mu.RLock()
	installed := h.installed
	h.mu.RUnlock()
	if !installed {
		return ErrNotInstalled
	}

	arg, err := codec.Marshal(url)
	if err != nil {
		return err
	}
	var href string
	if err := h.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.__sentinel.push(%s)", arg), &href)); err != nil {
		return fmt.Errorf("pushState %s: %w", url, err)
	}
	h.mu.Lock()
	h.state.Href = href
	h.mu.Unlock()
	return nil
}

// callAsync invokes a shim method and waits for its promise to settle.
func (h *Host) callAsync(ctx context.Context, method string, args ...string) error {
	encoded := make([]string, 0, len(args))
	for _, a := range args {
		b, err := codec.Marshal(a)
		if err != nil {
			return err
		}
		encoded = append(encoded, string(b))
	}
	expr := fmt.Sprintf("window.__sentinel.%s(%s)", method, strings.Join(encoded, ","))

	var ok bool
	return h.run(ctx, chromedp.Evaluate(expr, &ok, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// run executes actions on the tab, bounded by both the tab and ctx.
func (h *Host) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(h.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// listen runs on chromedp's event goroutine and must not issue CDP commands.
func (h *Host) listen(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		h.handleBinding(e.Name, e.Payload)
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			h.documentChanged(e.Frame.URL)
		}
	}
}

func (h *Host) handleBinding(name, payload string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic during binding dispatch.",
				zap.String("binding", name),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	switch name {
	case BindingNavigate:
		s, ok := h.decodeLocation(name, payload)
		if !ok {
			return
		}
		h.mu.RLock()
		nav := h.navigate
		h.mu.RUnlock()
		ctx := context.WithValue(h.tabCtx, observedKey{}, true)
		if err := nav(ctx, s.Href); err != nil {
			h.logger.Warn("Navigation hook failed.", zap.String("url", s.Href), zap.Error(err))
		}

	case BindingPopState:
		if _, ok := h.decodeLocation(name, payload); !ok {
			return
		}
		h.mu.RLock()
		listeners := append([]func(){}, h.popListeners...)
		h.mu.RUnlock()
		for _, fn := range listeners {
			fn()
		}

	case BindingRecord:
		h.mu.RLock()
		emit := h.emit
		h.mu.RUnlock()
		if emit == nil {
			return
		}
		if !codec.Valid([]byte(payload)) {
			h.logger.Debug("Discarding malformed recorder event.", zap.Int("bytes", len(payload)))
			return
		}
		emit(json.RawMessage(payload))

	case BindingVital:
		var m tracker.Metric
		if err := codec.Unmarshal([]byte(payload), &m); err != nil {
			h.logger.Debug("Discarding malformed vitals payload.", zap.Error(err))
			return
		}
		h.mu.RLock()
		cb := h.vitalsCBs[m.Name]
		h.mu.RUnlock()
		if cb != nil {
			cb(m)
		}
	}
}

// decodeLocation applies a location report from the shim to the cached state.
func (h *Host) decodeLocation(binding, payload string) (snapshot, bool) {
	var s snapshot
	if err := codec.Unmarshal([]byte(payload), &s); err != nil || s.Href == "" {
		h.logger.Debug("Discarding malformed location payload.", zap.String("binding", binding), zap.String("payload", payload))
		return s, false
	}
	h.mu.Lock()
	h.state.Href = s.Href
	h.state.Referrer = s.Referrer
	if s.ScreenWidth > 0 {
		h.state.ScreenWidth = s.ScreenWidth
	}
	h.mu.Unlock()
	return s, true
}

func (h *Host) documentChanged(url string) {
	select {
	case h.documents <- url:
	default:
		h.logger.Warn("Dropping document change notification; consumer is behind.", zap.String("url", url))
	}
}

func (h *Host) drainDocuments() {
	for {
		select {
		case <-h.documents:
		default:
			return
		}
	}
}
