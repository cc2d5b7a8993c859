// Package launcher owns the Chromium process that hosts monitored pages.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/getmusterup/sentinel-agent/internal/config"
)

// ErrNotStarted is returned when a tab is requested before Start.
var ErrNotStarted = errors.New("browser not started")

// Launcher handles the lifecycle of the browser process and its tabs.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu              sync.Mutex
	allocatorCancel context.CancelFunc
	// browserCtx owns the browser process; tabs are derived from it.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// tabs tracks open tabs for a graceful shutdown.
	tabs sync.WaitGroup
}

// New creates a launcher; the browser starts with Start.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger.Named("launcher")}
}

// Start launches the browser process and verifies it responds.
func (l *Launcher) Start(ctx context.Context) error {
	l.logger.Info("Launching browser...", zap.Bool("headless", l.cfg.Headless))

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, AllocatorOptions(l.cfg)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and must not carry a deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	probeCtx, cancelProbe := context.WithTimeout(browserCtx, l.probeTimeout())
	defer cancelProbe()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		cancelBrowser()
		cancelAlloc()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	l.mu.Lock()
	l.allocatorCancel = cancelAlloc
	l.browserCtx = browserCtx
	l.browserCancel = cancelBrowser
	l.mu.Unlock()

	l.logger.Info("Browser launched and responsive.")
	return nil
}

func (l *Launcher) probeTimeout() time.Duration {
	if l.cfg.LoadTimeout > 0 {
		return l.cfg.LoadTimeout
	}
	return 30 * time.Second
}

// NewTab opens a tab and returns its chromedp context. The returned close
// function must be called exactly once.
func (l *Launcher) NewTab() (context.Context, func(), error) {
	l.mu.Lock()
	browserCtx := l.browserCtx
	l.mu.Unlock()
	if browserCtx == nil {
		return nil, nil, ErrNotStarted
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	// The first Run attaches the target.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open tab: %w", err)
	}

	l.tabs.Add(1)
	var once sync.Once
	closeTab := func() {
		once.Do(func() {
			cancel()
			l.tabs.Done()
		})
	}
	return tabCtx, closeTab, nil
}

// Shutdown waits for open tabs, bounded by ctx, then terminates the browser.
func (l *Launcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.tabs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	l.mu.Lock()
	browserCancel, allocCancel := l.browserCancel, l.allocatorCancel
	l.browserCtx, l.browserCancel, l.allocatorCancel = nil, nil, nil
	l.mu.Unlock()

	if browserCancel != nil {
		l.logger.Info("Shutting down browser process...")
		// Cancelling the first tab context closes the browser and waits for it.
		browserCancel()
		allocCancel()
	}
	return nil
}

// AllocatorOptions assembles the exec allocator options for cfg: chromedp's
// defaults overridden by Flags(cfg).
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range Flags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Flags maps command-line switches (without the leading dashes) to their
// values. A false value removes the switch.
func Flags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
		"disable-gpu":               cfg.Headless,
	}
	if cfg.ScreenWidth > 0 && cfg.ScreenHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.ScreenWidth, cfg.ScreenHeight)
	}

	// Containers (Docker on Linux) need these.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}

	// User-supplied arguments win.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}
