package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getmusterup/sentinel-agent/internal/browser/cdphost"
	"github.com/getmusterup/sentinel-agent/internal/browser/launcher"
	"github.com/getmusterup/sentinel-agent/internal/config"
	"github.com/getmusterup/sentinel-agent/internal/network"
	"github.com/getmusterup/sentinel-agent/internal/observability"
	"github.com/getmusterup/sentinel-agent/internal/tracker"
)

// shutdownTimeout bounds agent, transport and browser teardown.
const shutdownTimeout = 10 * time.Second

// runOptions are the run command's flags that are not configuration keys.
type runOptions struct {
	Target        string
	Duration      time.Duration
	Routes        []string
	RouteInterval time.Duration
}

// runAgent is replaced in tests.
var runAgent = runInBrowser

func newRunCmd(v *viper.Viper) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run URL",
		Short: "Open URL in a browser and report its telemetry until interrupted",
		Long: `Opens URL in a Chromium tab, attaches the agent to the page and ships
page views, Web-Vitals and session recordings to the collector. A full
document navigation starts a new page lifetime with a fresh agent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			opts.Target = args[0]
			return runAgent(cmd.Context(), cfg, *opts, observability.GetLogger())
		},
	}

	flags := cmd.Flags()
	flags.String("site-id", "", "site identifier; overrides the page's data-site-id attribute")
	flags.String("collector", "", "collector base URL")
	flags.Duration("flush-interval", 0, "session flush interval")
	flags.Bool("headless", true, "run the browser headless")
	flags.DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.StringSliceVar(&opts.Routes, "route", nil, "in-app path to pushState after load (repeatable)")
	flags.DurationVar(&opts.RouteInterval, "route-interval", 2*time.Second, "delay between --route navigations")

	// Flags override file and environment values only when set.
	for key, flag := range map[string]string{
		"agent.site_id":        "site-id",
		"collector.base_url":   "collector",
		"agent.flush_interval": "flush-interval",
		"browser.headless":     "headless",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

// runInBrowser launches the browser, opens the target and supervises agents
// until ctx is done or the duration elapses.
func runInBrowser(ctx context.Context, cfg *config.Config, opts runOptions, logger *zap.Logger) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	l := launcher.New(cfg.Browser, logger)
	if err := l.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = l.Shutdown(shutdownCtx)
	}()

	tabCtx, closeTab, err := l.NewTab()
	if err != nil {
		return err
	}
	defer closeTab()

	host, err := cdphost.New(tabCtx, cdphost.Config{
		RecorderURL: cfg.Agent.RecorderURL,
		VitalsURL:   cfg.Agent.VitalsURL,
	}, logger)
	if err != nil {
		return err
	}
	if err := host.Install(ctx); err != nil {
		return err
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, cfg.Browser.LoadTimeout)
	err = host.Open(openCtx, opts.Target)
	cancelOpen()
	if err != nil {
		return err
	}
	logger.Info("Page opened.", zap.String("url", host.Location()))

	client := network.NewClient(collectorClientConfig(cfg, logger))
	defer client.CloseIdleConnections()
	transport := tracker.NewHTTPTransport(client, cfg.Collector.Timeout, logger)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = transport.Close(drainCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return superviseAgents(gctx, host, transport, cfg, logger)
	})
	if len(opts.Routes) > 0 {
		g.Go(func() error {
			return driveRoutes(gctx, host, opts.Routes, opts.RouteInterval, logger)
		})
	}

	err = g.Wait()
	if opts.Duration > 0 && errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// pageHost is what a page lifetime needs from the browser tab.
type pageHost interface {
	tracker.Page
	tracker.Embed
	tracker.RecorderLoader
	tracker.VitalsLoader
	Documents() <-chan string
	Reset()
	Sync(ctx context.Context) error
}

// superviseAgents runs one agent per document. A full navigation closes the
// current agent and starts a fresh one with no session id.
func superviseAgents(ctx context.Context, host pageHost, transport tracker.Transport, cfg *config.Config, logger *zap.Logger) error {
	var embed tracker.Embed = host
	if cfg.Agent.SiteID != "" {
		embed = tracker.StaticEmbed(cfg.Agent.SiteID)
	}

	for lifetime := 1; ; lifetime++ {
		agent := tracker.New(tracker.Deps{
			Page:      host,
			Embed:     embed,
			Transport: transport,
			Recorders: host,
			Vitals:    host,
		}, agentOptions(cfg), logger.With(zap.Int("lifetime", lifetime)))

		if err := agent.Init(ctx); err != nil && !errors.Is(err, tracker.ErrMissingSiteID) {
			return fmt.Errorf("failed to start agent: %w", err)
		}

		var next string
		select {
		case <-ctx.Done():
		case next = <-host.Documents():
		}

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err := agent.Close(closeCtx)
		cancel()
		if err != nil {
			logger.Warn("Agent did not shut down cleanly.", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		logger.Info("Document changed; starting a new page lifetime.", zap.String("url", next))
		host.Reset()
		if err := host.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func agentOptions(cfg *config.Config) tracker.Options {
	return tracker.Options{
		TrackEndpoint:       cfg.Collector.TrackURL(),
		SessionEndpoint:     cfg.Collector.SessionURL(),
		FlushInterval:       cfg.Agent.FlushInterval,
		SettleDelay:         cfg.Agent.VitalsSettleDelay,
		RetainFailedBatches: cfg.Agent.RetainFailedBatches,
		FlushOnClose:        cfg.Agent.FlushOnClose,
	}
}

func collectorClientConfig(cfg *config.Config, logger *zap.Logger) *network.ClientConfig {
	cc := network.NewDefaultClientConfig()
	cc.IgnoreTLSErrors = cfg.Collector.IgnoreTLSErrors
	cc.Logger = logger.Named("collector")
	return cc
}

type pusher interface {
	Push(ctx context.Context, url string) error
}

// driveRoutes performs in-app navigations, one per interval.
func driveRoutes(ctx context.Context, p pusher, routes []string, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, route := range routes {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.Push(ctx, route); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("In-app navigation failed.", zap.String("route", route), zap.Error(err))
			continue
		}
		logger.Debug("In-app navigation issued.", zap.String("route", route))
	}
	return nil
}
