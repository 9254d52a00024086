package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/memorybridge/internal/agentapi"
	"github.com/antoniostano/memorybridge/internal/annotate"
	"github.com/antoniostano/memorybridge/internal/capture"
	"github.com/antoniostano/memorybridge/internal/config"
	"github.com/antoniostano/memorybridge/internal/delivery"
	"github.com/antoniostano/memorybridge/internal/observability"
	"github.com/antoniostano/memorybridge/internal/source"
)

// PageSource is a capture.Source with its own event loop.
type PageSource interface {
	capture.Source
	Run(ctx context.Context) error
	Close() error
}

// AgentOptions overrides parts of the agent wiring.
type AgentOptions struct {
	// Forwarder replaces the delivery queue, e.g. for dry runs.
	Forwarder capture.Forwarder
	// Source replaces the configured page source.
	Source PageSource
}

// Agent is a fully wired capture agent.
type Agent struct {
	Config    config.AgentConfig
	Session   *capture.Session
	Scheduler *capture.Scheduler
	Client    *delivery.Client
	Queue     *delivery.Queue
	Status    *agentapi.Server
	Metrics   *observability.CaptureMetrics
	Source    PageSource

	statusHandler http.Handler
}

// SchedulerConfig translates the agent configuration into scheduler
// settings.
func SchedulerConfig(cfg config.AgentConfig) (capture.SchedulerConfig, error) {
	sels := cfg.Selectors
	if len(sels) == 0 {
		sels = capture.DefaultSelectors
	}
	parsed, err := capture.ParseSelectors(sels)
	if err != nil {
		return capture.SchedulerConfig{}, err
	}
	markers, err := annotate.NewHistoryMarkers(cfg.HistoryMarkers.Preamble, cfg.HistoryMarkers.Lines, cfg.HistoryMarkers.Patterns)
	if err != nil {
		return capture.SchedulerConfig{}, err
	}
	return capture.SchedulerConfig{
		Interval:  cfg.ScanInterval,
		Selectors: parsed,
		Markers:   markers,
		Roles:     capture.DefaultRoleChain(),
	}, nil
}

// OpenSource picks the page source: a snapshot file, an existing browser,
// or a freshly launched one.
func OpenSource(ctx context.Context, cfg config.AgentConfig) (PageSource, error) {
	if cfg.File != "" {
		log.Info().Str("file", cfg.File).Msg("capturing from snapshot file")
		fs, err := source.NewFileSource(cfg.File)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	if cfg.ControlURL == "" && cfg.PageURL == "" {
		return nil, errors.New("no page source configured: set a file, a control url or a page url")
	}
	bs, err := source.OpenBrowser(ctx, source.BrowserConfig{
		ControlURL: cfg.ControlURL,
		PageURL:    cfg.PageURL,
		Headless:   cfg.Headless,
		Selectors:  cfg.Selectors,
	})
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// BuildAgent wires the capture pipeline from a validated configuration.
func BuildAgent(ctx context.Context, cfg config.AgentConfig, opts AgentOptions) (*Agent, error) {
	schedCfg, err := SchedulerConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("capture config: %w", err)
	}

	reg := newRegistry()
	metrics := observability.NewCaptureMetricsWithRegistry("memorybridge", reg)

	client := delivery.NewClient(delivery.ClientConfig{
		BaseURL:    cfg.APIURL,
		UserID:     cfg.UserID,
		LicenseKey: cfg.LicenseKey,
		Version:    cfg.Version,
		PageURL:    cfg.PageURL,
		Timeout:    cfg.RequestTimeout,
	})
	session := capture.NewSession(cfg.UserID, cfg.DedupCapacity)
	queue := delivery.NewQueue(client, delivery.QueueConfig{
		DrainInterval: cfg.DrainInterval,
		MaxAttempts:   cfg.MaxAttempts,
		OnDelivered: func(capture.Message) {
			session.MarkCaptured(time.Now())
		},
	}, metrics)

	src := opts.Source
	if src == nil {
		src, err = OpenSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	var fwd capture.Forwarder = queue
	if opts.Forwarder != nil {
		fwd = opts.Forwarder
	}

	sched, err := capture.NewScheduler(schedCfg, session, src, fwd, metrics)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	sched.WithHealth(client)
	if cfg.LicenseKey != "" {
		sched.WithLicense(client)
	}

	status := agentapi.New(agentapi.Config{}, session, queue, metrics, observability.MetricsHandlerFor(reg))

	return &Agent{
		Config:        cfg,
		Session:       session,
		Scheduler:     sched,
		Client:        client,
		Queue:         queue,
		Status:        status,
		Metrics:       metrics,
		Source:        src,
		statusHandler: status.Router(),
	}, nil
}

// Run drives the page source, capture loop, delivery drain and status
// server until ctx is done or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Source.Run(gctx)
	})
	g.Go(func() error {
		return a.Queue.Run(gctx)
	})
	g.Go(func() error {
		err := a.Scheduler.Run(gctx)
		if errors.Is(err, capture.ErrUnlicensed) {
			log.Error().Msg("license rejected; capture disabled")
		}
		return err
	})
	if a.Config.StatusAddr != "" {
		srv := &http.Server{
			Addr:              a.Config.StatusAddr,
			Handler:           a.statusHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", a.Config.StatusAddr).Msg("status api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the page source.
func (a *Agent) Close() error {
	return a.Source.Close()
}
