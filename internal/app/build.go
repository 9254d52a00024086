package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/cache"
	"github.com/antoniostano/memorybridge/internal/config"
	"github.com/antoniostano/memorybridge/internal/httpapi"
	"github.com/antoniostano/memorybridge/internal/ingest"
	"github.com/antoniostano/memorybridge/internal/memory"
	"github.com/antoniostano/memorybridge/internal/observability"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Service *ingest.Service
	Store   memory.Store
	Cache   cache.Cache
	Metrics *observability.Metrics

	// Cleanup should be called on shutdown to release the store and cache.
	Cleanup func() error
}

// newRegistry returns a registry carrying the standard Go and process
// collectors alongside the service's own instruments.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Build wires the ingestion service from cfg.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	reg := newRegistry()
	metrics := observability.NewMetricsWithRegistry(cfg.MetricsNamespace, reg)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	var c cache.Cache = cache.Nop{}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("cache init failed: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup; reads will fall back to the store")
		}
		c = rc
	}
	log.Info().Str("store", store.Mode()).Str("cache", c.Mode()).Msg("storage ready")

	service := ingest.NewService(store, c, metrics, ingest.Config{
		RedactPII:      cfg.RedactPII,
		MaxRecallLimit: cfg.RecallMaxLimit,
	})
	api := httpapi.New(cfg, service, observability.MetricsHandlerFor(reg))

	cleanup := func() error {
		var errs []string
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Service: service,
		Store:   store,
		Cache:   c,
		Metrics: metrics,
		Cleanup: cleanup,
	}, nil
}

// Handler is a convenience for callers that only need the router.
func (b *BuildResult) Handler() http.Handler {
	return b.API.Router()
}
