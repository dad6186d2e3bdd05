package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/presence"
	"github.com/franz/live-indexer/internal/report"
	"github.com/franz/live-indexer/internal/scan"
	"github.com/franz/live-indexer/internal/search"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// app wires the components one command needs
type app struct {
	cfg      *Config
	db       *store.Store
	events   *report.EventLogger
	registry *presence.SQLiteRegistry
	presence *presence.Validator
	metrics  *metrics.Metrics
	server   *http.Server
}

type appOptions struct {
	// events opens a JSONL event log in cfg.EventsDir
	events bool
	// serveMetrics starts the Prometheus endpoint when configured
	serveMetrics bool
}

func openApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{cfg: cfg, db: db, events: report.NullLogger()}

	if opts.events && cfg.EventsDir != "" {
		logger, err := report.NewEventLogger(cfg.EventsDir, report.ParseLevel(cfg.EventsLevel))
		if err != nil {
			util.WarnLog("Failed to create event logger: %v", err)
		} else {
			a.events = logger
			util.DebugLog("Event log: %s", logger.Path())
		}
	}

	var registry presence.PluginRegistry
	if cfg.PluginDBDir != "" {
		a.registry, err = presence.OpenSQLiteRegistry(cfg.PluginDBDir)
		if err != nil {
			util.WarnLog("Plugin database unavailable, plugin presence will not be checked: %v", err)
		} else {
			registry = a.registry
		}
	}
	a.presence = presence.New(&presence.Config{
		Registry:    registry,
		CacheTTL:    cfg.Presence.CacheTTL,
		Concurrency: cfg.Concurrency,
	})

	promRegistry := prometheus.NewRegistry()
	if a.metrics, err = metrics.New(promRegistry); err != nil {
		a.Close()
		return nil, err
	}
	if opts.serveMetrics && cfg.Metrics.Addr != "" {
		a.serve(promRegistry)
	}

	return a, nil
}

func (a *app) serve(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.WarnLog("Metrics endpoint stopped: %v", err)
		}
	}()
	util.InfoLog("Metrics: http://%s/metrics", a.cfg.Metrics.Addr)
}

func (a *app) orchestrator() (*scan.Orchestrator, error) {
	return scan.New(&scan.Config{
		Store:       a.db,
		Extensions:  a.cfg.Extensions,
		Exclude:     a.cfg.Exclude,
		Concurrency: a.cfg.Concurrency,
		Presence:    a.presence,
		Metrics:     a.metrics,
		Events:      a.events,
	})
}

func (a *app) searchEngine() *search.Engine {
	return search.New(&search.Config{
		Store:         a.db,
		MinSimilarity: a.cfg.Search.MinSimilarity,
		Limit:         a.cfg.Search.Limit,
		Metrics:       a.metrics,
	})
}

// roots returns args when given, otherwise the configured roots
func (a *app) roots(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(a.cfg.Roots) == 0 {
		return nil, fmt.Errorf("no project roots given (pass them as arguments or set roots in config): %w", util.ErrInvalidConfig)
	}
	return a.cfg.Roots, nil
}

func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.server.Shutdown(ctx)
		cancel()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	a.events.Close()
	a.db.Close()
}

// resolveProject accepts a project ID or a path to a project file
func resolveProject(db *store.Store, ref string) (*store.Project, error) {
	p, err := db.GetProject(ref)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p, err = db.GetProjectByPath(util.NormalizePath(ref, ""))
		if err != nil {
			return nil, err
		}
	}
	if p == nil {
		return nil, fmt.Errorf("project %q: %w", ref, util.ErrNotFound)
	}
	return p, nil
}
