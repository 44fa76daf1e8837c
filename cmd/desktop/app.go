package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/incidentdesk/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/incidentdesk/backend/internal/config"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/remote"
	"github.com/kimhsiao/incidentdesk/backend/internal/services"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/connectivity"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/dedup"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/lock"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/notify"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/scheduler"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
)

// App is the fully wired desktop process.
type App struct {
	cfg      *config.Config
	store    store.Store
	registry *prometheus.Registry
	notifier *notify.Notifier

	Engine    *sync.Engine
	Incidents *services.IncidentService
	Hub       *WSHub

	server *http.Server
}

// setupLogging configures the package logger from cfg.
func setupLogging(out io.Writer, cfg *config.Config) {
	logging.Configure(out, logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format))
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case "badger":
		bc := store.DefaultBadgerConfig(cfg.StorePath())
		bc.SyncWrites = cfg.Store.SyncWrites
		bc.Logger = logging.Get()
		return store.NewBadgerStore(bc)
	default:
		return store.NewSQLiteStore(cfg.StorePath())
	}
}

// queueOptions maps the sync section onto outbox tuning.
func queueOptions(cfg *config.Config) queue.Options {
	opts := queue.DefaultOptions()
	opts.MaxRetries = cfg.Sync.MaxRetries
	opts.BaseBackoff = cfg.Sync.BaseBackoff()
	opts.MaxBackoff = cfg.Sync.MaxBackoff()
	opts.MaxSize = cfg.Sync.MaxQueueSize
	opts.Concurrency = cfg.Sync.FlushConcurrency
	return opts
}

// NewApp wires every component from cfg. The engine is not started.
func NewApp(cfg *config.Config) (*App, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.HealthPath,
		&http.Client{Timeout: cfg.Remote.Timeout()})

	monitor := connectivity.New(client, connectivity.Options{
		Interval: cfg.Sync.ProbeInterval(),
		Timeout:  cfg.Sync.ProbeTimeout(),
		Metrics:  metrics,
	})
	lk := lock.New(metrics)

	qopts := queueOptions(cfg)
	qopts.Online = monitor.IsOnline
	qopts.Reachable = func(ctx context.Context) bool { return monitor.Check(ctx).Online }
	qopts.Locker = lk
	qopts.Metrics = metrics
	q := queue.New(st, qopts)
	remote.RegisterHandlers(q, client)

	cache := store.NewCache(st)
	meta := store.NewMetadataStore(st)
	resolver := conflict.NewResolver(client, conflict.SenderFunc(q.Dispatch), cache, conflict.Options{
		Interactive: cfg.Conflict.Interactive,
		Strategy: func(collection string) models.ConflictStrategy {
			return meta.Strategy(context.Background(), collection)
		},
		Metrics: metrics,
	})

	notifier, err := notify.New(cfg.SignalDir(), notify.Options{TTL: cfg.Sync.SignalTTL()})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine := sync.NewEngine(sync.Components{
		Queue:    q,
		Cache:    cache,
		Metadata: meta,
		Lock:     lk,
		Dedup:    dedup.New(cfg.Sync.DedupWindow(), metrics),
		Monitor:  monitor,
		Resolver: resolver,
		Remote:   client,
		Notifier: notifier,
		Metrics:  metrics,
		Scheduler: &scheduler.SchedulerConfig{
			FlushInterval:   cfg.Sync.FlushInterval(),
			RefreshInterval: cfg.Sync.RefreshInterval(),
			FlushTimeout:    2 * time.Minute,
		},
		DefaultStrategy: models.ConflictStrategy(cfg.Conflict.DefaultStrategy),
	})

	hub := NewWSHub()
	engine.SetEventHandler(hub.BroadcastSyncEvent)
	hub.OnClientsChanged(func(n int) {
		engine.SetInteractive(cfg.Conflict.Interactive || n > 0)
	})

	return &App{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		notifier:  notifier,
		Engine:    engine,
		Incidents: services.NewIncidentService(engine),
		Hub:       hub,
	}, nil
}

// Start registers the synced collections and starts the engine.
func (a *App) Start(ctx context.Context) error {
	spec := services.CollectionSpec(models.ConflictStrategy(a.cfg.Conflict.DefaultStrategy))
	if err := a.Engine.RegisterCollection(ctx, spec); err != nil {
		return err
	}
	return a.Engine.Start(ctx)
}

// Routes builds the HTTP mux.
func (a *App) Routes() http.Handler {
	incidents := handlers.NewIncidentHandler(a.Incidents, 0)
	syncH := handlers.NewSyncHandler(a.Engine)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": "incidentdesk-desktop",
			"online":  a.Engine.Status(r.Context()).Connectivity.Online,
		})
	})

	mux.HandleFunc("GET /api/incidents", incidents.List)
	mux.HandleFunc("POST /api/incidents", incidents.Create)
	mux.HandleFunc("POST /api/incidents/refresh", incidents.Refresh)
	mux.HandleFunc("POST /api/incidents/bulk", incidents.Bulk)
	mux.HandleFunc("GET /api/incidents/{id}", incidents.Get)
	mux.HandleFunc("PATCH /api/incidents/{id}", incidents.Update)
	mux.HandleFunc("DELETE /api/incidents/{id}", incidents.Delete)
	mux.HandleFunc("POST /api/alerts", incidents.SendAlert)

	mux.HandleFunc("GET /api/sync/status", syncH.GetStatus)
	mux.HandleFunc("GET /api/sync/queue", syncH.ListQueue)
	mux.HandleFunc("POST /api/sync/queue/retry", syncH.RetryQueue)
	mux.HandleFunc("DELETE /api/sync/queue/{id}", syncH.RemoveOperation)
	mux.HandleFunc("POST /api/sync/flush", syncH.Flush)
	mux.HandleFunc("GET /api/sync/conflicts", syncH.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{id}/resolve", syncH.ResolveConflict)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", HandleWebSocket(a.Hub))
	return mux
}

// Serve listens on the configured address until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{"addr": a.cfg.Server.Addr})
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// Close stops the engine and releases resources.
func (a *App) Close() error {
	// Disconnecting clients on shutdown must not resolve parked conflicts.
	a.Hub.OnClientsChanged(nil)
	a.Hub.Close()
	a.Engine.Stop()
	if err := a.notifier.Close(); err != nil {
		logging.Warn("Failed to close notifier", map[string]interface{}{"error": err.Error()})
	}
	return a.store.Close()
}
