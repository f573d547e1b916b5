// Package app wires every Quorum component into a single process:
// the persistent store, the model store, the detector ensemble, the
// session manager, the real-time tailer, and — on a hub node — the
// sync aggregator. All dependencies are constructed once at startup
// and held for the process lifetime; nothing here is a singleton
// reached for from elsewhere in the tree.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/internal/config"
	"github.com/mdzesseis/quorum/internal/devices"
	"github.com/mdzesseis/quorum/internal/hub"
	"github.com/mdzesseis/quorum/internal/metrics"
	"github.com/mdzesseis/quorum/internal/obs"
	"github.com/mdzesseis/quorum/internal/session"
	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/internal/tailer"
	"github.com/mdzesseis/quorum/pkg/detectors"
	"github.com/mdzesseis/quorum/pkg/ensemble"
	"github.com/mdzesseis/quorum/pkg/keys"
	"github.com/mdzesseis/quorum/pkg/modelstore"
	"github.com/mdzesseis/quorum/pkg/nodeid"
	"github.com/mdzesseis/quorum/pkg/technique"
	"github.com/mdzesseis/quorum/pkg/types"
)

// App holds every constructed dependency for the process lifetime.
type App struct {
	config *config.Config
	logger *logrus.Logger

	store         *store.Store
	modelStore    *modelstore.Store
	orchestrator  *ensemble.Orchestrator
	analyzer      *session.Analyzer
	tailer        *tailer.Tailer
	aggregator    *hub.Aggregator
	devicePoller  *devices.Poller
	nodeID        string

	metricsServer *metrics.Server
	tracer        *obs.TracerProvider
	apiServer     *http.Server

	cancelBackground context.CancelFunc
}

// New constructs the full dependency graph from a config file path
// (empty uses defaults plus environment overrides).
func New(ctx context.Context, configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := obs.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	id, err := nodeid.Load(cfg.Node.IdentityFile)
	if err != nil {
		return nil, err
	}
	logger.WithField("node_id", id).WithField("role", cfg.Node.Role).Info("node identity loaded")

	st, err := store.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	ms, err := modelstore.New(cfg.Storage.ModelStoreDir, logger)
	if err != nil {
		return nil, err
	}

	dset := []detectors.Detector{
		detectors.NewIsolationForest(100, 256, cfg.AI.Contamination, cfg.AI.RandomSeed),
		detectors.NewOneClassSVM(cfg.AI.Contamination, 0.1, cfg.AI.SVMMaxSamples, cfg.AI.RandomSeed),
		detectors.NewStatistical(detectors.MethodZScore, 3.0, 1.5),
	}
	orch := ensemble.New(ms, logger, dset)

	analyzer := session.New(st, orch, technique.DefaultTable(), logger)
	analyzer.LargeDatasetThreshold = cfg.AI.LargeDatasetThreshold
	analyzer.BatchSize = cfg.Storage.BatchSize

	tl := tailer.New(cfg.Tailer.QueueDepth, logger)

	tracer, err := obs.NewTracerProvider(ctx, obs.DefaultTracingConfig(), logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		config:        cfg,
		logger:        logger,
		store:         st,
		modelStore:    ms,
		orchestrator:  orch,
		analyzer:      analyzer,
		tailer:        tl,
		devicePoller:  devices.New(st, id, logger),
		nodeID:        id,
		metricsServer: metrics.NewServer(cfg.Metrics.Listen, logger),
		tracer:        tracer,
	}

	if cfg.Node.Role == "hub" {
		trusted, err := keys.LoadTrustedPublicKeys(cfg.Sync.PublicKeyDir)
		if err != nil {
			return nil, err
		}
		app.aggregator = hub.New(st, trusted, logger)
	}

	app.apiServer = &http.Server{Addr: ":8088", Handler: app.router()}
	return app, nil
}

func (a *App) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/sessions", a.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{id}", a.handleSessionResults).Methods(http.MethodGet)
	if a.aggregator != nil {
		r.HandleFunc("/api/v1/sync/import", a.handleSyncImport).Methods(http.MethodPost)
		r.HandleFunc("/api/v1/correlations", a.handleCorrelations).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/heatmap", a.handleHeatmap).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/dashboard", a.handleDashboard).Methods(http.MethodGet)
	}
	return r
}

// Run starts the background servers and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel

	if a.config.Metrics.Enabled {
		a.metricsServer.Start()
	}
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("api server error")
		}
	}()

	go a.tailer.Consume(bgCtx, a.store, a.handleStreamEvent)

	for _, p := range a.config.Tailer.Paths {
		if err := a.tailer.AddFile(bgCtx, p); err != nil {
			a.logger.WithError(err).WithField("file", p).Warn("failed to start tailing file")
		}
	}

	if a.aggregator != nil && a.config.Sync.InboxDir != "" {
		go func() {
			if err := a.aggregator.WatchInbox(bgCtx, a.config.Sync.InboxDir); err != nil {
				a.logger.WithError(err).Warn("inbox watcher stopped")
			}
		}()
	}

	if _, err := a.devicePoller.Scan(bgCtx); err != nil {
		a.logger.WithError(err).Warn("initial device scan failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}

// handleStreamEvent is the tailer's registered listener: it logs
// every real-time hit at a level matching its severity. Persistence of
// score >= 0.55 events is handled by the tailer's Consume loop itself.
func (a *App) handleStreamEvent(event types.StreamEvent) {
	fields := logrus.Fields{"file": event.File, "severity": event.Severity, "score": event.Score}
	switch event.Severity {
	case "CRITICAL", "HIGH":
		a.logger.WithFields(fields).Warn("real-time anomaly detected")
	default:
		a.logger.WithFields(fields).Debug("tailer event")
	}
}

// Stop tears every component down in reverse dependency order.
func (a *App) Stop() error {
	if a.cancelBackground != nil {
		a.cancelBackground()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.tailer.Stop()
	_ = a.apiServer.Shutdown(ctx)
	_ = a.metricsServer.Stop(ctx)
	_ = a.tracer.Shutdown(ctx)
	return a.store.Close()
}
