// Package metrics exposes the Prometheus instrumentation surface for
// the analysis pipeline, the tailer, and the sync mesh.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	LogsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_logs_ingested_total",
			Help: "Total number of log records ingested into the store",
		},
		[]string{"source"},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_analysis_sessions_total",
			Help: "Total number of analysis sessions, by terminal status",
		},
		[]string{"status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_analysis_session_duration_seconds",
			Help:    "Wall-clock duration of analysis sessions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_anomalies_detected_total",
			Help: "Total number of anomalies flagged, by severity",
		},
		[]string{"severity"},
	)

	DetectorFitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_detector_fit_duration_seconds",
			Help:    "Time spent fitting a base detector",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	DetectorFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_detector_fallback_total",
			Help: "Total number of detector failures that fell back to a zero contribution",
		},
		[]string{"detector"},
	)

	TailerLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_tailer_lines_total",
			Help: "Total number of lines observed by the real-time tailer",
		},
		[]string{"file"},
	)

	TailerRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_tailer_rotations_total",
			Help: "Total number of file rotations detected by the tailer",
		},
		[]string{"file"},
	)

	SyncPackagesExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_sync_packages_exported_total",
		Help: "Total number of sync packages exported by this node",
	})

	SyncPackagesImportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_sync_packages_imported_total",
			Help: "Total number of sync packages imported, by verification outcome",
		},
		[]string{"outcome"},
	)

	HubAnomaliesDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_hub_anomalies_deduped_total",
		Help: "Total number of imported anomalies rejected as duplicates by the unique constraint",
	})
)

// RecordAnomaly increments the anomaly counter for severity.
func RecordAnomaly(severity string) {
	AnomaliesDetectedTotal.WithLabelValues(severity).Inc()
}

// RecordDetectorFallback increments the fallback counter for a
// detector that failed and contributed a zero vector.
func RecordDetectorFallback(detector string) {
	DetectorFallbackTotal.WithLabelValues(detector).Inc()
}

// RecordSessionOutcome increments the session counter for a terminal
// status ("completed" or "failed").
func RecordSessionOutcome(status string) {
	SessionsTotal.WithLabelValues(status).Inc()
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer builds a metrics server bound to addr (e.g. ":9464").
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		logger:     logger,
	}
}

// Start runs the server in the background; errors after shutdown are
// not logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.WithError(err).Error("metrics server error")
			}
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
