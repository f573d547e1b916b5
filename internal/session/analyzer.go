// Package session implements the Analysis Session Manager (C7): it
// opens a session, pulls candidate log records for a time window
// (chunking large windows), runs the ensemble orchestrator per chunk,
// attaches attack-technique matches and human-readable explanations to
// flagged rows, persists the anomalies, and closes the session with
// its final status and totals.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/ensemble"
	"github.com/mdzesseis/quorum/pkg/features"
	"github.com/mdzesseis/quorum/pkg/qerrors"
	"github.com/mdzesseis/quorum/pkg/technique"
	"github.com/mdzesseis/quorum/pkg/types"
)

// Defaults for the process-wide analysis knobs; Params overrides any
// of them per call.
const (
	DefaultLargeDatasetThreshold = 100000
	DefaultBatchSize             = 10000
)

// Params configures one analyze() invocation.
type Params struct {
	Algorithm      string // "" or "ensemble" runs every detector; a detector name runs it alone
	Start          time.Time
	End            time.Time
	Threshold      float64 // 0 means use the ensemble's own percentile threshold
	IncludeRawLogs bool
	ForceRetrain   bool
}

// Result is the outcome of one Analyze call.
type Result struct {
	Session   types.AnalysisSession
	Anomalies []types.Anomaly
}

// Analyzer is the session manager. A single Analyzer is safe to reuse
// across sessions; it holds no per-session state.
type Analyzer struct {
	Store                 *store.Store
	Orchestrator          *ensemble.Orchestrator
	Techniques            *technique.Table
	Logger                *logrus.Logger
	LargeDatasetThreshold int
	BatchSize             int
}

// New constructs an Analyzer with the process-wide defaults, using
// technique.DefaultTable() when table is nil.
func New(st *store.Store, orch *ensemble.Orchestrator, table *technique.Table, logger *logrus.Logger) *Analyzer {
	if table == nil {
		table = technique.DefaultTable()
	}
	return &Analyzer{
		Store:                 st,
		Orchestrator:          orch,
		Techniques:            table,
		Logger:                logger,
		LargeDatasetThreshold: DefaultLargeDatasetThreshold,
		BatchSize:             DefaultBatchSize,
	}
}

// Analyze runs one full analysis session over the requested window,
// chunking when the candidate count exceeds LargeDatasetThreshold.
func (a *Analyzer) Analyze(ctx context.Context, p Params) (Result, error) {
	sessionID := uuid.NewString()
	startedAt := time.Now().UTC()

	session := types.AnalysisSession{
		SessionID: sessionID,
		StartTime: startedAt,
		Status:    types.SessionRunning,
		Parameters: map[string]interface{}{
			"algorithm":        algorithmOrDefault(p.Algorithm),
			"start":            p.Start,
			"end":              p.End,
			"threshold":        p.Threshold,
			"include_raw_logs": p.IncludeRawLogs,
			"force_retrain":    p.ForceRetrain,
		},
	}
	if err := a.Store.OpenSession(ctx, session); err != nil {
		return Result{}, qerrors.Database("session", "open", err.Error()).Wrap(err)
	}

	anomalies, analyzed, err := a.runWindowed(ctx, sessionID, p)
	endedAt := time.Now().UTC()
	if err != nil {
		_ = a.Store.CloseSession(ctx, sessionID, types.SessionFailed, endedAt, analyzed, len(anomalies))
		session.Status = types.SessionFailed
		session.EndTime = &endedAt
		return Result{Session: session, Anomalies: anomalies}, err
	}

	if err := a.Store.CloseSession(ctx, sessionID, types.SessionCompleted, endedAt, analyzed, len(anomalies)); err != nil {
		return Result{}, qerrors.Database("session", "close", err.Error()).Wrap(err)
	}
	session.Status = types.SessionCompleted
	session.EndTime = &endedAt
	session.LogsAnalyzed = analyzed
	session.AnomaliesDetected = len(anomalies)

	return Result{Session: session, Anomalies: anomalies}, nil
}

// GetSessionResults returns a previously run session plus its anomalies.
func (a *Analyzer) GetSessionResults(ctx context.Context, sessionID string) (Result, bool, error) {
	session, ok, err := a.Store.FetchSession(ctx, sessionID)
	if err != nil {
		return Result{}, false, qerrors.Database("session", "fetch", err.Error()).Wrap(err)
	}
	if !ok {
		return Result{}, false, nil
	}
	anomalies, err := a.Store.FetchAnomaliesBySession(ctx, sessionID)
	if err != nil {
		return Result{}, false, qerrors.Database("session", "fetch_anomalies", err.Error()).Wrap(err)
	}
	return Result{Session: session, Anomalies: anomalies}, true, nil
}

func (a *Analyzer) runWindowed(ctx context.Context, sessionID string, p Params) ([]types.Anomaly, int, error) {
	count, err := a.Store.CountLogsInWindow(ctx, p.Start, p.End)
	if err != nil {
		return nil, 0, qerrors.Database("session", "count_window", err.Error()).Wrap(err)
	}
	if count == 0 {
		return nil, 0, nil
	}

	chunkSize := count
	if count > a.LargeDatasetThreshold {
		chunkSize = a.effectiveBatchSize()
	}

	var anomalies []types.Anomaly
	analyzed := 0
	for offset := 0; offset < count; offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return anomalies, analyzed, err
		}
		records, err := a.Store.FetchLogsInWindow(ctx, p.Start, p.End, chunkSize, offset)
		if err != nil {
			return anomalies, analyzed, qerrors.Database("session", "fetch_chunk", err.Error()).Wrap(err)
		}
		if len(records) == 0 {
			continue
		}

		chunkAnomalies, err := a.processChunk(ctx, sessionID, records, p)
		if err != nil {
			return anomalies, analyzed, err
		}
		anomalies = append(anomalies, chunkAnomalies...)
		analyzed += len(records)
	}
	return anomalies, analyzed, nil
}

func (a *Analyzer) effectiveBatchSize() int {
	if a.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return a.BatchSize
}

func (a *Analyzer) processChunk(ctx context.Context, sessionID string, records []types.LogRecord, p Params) ([]types.Anomaly, error) {
	m, _, _, err := features.Extract(records)
	if err != nil {
		return nil, qerrors.AIEngine("session", "extract", err.Error()).Wrap(err)
	}

	var result ensemble.Result
	algo := algorithmOrDefault(p.Algorithm)
	if algo == "ensemble" {
		result, err = a.Orchestrator.RunEnsemble(ctx, m, records, p.ForceRetrain)
	} else {
		result, err = a.Orchestrator.RunSingle(ctx, algo, m, records, p.ForceRetrain)
	}
	if err != nil {
		return nil, qerrors.AIEngine("session", "run_ensemble", err.Error()).Wrap(err)
	}

	thresh := result.Threshold
	if p.Threshold > 0 {
		thresh = p.Threshold
	}

	var anomalies []types.Anomaly
	now := time.Now().UTC()
	for i, calibrated := range result.Calibrated {
		flagged := result.Labels[i] == -1
		if p.Threshold > 0 {
			flagged = calibrated >= thresh
		}
		if !flagged {
			continue
		}
		rec := records[i]
		snap := m.RowSnapshot(i)
		techID, tactic := a.Techniques.First(rec.EventID, rec.Message, rec.EventType)

		anomalies = append(anomalies, types.Anomaly{
			SessionID:   sessionID,
			LogRef:      rec.ID,
			Score:       calibrated,
			Algorithm:   algo,
			Severity:    types.NormalizeSeverity(string(severityFromScore(calibrated))),
			FeatureSnap: snap,
			Explanation: explain(snap, calibrated),
			TechniqueID: techID,
			Tactic:      tactic,
			DetectedAt:  now,
		})
	}

	if err := a.Store.InsertAnomalies(ctx, anomalies); err != nil {
		return nil, qerrors.Database("session", "insert_anomalies", err.Error()).Wrap(err)
	}
	return anomalies, nil
}

func algorithmOrDefault(algo string) string {
	if algo == "" {
		return "ensemble"
	}
	return algo
}

func severityFromScore(score float64) types.Severity {
	switch ensemble.SeverityBand(score) {
	case "CRITICAL":
		return types.SeverityCritical
	case "HIGH":
		return types.SeverityHigh
	case "MEDIUM":
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// explain builds the deterministic narrative defined in §4.7.1: a
// fixed set of phrases selected by exact threshold rules and joined
// with "; ", or a fallback when none fire.
func explain(snap map[string]float64, score float64) string {
	var phrases []string

	if snap["after_hours"] >= 1 {
		phrases = append(phrases, fmt.Sprintf("activity at unusual hour (%02d:00)", int(snap["hour_of_day"])))
	}
	switch {
	case snap["keyword_risk"] >= 0.85:
		phrases = append(phrases, "high-risk keywords detected")
	case snap["keyword_risk"] >= 0.60:
		phrases = append(phrases, "suspicious keywords present")
	}
	if snap["has_failure_signal"] >= 1 {
		phrases = append(phrases, "authentication/access failure")
	}
	if snap["has_privilege_signal"] >= 1 {
		phrases = append(phrases, "privilege escalation activity")
	}
	if snap["severity_level"] >= 4 {
		phrases = append(phrases, "high severity event")
	}
	if snap["message_length"] > 300 {
		phrases = append(phrases, "unusually long message")
	}
	if snap["source_risk"] >= 0.60 {
		phrases = append(phrases, "high-risk source")
	}

	if len(phrases) == 0 {
		return fmt.Sprintf("Statistical anomaly detected (score %.3f)", score)
	}
	return fmt.Sprintf("Anomaly (score %.3f): %s", score, strings.Join(phrases, "; "))
}
