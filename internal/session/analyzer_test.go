package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/detectors"
	"github.com/mdzesseis/quorum/pkg/ensemble"
	"github.com/mdzesseis/quorum/pkg/modelstore"
	"github.com/mdzesseis/quorum/pkg/types"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "quorum.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ms, err := modelstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("modelstore.New: %v", err)
	}
	orch := ensemble.New(ms, nil, []detectors.Detector{
		detectors.NewIsolationForest(20, 32, 0.1, 1),
		detectors.NewStatistical(detectors.MethodZScore, 3.0, 1.5),
	})

	a := New(st, orch, nil, nil)
	a.LargeDatasetThreshold = 50
	a.BatchSize = 10
	return a, st
}

func seedLogs(t *testing.T, st *store.Store, n int, start time.Time) {
	t.Helper()
	records := make([]types.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		msg := "session established for user"
		if i%7 == 0 {
			msg = "Failed password for root from 10.0.0.2 port 22"
		}
		records = append(records, types.LogRecord{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Source:    "sshd",
			Severity:  types.SeverityInfo,
			Message:   msg,
			Raw:       msg,
		})
	}
	if _, err := st.InsertBatch(context.Background(), records); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
}

func TestAnalyzeSinglePassFlagsAnomalies(t *testing.T) {
	a, st := newTestAnalyzer(t)
	start := time.Now().Add(-time.Hour)
	seedLogs(t, st, 30, start)

	result, err := a.Analyze(context.Background(), Params{
		Algorithm:    "ensemble",
		Start:        start.Add(-time.Minute),
		End:          start.Add(24 * time.Hour),
		ForceRetrain: true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Session.Status != types.SessionCompleted {
		t.Fatalf("expected completed session, got %s", result.Session.Status)
	}
	if result.Session.LogsAnalyzed != 30 {
		t.Fatalf("expected 30 logs analyzed, got %d", result.Session.LogsAnalyzed)
	}
	for _, an := range result.Anomalies {
		if an.Explanation == "" {
			t.Fatalf("expected non-empty explanation")
		}
	}
}

func TestAnalyzeChunksLargeWindow(t *testing.T) {
	a, st := newTestAnalyzer(t)
	start := time.Now().Add(-2 * time.Hour)
	seedLogs(t, st, 120, start)

	result, err := a.Analyze(context.Background(), Params{
		Algorithm:    "ensemble",
		Start:        start.Add(-time.Minute),
		End:          start.Add(24 * time.Hour),
		ForceRetrain: true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Session.LogsAnalyzed != 120 {
		t.Fatalf("expected 120 logs analyzed across chunks, got %d", result.Session.LogsAnalyzed)
	}
}

func TestExplainAppliesFixedPhrasesAndPrefix(t *testing.T) {
	snap := map[string]float64{
		"after_hours":         1,
		"hour_of_day":         3,
		"keyword_risk":        0.90,
		"has_failure_signal":  1,
		"has_privilege_signal": 0,
		"severity_level":      4,
		"message_length":      400,
		"source_risk":         0.10,
	}
	got := explain(snap, 0.923)
	want := "Anomaly (score 0.923): activity at unusual hour (03:00); high-risk keywords detected; authentication/access failure; high severity event; unusually long message"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExplainFallsBackWhenNoSignalsFire(t *testing.T) {
	snap := map[string]float64{}
	got := explain(snap, 0.561)
	want := "Statistical anomaly detected (score 0.561)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExplainSuspiciousKeywordBand(t *testing.T) {
	snap := map[string]float64{"keyword_risk": 0.65}
	got := explain(snap, 0.6)
	want := "Anomaly (score 0.600): suspicious keywords present"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGetSessionResultsRoundTrip(t *testing.T) {
	a, st := newTestAnalyzer(t)
	start := time.Now().Add(-time.Hour)
	seedLogs(t, st, 20, start)

	result, err := a.Analyze(context.Background(), Params{
		Start:        start.Add(-time.Minute),
		End:          start.Add(24 * time.Hour),
		ForceRetrain: true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	fetched, ok, err := a.GetSessionResults(context.Background(), result.Session.SessionID)
	if err != nil {
		t.Fatalf("GetSessionResults: %v", err)
	}
	if !ok {
		t.Fatal("expected session to be found")
	}
	if len(fetched.Anomalies) != len(result.Anomalies) {
		t.Fatalf("expected %d anomalies, got %d", len(result.Anomalies), len(fetched.Anomalies))
	}
}

func TestGetSessionResultsMissing(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	_, ok, err := a.GetSessionResults(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}
