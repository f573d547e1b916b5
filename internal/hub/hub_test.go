package hub

import (
	"context"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/keys"
	"github.com/mdzesseis/quorum/pkg/syncpkg"
	"github.com/mdzesseis/quorum/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func exportPackage(t *testing.T, dir, sourceNode string, anomalies []types.SyncAnomaly) (string, *rsa.PublicKey) {
	t.Helper()
	privPath := filepath.Join(dir, sourceNode+".key")
	pubPath := filepath.Join(dir, sourceNode+".pem")
	if err := keys.GenerateAndSave(privPath, pubPath); err != nil {
		t.Fatalf("GenerateAndSave: %v", err)
	}
	priv, err := keys.LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	pub, err := keys.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}

	pkg := &types.SyncPackage{
		PackageID:  sourceNode + "-pkg",
		SourceNode: sourceNode,
		SyncMethod: "removable_media",
		CreatedAt:  time.Now().UTC(),
		Anomalies:  anomalies,
	}
	path := filepath.Join(dir, sourceNode+".qsp")
	if err := syncpkg.Export(pkg, priv, path); err != nil {
		t.Fatalf("Export: %v", err)
	}
	return path, pub
}

func TestImportPackageInsertsAnomalies(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path, pub := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, TechniqueID: "T1110", Tactic: "Credential Access", DetectedAt: time.Now().UTC()},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pub}, nil)
	result, err := agg.ImportPackage(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportPackage: %v", err)
	}
	if result.Imported != 1 {
		t.Fatalf("expected 1 imported, got %d", result.Imported)
	}
}

func TestImportPackageDedupsViaConstraint(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path, pub := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 42, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, DetectedAt: time.Now().UTC()},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pub}, nil)
	if _, err := agg.ImportPackage(context.Background(), path); err != nil {
		t.Fatalf("first ImportPackage: %v", err)
	}
	result, err := agg.ImportPackage(context.Background(), path)
	if err != nil {
		t.Fatalf("second ImportPackage: %v", err)
	}
	if result.Duplicates != 1 || result.Imported != 0 {
		t.Fatalf("expected dedup on re-import, got %+v", result)
	}
}

func TestCorrelateRequiresMultipleNodes(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	now := time.Now().UTC()

	pathA, pubA := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, TechniqueID: "T1110", Tactic: "Credential Access", DetectedAt: now},
	})
	pathB, pubB := exportPackage(t, dir, "node-b", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.88, Algorithm: "ensemble", Severity: types.SeverityHigh, TechniqueID: "T1110", Tactic: "Credential Access", DetectedAt: now},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pubA, "node-b": pubB}, nil)
	if _, err := agg.ImportPackage(context.Background(), pathA); err != nil {
		t.Fatalf("ImportPackage a: %v", err)
	}
	if _, err := agg.ImportPackage(context.Background(), pathB); err != nil {
		t.Fatalf("ImportPackage b: %v", err)
	}

	correlations, err := agg.Correlate(context.Background(), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(correlations) != 1 {
		t.Fatalf("expected 1 correlation, got %d", len(correlations))
	}
	if correlations[0].ThreatLevel != "HIGH" {
		t.Fatalf("expected HIGH threat level for 2 nodes, got %s", correlations[0].ThreatLevel)
	}
	if correlations[0].NodeCount != 2 {
		t.Fatalf("expected node count 2, got %d", correlations[0].NodeCount)
	}
}

func TestImportPackageRejectsUntrustedNode(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path, _ := exportPackage(t, dir, "node-a", nil)

	agg := New(st, map[string]*rsa.PublicKey{}, nil)
	if _, err := agg.ImportPackage(context.Background(), path); err == nil {
		t.Fatal("expected error for untrusted node")
	}
}

func TestImportPackageRegistersSourceNode(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path, pub := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, DetectedAt: time.Now().UTC()},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pub}, nil)
	if _, err := agg.ImportPackage(context.Background(), path); err != nil {
		t.Fatalf("ImportPackage: %v", err)
	}

	node, found, err := st.GetNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !found {
		t.Fatal("expected node-a to be registered after import")
	}
	if node.Totals.AnomaliesDetected != 1 {
		t.Fatalf("expected 1 anomaly recorded for node-a, got %d", node.Totals.AnomaliesDetected)
	}
}

func TestDashboardSummarizesRegisteredNodes(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path, pub := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, DetectedAt: time.Now().UTC()},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pub}, nil)
	if _, err := agg.ImportPackage(context.Background(), path); err != nil {
		t.Fatalf("ImportPackage: %v", err)
	}

	summary, err := agg.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if len(summary.Nodes) != 1 {
		t.Fatalf("expected 1 node in dashboard, got %d", len(summary.Nodes))
	}
}

func TestTacticHeatmapGroupsByNodeAndTactic(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	now := time.Now().UTC()
	path, pub := exportPackage(t, dir, "node-a", []types.SyncAnomaly{
		{OriginalID: 1, Score: 0.9, Algorithm: "ensemble", Severity: types.SeverityHigh, TechniqueID: "T1110", Tactic: "Credential Access", DetectedAt: now},
	})

	agg := New(st, map[string]*rsa.PublicKey{"node-a": pub}, nil)
	if _, err := agg.ImportPackage(context.Background(), path); err != nil {
		t.Fatalf("ImportPackage: %v", err)
	}

	heatmap, err := agg.TacticHeatmap(context.Background(), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("TacticHeatmap: %v", err)
	}
	if heatmap["node-a"]["Credential Access"] != 1 {
		t.Fatalf("expected 1 hit for node-a/Credential Access, got %+v", heatmap)
	}
}
