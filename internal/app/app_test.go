package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdzesseis/quorum/internal/session"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := `
storage:
  database_path: ` + filepath.Join(dir, "quorum.db") + `
  model_store_dir: ` + filepath.Join(dir, "models") + `
node:
  identity_file: ` + filepath.Join(dir, "node_identity.json") + `
  role: terminal
metrics:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func TestNewConstructsTerminalApp(t *testing.T) {
	a := newTestApp(t)
	if a.aggregator != nil {
		t.Fatal("expected no aggregator on a terminal node")
	}
	if a.nodeID == "" {
		t.Fatal("expected a generated node id")
	}
}

func TestHandleAnalyzeAndFetchResults(t *testing.T) {
	a := newTestApp(t)

	_, err := a.store.InsertBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	body := `{"algorithm":"statistical","start":"2020-01-01T00:00:00Z","end":"2030-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var result session.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+result.Session.SessionID, nil)
	getRec := httptest.NewRecorder()
	a.router().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestHandleSessionResultsMissingReturnsNotFound(t *testing.T) {
	a := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	a.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHubOnlyRoutesAbsentOnTerminal(t *testing.T) {
	a := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/correlations", nil)
	rec := httptest.NewRecorder()
	a.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected correlations route to be absent on a terminal node, got %d", rec.Code)
	}
}
