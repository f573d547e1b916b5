package app

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/mdzesseis/quorum/internal/session"
)

type analyzeRequest struct {
	Algorithm      string    `json:"algorithm"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Threshold      float64   `json:"threshold"`
	IncludeRawLogs bool      `json:"include_raw_logs"`
	ForceRetrain   bool      `json:"force_retrain"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.analyzer.Analyze(r.Context(), session.Params{
		Algorithm:      req.Algorithm,
		Start:          req.Start,
		End:            req.End,
		Threshold:      req.Threshold,
		IncludeRawLogs: req.IncludeRawLogs,
		ForceRetrain:   req.ForceRetrain,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *App) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	result, found, err := a.analyzer.GetSessionResults(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, os.ErrNotExist)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleSyncImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.aggregator.ImportPackage(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func sinceParam(r *http.Request) (time.Time, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		return time.Parse(time.RFC3339, raw)
	}
	return since, nil
}

func (a *App) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	correlations, err := a.aggregator.Correlate(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, correlations)
}

func (a *App) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	heatmap, err := a.aggregator.TacticHeatmap(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, heatmap)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := a.aggregator.Dashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
