// Package hub implements the aggregation side of the sync mesh (C9):
// importing verified sync packages into hub_anomalies with genuine
// dedup via a DB-level UNIQUE(original_id, source_node) constraint,
// and computing cross-node technique correlations.
package hub

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/internal/metrics"
	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/qerrors"
	"github.com/mdzesseis/quorum/pkg/syncpkg"
	"github.com/mdzesseis/quorum/pkg/types"
)

// Aggregator imports sync packages and serves cross-node queries.
type Aggregator struct {
	Store   *store.Store
	Trusted map[string]*rsa.PublicKey
	Logger  *logrus.Logger
}

// New constructs an Aggregator.
func New(st *store.Store, trusted map[string]*rsa.PublicKey, logger *logrus.Logger) *Aggregator {
	return &Aggregator{Store: st, Trusted: trusted, Logger: logger}
}

// ImportResult reports how many anomalies from a package were newly
// imported versus rejected as duplicates by the unique constraint.
type ImportResult struct {
	SourceNode string
	Imported   int
	Duplicates int
}

// ImportPackage verifies and imports one .qsp file. Dedup relies
// solely on the database's own UNIQUE(original_id, source_node)
// constraint: every insert is attempted, and a constraint violation
// is the only signal that a row is a duplicate. A naive check-then-
// insert would race concurrent imports into double-counting the same
// anomaly.
func (a *Aggregator) ImportPackage(ctx context.Context, path string) (ImportResult, error) {
	pkg, err := syncpkg.Import(path, a.Trusted)
	if err != nil {
		metrics.SyncPackagesImportedTotal.WithLabelValues("rejected").Inc()
		return ImportResult{}, err
	}

	result := ImportResult{SourceNode: pkg.SourceNode}
	for _, sa := range pkg.Anomalies {
		ha := types.HubAnomaly{
			OriginalID:  sa.OriginalID,
			SourceNode:  pkg.SourceNode,
			Score:       sa.Score,
			Algorithm:   sa.Algorithm,
			Severity:    sa.Severity,
			Explanation: sa.Explanation,
			TechniqueID: sa.TechniqueID,
			Tactic:      sa.Tactic,
			DetectedAt:  sa.DetectedAt,
			Source:      sa.Source,
			Message:     sa.Message,
			Hostname:    sa.Hostname,
		}
		inserted, err := a.Store.InsertHubAnomaly(ctx, ha)
		if err != nil {
			return result, qerrors.Database("hub", "import_anomaly", err.Error()).Wrap(err)
		}
		if inserted {
			result.Imported++
			metrics.RecordAnomaly(string(sa.Severity))
		} else {
			result.Duplicates++
			metrics.HubAnomaliesDedupedTotal.Inc()
		}
	}

	now := time.Now().UTC()
	if err := a.Store.RecordSyncLog(ctx, types.SyncLogEntry{
		SyncID:          pkg.PackageID,
		SourceNode:      pkg.SourceNode,
		SyncMethod:      pkg.SyncMethod,
		AnomaliesSynced: result.Imported,
		SyncedAt:        now,
		PackagePath:     path,
	}); err != nil {
		return result, qerrors.Database("hub", "record_sync_log", err.Error()).Wrap(err)
	}

	existing, _, err := a.Store.GetNode(ctx, pkg.SourceNode)
	if err != nil {
		return result, qerrors.Database("hub", "get_node", err.Error()).Wrap(err)
	}
	if err := a.Store.UpsertNode(ctx, types.NodeRecord{
		NodeID:     pkg.SourceNode,
		Hostname:   pkg.SourceNode,
		Role:       types.RoleTerminal,
		Status:     "synced",
		LastSeen:   now,
		LastSync:   &now,
		SyncMethod: pkg.SyncMethod,
		Totals: types.NodeTotals{
			LogsAnalyzed:      existing.Totals.LogsAnalyzed,
			AnomaliesDetected: existing.Totals.AnomaliesDetected + int64(result.Imported),
		},
	}); err != nil {
		return result, qerrors.Database("hub", "upsert_node", err.Error()).Wrap(err)
	}

	metrics.SyncPackagesImportedTotal.WithLabelValues("accepted").Inc()
	return result, nil
}

// Correlate groups hub_anomalies by technique id across the last
// window and classifies each group's threat level: CRITICAL when
// three or more distinct nodes reported the same technique, HIGH when
// at least two did. Techniques seen from only one node are not
// correlations and are omitted.
func (a *Aggregator) Correlate(ctx context.Context, since time.Time) ([]types.Correlation, error) {
	rows, err := a.Store.FetchHubAnomaliesSince(ctx, since)
	if err != nil {
		return nil, qerrors.Database("hub", "correlate", err.Error()).Wrap(err)
	}

	type bucket struct {
		tactic   string
		nodes    map[string]struct{}
		hits     int
		scoreSum float64
		first    time.Time
		last     time.Time
	}
	buckets := map[string]*bucket{}
	for _, r := range rows {
		if r.TechniqueID == "" {
			continue
		}
		b, ok := buckets[r.TechniqueID]
		if !ok {
			b = &bucket{tactic: r.Tactic, nodes: map[string]struct{}{}, first: r.DetectedAt, last: r.DetectedAt}
			buckets[r.TechniqueID] = b
		}
		b.nodes[r.SourceNode] = struct{}{}
		b.hits++
		b.scoreSum += r.Score
		if r.DetectedAt.Before(b.first) {
			b.first = r.DetectedAt
		}
		if r.DetectedAt.After(b.last) {
			b.last = r.DetectedAt
		}
	}

	var out []types.Correlation
	for techID, b := range buckets {
		if len(b.nodes) < 2 {
			continue
		}
		nodes := make([]string, 0, len(b.nodes))
		for n := range b.nodes {
			nodes = append(nodes, n)
		}
		threat := "HIGH"
		if len(b.nodes) >= 3 {
			threat = "CRITICAL"
		}
		out = append(out, types.Correlation{
			TechniqueID:   techID,
			Tactic:        b.tactic,
			NodeCount:     len(b.nodes),
			TotalHits:     b.hits,
			AffectedNodes: nodes,
			AvgScore:      b.scoreSum / float64(b.hits),
			FirstSeen:     b.first,
			LastSeen:      b.last,
			ThreatLevel:   threat,
		})
	}
	return out, nil
}

// TacticHeatmap returns a node -> tactic -> hit-count matrix over the
// last window, a pure read-side aggregation over hub_anomalies.
func (a *Aggregator) TacticHeatmap(ctx context.Context, since time.Time) (map[string]map[string]int, error) {
	rows, err := a.Store.FetchHubAnomaliesSince(ctx, since)
	if err != nil {
		return nil, qerrors.Database("hub", "tactic_heatmap", err.Error()).Wrap(err)
	}
	heatmap := map[string]map[string]int{}
	for _, r := range rows {
		if r.Tactic == "" {
			continue
		}
		if heatmap[r.SourceNode] == nil {
			heatmap[r.SourceNode] = map[string]int{}
		}
		heatmap[r.SourceNode][r.Tactic]++
	}
	return heatmap, nil
}

// DashboardSummary is the hub's aggregated view of mesh health: every
// known node plus a severity breakdown across the whole registry.
type DashboardSummary struct {
	Nodes             []types.NodeRecord
	SeverityBreakdown map[string]int
	CriticalNodeCount int
}

// Dashboard returns the hub's aggregated node list and severity
// breakdown, for display on a hub operator's console.
func (a *Aggregator) Dashboard(ctx context.Context) (DashboardSummary, error) {
	nodes, err := a.Store.ListNodes(ctx)
	if err != nil {
		return DashboardSummary{}, qerrors.Database("hub", "dashboard", err.Error()).Wrap(err)
	}

	summary := DashboardSummary{Nodes: nodes, SeverityBreakdown: map[string]int{}}
	for _, n := range nodes {
		level := n.ThreatLevel()
		summary.SeverityBreakdown[level]++
		if level == "CRITICAL" {
			summary.CriticalNodeCount++
		}
	}
	return summary, nil
}
