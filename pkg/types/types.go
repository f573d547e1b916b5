// Package types defines the data model shared across every Quorum
// component: log records, feature vectors, detector artifacts,
// anomalies, sessions, stream events, node records and sync packages.
package types

import (
	"strings"
	"time"
)

// Severity is the normalized severity band of a log record or anomaly.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// NormalizeSeverity maps raw severity tokens (including the ERROR/WARN/
// WARNING/DEBUG synonyms) onto the canonical band set. Unrecognized or
// empty input defaults to INFO.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "ERROR":
		return SeverityHigh
	case "MEDIUM", "WARN", "WARNING":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	case "DEBUG":
		return SeverityInfo
	case "INFO", "":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// LogRecord is the ingress record consumed by the analysis pipeline.
// It is created by external parsers, immutable once constructed, and
// owned by the persistent store.
type LogRecord struct {
	ID          int64
	Timestamp   time.Time
	Source      string
	EventID     string
	EventType   string
	Severity    Severity
	Message     string
	Hostname    string
	Username    string
	ProcessName string
	ProcessID   *int
	Raw         string
	Metadata    map[string]string
}

// FeatureArity is the fixed column count of a FeatureVector.
const FeatureArity = 20

// FeatureNames is the ordered schema of a FeatureVector, position for
// position matching the derivation rules of the feature extractor.
var FeatureNames = [FeatureArity]string{
	"hour_of_day",
	"day_of_week",
	"after_hours",
	"severity_level",
	"source_encoded",
	"source_risk",
	"event_type_encoded",
	"message_length",
	"word_count",
	"keyword_risk",
	"event_id_hash",
	"has_username",
	"has_hostname",
	"has_process",
	"process_id_norm",
	"has_failure_signal",
	"has_privilege_signal",
	"has_auth_signal",
	"has_ip_address",
	"has_port_number",
}

// DetectorArtifact is the persisted state of a fitted base detector.
type DetectorArtifact struct {
	Name             string
	FeatureArity     int
	Hyperparameters  map[string]interface{}
	TrainedStateBlob []byte
	IntegrityTag     string
	CreatedAt        time.Time
}

// Anomaly is a log record flagged by the ensemble, enriched by the
// technique mapper. Persisted exactly once per session per LogRef.
type Anomaly struct {
	ID          int64
	SessionID   string
	LogRef      int64
	Score       float64
	Algorithm   string
	Severity    Severity
	FeatureSnap map[string]float64
	Explanation string
	TechniqueID string
	Tactic      string
	DetectedAt  time.Time
}

// SessionStatus is the lifecycle state of an AnalysisSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// AnalysisSession is the lifecycle record of one analyze() run.
type AnalysisSession struct {
	SessionID         string
	StartTime         time.Time
	EndTime           *time.Time
	Status            SessionStatus
	LogsAnalyzed      int
	AnomaliesDetected int
	Parameters        map[string]interface{}
	Metadata          map[string]interface{}
}

// StreamEvent is a single tailer hand-off: a scored line from a
// watched file, delivered to at most one consumer.
type StreamEvent struct {
	File         string
	RawLine      string
	ParsedFields map[string]string
	Score        float64
	Severity     Severity
	ReceivedAt   time.Time
}

// NodeRole distinguishes terminal hosts from the aggregation hub.
type NodeRole string

const (
	RoleTerminal NodeRole = "terminal"
	RoleHub      NodeRole = "hub"
)

// NodeRecord describes a single host participating in the sync mesh.
type NodeRecord struct {
	NodeID     string
	Hostname   string
	Role       NodeRole
	Status     string
	IP         string
	OS         string
	Version    string
	LastSeen   time.Time
	LastSync   *time.Time
	Totals     NodeTotals
	SyncMethod string
	Metadata   map[string]string
}

// NodeTotals tracks the running anomaly counters used for threat-level
// classification (see ThreatLevel).
type NodeTotals struct {
	LogsAnalyzed      int64
	AnomaliesDetected int64
	CriticalCount     int64
	HighCount         int64
}

// ThreatLevel classifies a node's overall risk from its accumulated
// totals, grounded on the original node model's rate-based rating.
func (n NodeRecord) ThreatLevel() string {
	if n.Totals.AnomaliesDetected == 0 {
		return "CLEAN"
	}
	rate := float64(n.Totals.AnomaliesDetected) / float64(maxInt64(n.Totals.LogsAnalyzed, 1))
	switch {
	case n.Totals.CriticalCount > 0 && rate > 0.05:
		return "CRITICAL"
	case n.Totals.CriticalCount > 0 || rate > 0.02:
		return "HIGH"
	case n.Totals.HighCount > 0 || rate > 0.005:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// SyncPackage is the unit of terminal-to-hub export: a signed,
// immutable snapshot of anomalies plus their source records and a
// NodeRecord snapshot of the exporting host.
type SyncPackage struct {
	PackageID  string            `json:"package_id"`
	SourceNode string            `json:"source_node"`
	TargetNode string            `json:"target_node,omitempty"`
	SyncMethod string            `json:"sync_method"`
	CreatedAt  time.Time         `json:"created_at"`
	Anomalies  []SyncAnomaly     `json:"anomalies"`
	LogSummary NodeSnapshot      `json:"logs_summary"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Signature  string            `json:"signature,omitempty"`
}

// SyncAnomaly is the denormalized anomaly+record pair carried inside a
// SyncPackage so the hub never needs to dereference the terminal's
// local log store.
type SyncAnomaly struct {
	OriginalID  int64     `json:"original_id"`
	Score       float64   `json:"score"`
	Algorithm   string    `json:"algorithm"`
	Severity    Severity  `json:"severity"`
	Explanation string    `json:"explanation"`
	TechniqueID string    `json:"technique_id,omitempty"`
	Tactic      string    `json:"tactic,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	Source      string    `json:"source"`
	Message     string    `json:"message"`
	Hostname    string    `json:"hostname"`
	Timestamp   time.Time `json:"timestamp"`
}

// NodeSnapshot is the NodeRecord fields embedded in a SyncPackage.
type NodeSnapshot struct {
	NodeID   string    `json:"node_id"`
	Hostname string    `json:"hostname"`
	OS       string    `json:"os"`
	Version  string    `json:"version"`
	Snapshot time.Time `json:"snapshot_at"`
}

// HubAnomaly is an imported SyncAnomaly, unique per (OriginalID, SourceNode).
type HubAnomaly struct {
	ID          int64
	OriginalID  int64
	SourceNode  string
	Score       float64
	Algorithm   string
	Severity    Severity
	Explanation string
	TechniqueID string
	Tactic      string
	DetectedAt  time.Time
	Source      string
	Message     string
	Hostname    string
	ImportedAt  time.Time
}

// Correlation is a cross-node technique correlation row.
type Correlation struct {
	TechniqueID   string
	Tactic        string
	NodeCount     int
	TotalHits     int
	AffectedNodes []string
	AvgScore      float64
	FirstSeen     time.Time
	LastSeen      time.Time
	ThreatLevel   string
}

// SyncLogEntry records one hub import operation.
type SyncLogEntry struct {
	SyncID          string
	SourceNode      string
	TargetNode      string
	SyncMethod      string
	AnomaliesSynced int
	SyncedAt        time.Time
	PackagePath     string
}

// DeviceRecord is one observation of a mounted storage volume, taken
// by the removable-media poller so an air-gapped sync workflow can be
// traced back to the physical device that carried it.
type DeviceRecord struct {
	ID          int64
	DeviceID    string
	NodeID      string
	MountPoint  string
	DeviceClass string // "removable" or "fixed"
	RiskScore   float64
	SeenAt      time.Time
}
