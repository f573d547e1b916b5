// Package store is the persistent analytical store adapter: the
// concrete implementation of the "Persistent analytical store"
// external collaborator, backed by modernc.org/sqlite (pure Go,
// CGo-free — the natural fit for a single-binary air-gapped host).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mdzesseis/quorum/pkg/types"
)

// Store is the minimal persistence contract the core depends on:
// execute/execute_many/fetch_all/fetch_one/insert_batch plus table
// creation hooks at start-up.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; one connection avoids SQLITE_BUSY under our own lock discipline.

	s := &Store{db: db}
	if err := s.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close runs a final checkpoint and releases the connection, per the
// shared-resource teardown contract.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

// Execute runs a single statement that returns no rows.
func (s *Store) Execute(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ExecuteMany runs the same statement once per row of argsList inside
// a single transaction.
func (s *Store) ExecuteMany(ctx context.Context, query string, argsList [][]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, args := range argsList {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// FetchAll runs query and hands each row to scan, collecting results.
func (s *Store) FetchAll(ctx context.Context, query string, scan func(*sql.Rows) error, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FetchOne runs query expecting at most one row.
func (s *Store) FetchOne(ctx context.Context, query string, scan func(*sql.Row) error, args ...interface{}) error {
	row := s.db.QueryRowContext(ctx, query, args...)
	return scan(row)
}

// GetTableCount returns the row count of table (table name must be a
// known schema constant, never user input, since it is interpolated).
func (s *Store) GetTableCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	return count, err
}

// CreateSchema creates every table the core requires, if absent.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		event_id TEXT,
		event_type TEXT,
		severity TEXT,
		message TEXT,
		raw_data TEXT,
		hostname TEXT,
		username TEXT,
		process_name TEXT,
		process_id INTEGER,
		metadata TEXT,
		ingestion_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		log_id INTEGER,
		anomaly_score REAL NOT NULL,
		algorithm TEXT NOT NULL,
		features TEXT,
		explanation TEXT,
		severity TEXT,
		detected_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		mitre_technique_id TEXT,
		mitre_tactic TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS mitre_techniques (
		technique_id TEXT PRIMARY KEY,
		technique_name TEXT NOT NULL,
		tactic TEXT NOT NULL,
		description TEXT,
		detection TEXT,
		mitigation TEXT,
		platforms TEXT,
		data_sources TEXT,
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_sessions (
		session_id TEXT PRIMARY KEY,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		status TEXT NOT NULL,
		logs_analyzed INTEGER,
		anomalies_detected INTEGER,
		parameters TEXT,
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_registry (
		node_id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		ip_address TEXT,
		os_info TEXT,
		quorum_version TEXT,
		last_seen TIMESTAMP,
		last_sync TIMESTAMP,
		total_logs INTEGER DEFAULT 0,
		total_anomalies INTEGER DEFAULT 0,
		sync_method TEXT,
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS hub_anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		original_id INTEGER,
		source_node TEXT NOT NULL,
		anomaly_score REAL,
		severity TEXT,
		algorithm TEXT,
		mitre_technique_id TEXT,
		mitre_tactic TEXT,
		log_timestamp TIMESTAMP,
		source TEXT,
		event_type TEXT,
		message TEXT,
		hostname TEXT,
		imported_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(original_id, source_node)
	)`,
	`CREATE TABLE IF NOT EXISTS node_sync_log (
		sync_id TEXT PRIMARY KEY,
		source_node TEXT,
		target_node TEXT,
		sync_method TEXT,
		anomalies_synced INTEGER,
		synced_at TIMESTAMP,
		package_path TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS device_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT,
		node_id TEXT,
		mount_point TEXT,
		device_class TEXT,
		risk_score REAL,
		seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_registry_last_seen ON node_registry(last_seen)`,
	`CREATE INDEX IF NOT EXISTS idx_hub_anomalies_technique ON hub_anomalies(mitre_technique_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
}

// InsertBatch inserts a batch of LogRecords in one transaction,
// returning their assigned row ids in input order.
func (s *Store) InsertBatch(ctx context.Context, records []types.LogRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO logs
		(timestamp, source, event_id, event_type, severity, message, raw_data, hostname, username, process_name, process_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, len(records))
	for i, r := range records {
		metaJSON, _ := json.Marshal(r.Metadata)
		var pid interface{}
		if r.ProcessID != nil {
			pid = *r.ProcessID
		}
		res, err := stmt.ExecContext(ctx, r.Timestamp, r.Source, r.EventID, r.EventType,
			string(r.Severity), r.Message, r.Raw, r.Hostname, r.Username, r.ProcessName, pid, string(metaJSON))
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		id, _ := res.LastInsertId()
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertAnomalies persists a batch of anomalies atomically.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []types.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO anomalies
		(session_id, log_id, anomaly_score, algorithm, features, explanation, severity, detected_at, mitre_technique_id, mitre_tactic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, a := range anomalies {
		featJSON, _ := json.Marshal(a.FeatureSnap)
		if _, err := stmt.ExecContext(ctx, a.SessionID, a.LogRef, a.Score, a.Algorithm, string(featJSON),
			a.Explanation, string(a.Severity), a.DetectedAt, nullableString(a.TechniqueID), nullableString(a.Tactic)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FetchLogsInWindow returns candidate log records within [start, end),
// ordered by timestamp ascending.
func (s *Store) FetchLogsInWindow(ctx context.Context, start, end time.Time, limit, offset int) ([]types.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, source, event_id, event_type, severity, message, raw_data,
		hostname, username, process_name, process_id, metadata FROM logs
		WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC LIMIT ? OFFSET ?`,
		start, end, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LogRecord
	for rows.Next() {
		var r types.LogRecord
		var sev string
		var pid sql.NullInt64
		var metaJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Source, &r.EventID, &r.EventType, &sev, &r.Message,
			&r.Raw, &r.Hostname, &r.Username, &r.ProcessName, &pid, &metaJSON); err != nil {
			return nil, err
		}
		r.Severity = types.Severity(sev)
		if pid.Valid {
			v := int(pid.Int64)
			r.ProcessID = &v
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountLogsInWindow returns N, the candidate count for a time window,
// used to decide whether chunked processing is mandatory.
func (s *Store) CountLogsInWindow(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE timestamp >= ? AND timestamp < ?`, start, end).Scan(&n)
	return n, err
}

// OpenSession inserts a new analysis_sessions row in the running state.
func (s *Store) OpenSession(ctx context.Context, session types.AnalysisSession) error {
	paramsJSON, _ := json.Marshal(session.Parameters)
	metaJSON, _ := json.Marshal(session.Metadata)
	return s.Execute(ctx, `INSERT INTO analysis_sessions
		(session_id, start_time, status, logs_analyzed, anomalies_detected, parameters, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.StartTime, string(session.Status), session.LogsAnalyzed,
		session.AnomaliesDetected, string(paramsJSON), string(metaJSON))
}

// CloseSession finalizes a session with its terminal status and totals.
func (s *Store) CloseSession(ctx context.Context, sessionID string, status types.SessionStatus, endTime time.Time, logsAnalyzed, anomaliesDetected int) error {
	return s.Execute(ctx, `UPDATE analysis_sessions SET status = ?, end_time = ?, logs_analyzed = ?, anomalies_detected = ? WHERE session_id = ?`,
		string(status), endTime, logsAnalyzed, anomaliesDetected, sessionID)
}

// FetchSession returns one session by id, or ok=false if absent.
func (s *Store) FetchSession(ctx context.Context, sessionID string) (types.AnalysisSession, bool, error) {
	var out types.AnalysisSession
	var status string
	var endTime sql.NullTime
	var paramsJSON, metaJSON sql.NullString
	found := false
	err := s.FetchOne(ctx, `SELECT session_id, start_time, end_time, status, logs_analyzed, anomalies_detected, parameters, metadata
		FROM analysis_sessions WHERE session_id = ?`, func(row *sql.Row) error {
		err := row.Scan(&out.SessionID, &out.StartTime, &endTime, &status, &out.LogsAnalyzed, &out.AnomaliesDetected, &paramsJSON, &metaJSON)
		if err == sql.ErrNoRows {
			return nil
		}
		found = err == nil
		return err
	}, sessionID)
	if err != nil {
		return types.AnalysisSession{}, false, err
	}
	if !found {
		return types.AnalysisSession{}, false, nil
	}
	out.Status = types.SessionStatus(status)
	if endTime.Valid {
		out.EndTime = &endTime.Time
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &out.Parameters)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &out.Metadata)
	}
	return out, true, nil
}

// InsertHubAnomaly attempts to insert one imported anomaly, relying
// solely on the UNIQUE(original_id, source_node) constraint to detect
// duplicates — never a prior SELECT. Returns inserted=false, err=nil
// when the row already exists.
func (s *Store) InsertHubAnomaly(ctx context.Context, a types.HubAnomaly) (bool, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hub_anomalies
		(original_id, source_node, anomaly_score, severity, algorithm, mitre_technique_id, mitre_tactic,
		 log_timestamp, source, message, hostname)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OriginalID, a.SourceNode, a.Score, string(a.Severity), a.Algorithm,
		nullableString(a.TechniqueID), nullableString(a.Tactic), a.DetectedAt, a.Source, a.Message, a.Hostname)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RecordSyncLog appends one hub import operation to node_sync_log.
func (s *Store) RecordSyncLog(ctx context.Context, entry types.SyncLogEntry) error {
	return s.Execute(ctx, `INSERT INTO node_sync_log
		(sync_id, source_node, target_node, sync_method, anomalies_synced, synced_at, package_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SyncID, entry.SourceNode, entry.TargetNode, entry.SyncMethod,
		entry.AnomaliesSynced, entry.SyncedAt, entry.PackagePath)
}

// FetchHubAnomaliesSince returns every hub_anomalies row detected at
// or after since, used by the cross-node correlation pass.
func (s *Store) FetchHubAnomaliesSince(ctx context.Context, since time.Time) ([]types.HubAnomaly, error) {
	var out []types.HubAnomaly
	err := s.FetchAll(ctx, `SELECT id, original_id, source_node, anomaly_score, severity, algorithm,
		mitre_technique_id, mitre_tactic, log_timestamp, source, message, hostname, imported_at
		FROM hub_anomalies WHERE log_timestamp >= ?`, func(rows *sql.Rows) error {
		var h types.HubAnomaly
		var sev string
		var techID, tactic sql.NullString
		if err := rows.Scan(&h.ID, &h.OriginalID, &h.SourceNode, &h.Score, &sev, &h.Algorithm,
			&techID, &tactic, &h.DetectedAt, &h.Source, &h.Message, &h.Hostname, &h.ImportedAt); err != nil {
			return err
		}
		h.Severity = types.Severity(sev)
		h.TechniqueID = techID.String
		h.Tactic = tactic.String
		out = append(out, h)
		return nil
	}, since)
	return out, err
}

// FetchAnomaliesBySession returns every anomaly recorded for a session,
// most recent first.
func (s *Store) FetchAnomaliesBySession(ctx context.Context, sessionID string) ([]types.Anomaly, error) {
	var out []types.Anomaly
	err := s.FetchAll(ctx, `SELECT id, session_id, log_id, anomaly_score, algorithm, features, explanation, severity,
		detected_at, mitre_technique_id, mitre_tactic FROM anomalies WHERE session_id = ? ORDER BY detected_at DESC`,
		func(rows *sql.Rows) error {
			var a types.Anomaly
			var sev string
			var featJSON sql.NullString
			var techID, tactic sql.NullString
			if err := rows.Scan(&a.ID, &a.SessionID, &a.LogRef, &a.Score, &a.Algorithm, &featJSON, &a.Explanation,
				&sev, &a.DetectedAt, &techID, &tactic); err != nil {
				return err
			}
			a.Severity = types.Severity(sev)
			a.TechniqueID = techID.String
			a.Tactic = tactic.String
			if featJSON.Valid && featJSON.String != "" {
				_ = json.Unmarshal([]byte(featJSON.String), &a.FeatureSnap)
			}
			out = append(out, a)
			return nil
		}, sessionID)
	return out, err
}

// UpsertNode records this host's (or a remote node's) latest status in
// the mesh's node registry, creating the row on first sight.
func (s *Store) UpsertNode(ctx context.Context, n types.NodeRecord) error {
	metaJSON, _ := json.Marshal(n.Metadata)
	var lastSync interface{}
	if n.LastSync != nil {
		lastSync = *n.LastSync
	}
	return s.Execute(ctx, `INSERT INTO node_registry
		(node_id, hostname, role, status, ip_address, os_info, quorum_version, last_seen, last_sync, total_logs, total_anomalies, sync_method, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			hostname = excluded.hostname, role = excluded.role, status = excluded.status,
			ip_address = excluded.ip_address, os_info = excluded.os_info, quorum_version = excluded.quorum_version,
			last_seen = excluded.last_seen, last_sync = excluded.last_sync,
			total_logs = excluded.total_logs, total_anomalies = excluded.total_anomalies,
			sync_method = excluded.sync_method, metadata = excluded.metadata`,
		n.NodeID, n.Hostname, string(n.Role), n.Status, n.IP, n.OS, n.Version,
		n.LastSeen, lastSync, n.Totals.LogsAnalyzed, n.Totals.AnomaliesDetected, n.SyncMethod, string(metaJSON))
}

// GetNode returns one node's registry row, if it exists.
func (s *Store) GetNode(ctx context.Context, nodeID string) (types.NodeRecord, bool, error) {
	var n types.NodeRecord
	var role, metaJSON sql.NullString
	var lastSync sql.NullTime
	found := false
	err := s.FetchAll(ctx, `SELECT node_id, hostname, role, status, ip_address, os_info, quorum_version,
		last_seen, last_sync, total_logs, total_anomalies, sync_method, metadata FROM node_registry WHERE node_id = ?`,
		func(rows *sql.Rows) error {
			found = true
			if err := rows.Scan(&n.NodeID, &n.Hostname, &role, &n.Status, &n.IP, &n.OS, &n.Version,
				&n.LastSeen, &lastSync, &n.Totals.LogsAnalyzed, &n.Totals.AnomaliesDetected, &n.SyncMethod, &metaJSON); err != nil {
				return err
			}
			n.Role = types.NodeRole(role.String)
			if lastSync.Valid {
				t := lastSync.Time
				n.LastSync = &t
			}
			if metaJSON.Valid && metaJSON.String != "" {
				_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
			}
			return nil
		}, nodeID)
	return n, found, err
}

// ListNodes returns every node the registry knows about, with
// per-node critical/high anomaly counts merged in from hub_anomalies.
func (s *Store) ListNodes(ctx context.Context) ([]types.NodeRecord, error) {
	severityCounts := map[string]map[string]int64{}
	err := s.FetchAll(ctx, `SELECT source_node, severity, COUNT(*) FROM hub_anomalies GROUP BY source_node, severity`,
		func(rows *sql.Rows) error {
			var node, sev string
			var count int64
			if err := rows.Scan(&node, &sev, &count); err != nil {
				return err
			}
			if severityCounts[node] == nil {
				severityCounts[node] = map[string]int64{}
			}
			severityCounts[node][sev] = count
			return nil
		})
	if err != nil {
		return nil, err
	}

	var out []types.NodeRecord
	err = s.FetchAll(ctx, `SELECT node_id, hostname, role, status, ip_address, os_info, quorum_version,
		last_seen, last_sync, total_logs, total_anomalies, sync_method, metadata FROM node_registry`,
		func(rows *sql.Rows) error {
			var n types.NodeRecord
			var role, metaJSON sql.NullString
			var lastSync sql.NullTime
			if err := rows.Scan(&n.NodeID, &n.Hostname, &role, &n.Status, &n.IP, &n.OS, &n.Version,
				&n.LastSeen, &lastSync, &n.Totals.LogsAnalyzed, &n.Totals.AnomaliesDetected, &n.SyncMethod, &metaJSON); err != nil {
				return err
			}
			n.Role = types.NodeRole(role.String)
			if lastSync.Valid {
				t := lastSync.Time
				n.LastSync = &t
			}
			if metaJSON.Valid && metaJSON.String != "" {
				_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
			}
			if counts, ok := severityCounts[n.NodeID]; ok {
				n.Totals.CriticalCount = counts[string(types.SeverityCritical)]
				n.Totals.HighCount = counts[string(types.SeverityHigh)]
			}
			out = append(out, n)
			return nil
		})
	return out, err
}

// InsertDeviceLog records one sighting of a mounted volume.
func (s *Store) InsertDeviceLog(ctx context.Context, d types.DeviceRecord) error {
	return s.Execute(ctx, `INSERT INTO device_log
		(device_id, node_id, mount_point, device_class, risk_score, seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.NodeID, d.MountPoint, d.DeviceClass, d.RiskScore, d.SeenAt)
}

// FetchDeviceLog returns every sighting recorded for nodeID, most
// recent first.
func (s *Store) FetchDeviceLog(ctx context.Context, nodeID string, limit int) ([]types.DeviceRecord, error) {
	var out []types.DeviceRecord
	err := s.FetchAll(ctx, `SELECT id, device_id, node_id, mount_point, device_class, risk_score, seen_at
		FROM device_log WHERE node_id = ? ORDER BY seen_at DESC LIMIT ?`,
		func(rows *sql.Rows) error {
			var d types.DeviceRecord
			if err := rows.Scan(&d.ID, &d.DeviceID, &d.NodeID, &d.MountPoint, &d.DeviceClass, &d.RiskScore, &d.SeenAt); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		}, nodeID, limit)
	return out, err
}
