// Package features turns a batch of log records into the fixed-width
// numeric matrix the base detectors consume. Encoder tables (source
// and event-type indices) are rebuilt from each batch, so results are
// deterministic within a batch but not comparable across batches.
package features

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/mdzesseis/quorum/pkg/qerrors"
	"github.com/mdzesseis/quorum/pkg/types"
)

var ipPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
var portPattern = regexp.MustCompile(`port \d+`)

// Matrix is a dense, row-major N×20 feature matrix.
type Matrix struct {
	rows int
	data []float64
}

// NewMatrix allocates a zeroed matrix with the given row count.
func NewMatrix(rows int) *Matrix {
	return &Matrix{rows: rows, data: make([]float64, rows*types.FeatureArity)}
}

// Rows returns the number of rows in the matrix.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the fixed column count (types.FeatureArity).
func (m *Matrix) Cols() int { return types.FeatureArity }

// At returns the value at (row, col).
func (m *Matrix) At(row, col int) float64 {
	return m.data[row*types.FeatureArity+col]
}

func (m *Matrix) set(row, col int, v float64) {
	m.data[row*types.FeatureArity+col] = v
}

// RowSnapshot returns a named feature map for a single row, used for
// Anomaly.FeatureSnap.
func (m *Matrix) RowSnapshot(row int) map[string]float64 {
	out := make(map[string]float64, types.FeatureArity)
	for c, name := range types.FeatureNames {
		out[name] = m.At(row, c)
	}
	return out
}

// EncoderTables holds the batch-local lowercased-source and event-type
// indices built while extracting a batch, exposed for diagnostics.
type EncoderTables struct {
	Sources    map[string]int
	EventTypes map[string]int
}

// Extract builds the feature matrix, the (always types.FeatureNames)
// name vector, and the encoder tables for one batch of log records.
func Extract(records []types.LogRecord) (*Matrix, [types.FeatureArity]string, EncoderTables, error) {
	tables := buildEncoderTables(records)
	m := NewMatrix(len(records))

	for i, rec := range records {
		if err := extractRow(m, i, rec, tables); err != nil {
			return nil, types.FeatureNames, tables, qerrors.AIEngine("features", "extract", err.Error())
		}
	}
	return m, types.FeatureNames, tables, nil
}

func buildEncoderTables(records []types.LogRecord) EncoderTables {
	sourceSet := map[string]struct{}{}
	eventTypeSet := map[string]struct{}{}
	for _, r := range records {
		sourceSet[strings.ToLower(r.Source)] = struct{}{}
		if r.EventType != "" {
			eventTypeSet[strings.ToLower(r.EventType)] = struct{}{}
		}
	}
	return EncoderTables{
		Sources:    indexSorted(sourceSet),
		EventTypes: indexSorted(eventTypeSet),
	}
}

func indexSorted(set map[string]struct{}) map[string]int {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]int, len(keys))
	for i, k := range keys {
		out[k] = i
	}
	return out
}

func extractRow(m *Matrix, row int, rec types.LogRecord, tables EncoderTables) error {
	hour := 12
	dow := 0
	if !rec.Timestamp.IsZero() {
		hour = rec.Timestamp.Hour()
		// Go's Weekday is 0=Sunday..6=Saturday; spec wants 0=Monday..6=Sunday.
		dow = (int(rec.Timestamp.Weekday()) + 6) % 7
	}
	afterHours := 0.0
	if hour < 6 || hour > 22 {
		afterHours = 1.0
	}

	lowerMsg := strings.ToLower(rec.Message)
	lowerSource := strings.ToLower(rec.Source)

	m.set(row, 0, float64(hour))
	m.set(row, 1, float64(dow))
	m.set(row, 2, afterHours)
	m.set(row, 3, severityLevel(rec.Severity))
	m.set(row, 4, float64(tables.Sources[lowerSource]))
	m.set(row, 5, sourceRisk(lowerSource))

	eventTypeIdx := 0
	if rec.EventType != "" {
		eventTypeIdx = tables.EventTypes[strings.ToLower(rec.EventType)]
	}
	m.set(row, 6, float64(eventTypeIdx))
	m.set(row, 7, float64(utf8.RuneCountInString(rec.Message)))
	m.set(row, 8, float64(minInt(wordCount(rec.Message), 50)))
	m.set(row, 9, keywordRisk(lowerMsg))
	m.set(row, 10, eventIDHash(rec.EventID))
	m.set(row, 11, boolFloat(rec.Username != ""))
	m.set(row, 12, boolFloat(rec.Hostname != ""))
	m.set(row, 13, boolFloat(rec.ProcessName != ""))
	m.set(row, 14, processIDNorm(rec.ProcessID))
	m.set(row, 15, boolFloat(containsAny(lowerMsg, failureTokens)))
	m.set(row, 16, boolFloat(containsAny(lowerMsg, privilegeTokens)))
	m.set(row, 17, boolFloat(containsAny(lowerMsg, authTokens)))
	m.set(row, 18, boolFloat(ipPattern.MatchString(rec.Raw)||ipPattern.MatchString(rec.Message)))
	m.set(row, 19, boolFloat(portPattern.MatchString(lowerMsg)))
	return nil
}

func severityLevel(s types.Severity) float64 {
	switch s {
	case types.SeverityCritical:
		return 5
	case types.SeverityHigh:
		return 4
	case types.SeverityMedium:
		return 3
	case types.SeverityLow:
		return 2
	case types.SeverityInfo:
		return 1
	default:
		return 1
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func eventIDHash(eventID string) float64 {
	if eventID == "" {
		return 0
	}
	h := xxhash.Sum64String(eventID)
	return float64(h % 10000)
}

func processIDNorm(pid *int) float64 {
	if pid == nil {
		return 0
	}
	return float64(((*pid)%1000 + 1000) % 1000)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ParseProcessID is a small helper external parsers can use to convert
// a raw string process id into the *int the record expects.
func ParseProcessID(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}
