// Package keyword implements the deterministic rule-based scorer
// (C4): severity baseline, keyword-table max-override, then
// source-prefix-table override at 0.9 weight. Its tables are
// deliberately separate from pkg/features' risk lexicon — that one
// only ever feeds the keyword_risk/source_risk feature columns, this
// one is the ensemble's own independent signal.
package keyword

import (
	"sort"
	"strings"

	"github.com/mdzesseis/quorum/pkg/types"
)

// baseline additionally recognizes the ERROR/WARN/WARNING
// synonyms directly, matching the spec's literal baseline table
// rather than routing through types.NormalizeSeverity (which would
// collapse ERROR into HIGH before this table sees it — here we want
// the synonym itself to select the weight, which happens to agree).
func baseline(severity string) float64 {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "CRITICAL":
		return 0.85
	case "HIGH", "ERROR":
		return 0.70
	case "MEDIUM":
		return 0.50
	case "WARN", "WARNING":
		return 0.45
	case "INFO":
		return 0.25
	case "DEBUG":
		return 0.10
	default:
		return 0.25
	}
}

// suspiciousKeywords is the ensemble's own keyword→weight table
// (distinct from pkg/features' keywordRiskTable).
var suspiciousKeywords = map[string]float64{
	"failed password":        0.95,
	"authentication failure": 0.92,
	"invalid user":           0.85,
	"root login":             0.82,
	"privilege escalation":   0.95,
	"permission denied":      0.75,
	"access denied":          0.75,
	"unauthorized access":    0.90,
	"brute force":            0.97,
	"port scan":              0.85,
	"malware detected":       0.97,
	"exploit attempt":        0.92,
	"sql injection":          0.93,
	"buffer overflow":        0.90,
	"backdoor":               0.97,
	"ransomware":             0.99,
	"data exfiltration":      0.96,
	"suspicious":             0.65,
	"anomaly":                0.60,
}

// eventSeverityRules is the ensemble's own source-prefix table.
var eventSeverityRules = map[string]float64{
	"sshd":     0.60,
	"sudo":     0.65,
	"auth":     0.60,
	"firewall": 0.55,
	"ids":      0.70,
	"antivirus": 0.70,
}

// Score computes the scorer's output for one record: severity
// baseline, then keyword max-override, then source-prefix override
// at 0.9 weight, clamped to [0,1].
func Score(severity string, source, message string) float64 {
	score := baseline(severity)

	lowerMsg := strings.ToLower(message)
	for kw, weight := range suspiciousKeywords {
		if strings.Contains(lowerMsg, kw) && weight > score {
			score = weight
		}
	}

	lowerSource := strings.ToLower(source)
	prefixes := make([]string, 0, len(eventSeverityRules))
	for prefix := range eventSeverityRules {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		weight := eventSeverityRules[prefix]
		if strings.Contains(lowerSource, prefix) {
			candidate := weight
			if score > candidate {
				candidate = score
			}
			score = candidate * 0.9
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// ScoreBatch scores a batch of log records, returning one score per
// record in input order.
func ScoreBatch(records []types.LogRecord) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = Score(string(r.Severity), r.Source, r.Message)
	}
	return out
}
