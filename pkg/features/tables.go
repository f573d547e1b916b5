package features

import "strings"

// keywordRiskTable mirrors the extractor's own risk lexicon, distinct
// from the keyword scorer's (pkg/keyword) severity-override table:
// this one only ever feeds the keyword_risk feature column.
var keywordRiskTable = map[string]float64{
	"failed password":     0.95,
	"authentication failure": 0.90,
	"invalid user":        0.85,
	"root login":          0.80,
	"privilege escalation": 0.95,
	"sudo":                0.55,
	"denied":              0.70,
	"rejected":            0.65,
	"unauthorized":        0.85,
	"brute force":         0.95,
	"port scan":           0.80,
	"malware":             0.95,
	"exploit":             0.90,
	"buffer overflow":     0.90,
	"sql injection":       0.90,
	"command injection":   0.90,
	"backdoor":            0.95,
	"ransomware":          0.98,
	"data exfiltration":   0.95,
	"unusual traffic":     0.60,
}

// sourceRiskTable mirrors the extractor's lowercased-source lookup for
// the source_risk feature column. When several prefixes match, the
// highest weight wins. Default when no prefix matches: 0.30.
var sourceRiskTable = map[string]float64{
	"sshd":       0.55,
	"sudo":       0.60,
	"su":         0.55,
	"auth":       0.55,
	"firewall":   0.50,
	"kernel":     0.35,
	"systemd":    0.25,
	"cron":       0.30,
	"audit":      0.45,
	"selinux":    0.40,
	"apache":     0.35,
	"nginx":      0.35,
}

const defaultSourceRisk = 0.30

func keywordRisk(lowerMessage string) float64 {
	max := 0.0
	for kw, weight := range keywordRiskTable {
		if strings.Contains(lowerMessage, kw) && weight > max {
			max = weight
		}
	}
	return max
}

func sourceRisk(lowerSource string) float64 {
	risk, matched := 0.0, false
	for prefix, weight := range sourceRiskTable {
		if strings.Contains(lowerSource, prefix) && (!matched || weight > risk) {
			risk, matched = weight, true
		}
	}
	if !matched {
		return defaultSourceRisk
	}
	return risk
}

var failureTokens = []string{"failed", "failure", "denied", "rejected"}
var privilegeTokens = []string{"sudo", "root", "admin", "privilege"}
var authTokens = []string{"ssh", "publickey", "password", "login"}

func containsAny(haystack string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			return true
		}
	}
	return false
}
