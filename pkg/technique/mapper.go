// Package technique maps an anomaly and its source record to an
// attack-technique taxonomy (C6), trying an event-id table first and
// falling back to keyword scanning. Absence of the taxonomy is not
// fatal: it leaves TechniqueID empty.
package technique

import (
	"sort"
	"strings"
)

// Technique is one taxonomy entry.
type Technique struct {
	ID     string
	Name   string
	Tactic string
}

// Table is the loaded taxonomy: event-id keyed and keyword keyed.
// A nil/zero Table is valid — Map then always returns no matches.
type Table struct {
	byEventID map[string]Technique
	byKeyword []keywordEntry
}

type keywordEntry struct {
	keyword   string
	technique Technique
}

// NewTable builds a Table from explicit event-id and keyword maps;
// either may be nil.
func NewTable(byEventID map[string]Technique, byKeyword map[string]Technique) *Table {
	t := &Table{byEventID: byEventID}
	keywords := make([]string, 0, len(byKeyword))
	for kw := range byKeyword {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)
	for _, kw := range keywords {
		t.byKeyword = append(t.byKeyword, keywordEntry{keyword: kw, technique: byKeyword[kw]})
	}
	return t
}

// DefaultTable is a small in-memory MITRE ATT&CK-style taxonomy
// standing in for the external taxonomy collaborator (§6: MITRE JSON
// downloading is out of scope for the core).
func DefaultTable() *Table {
	byEventID := map[string]Technique{
		"4625": {ID: "T1110", Name: "Brute Force", Tactic: "Credential Access"},
		"4624": {ID: "T1078", Name: "Valid Accounts", Tactic: "Defense Evasion"},
		"4672": {ID: "T1078.003", Name: "Valid Accounts: Local Accounts", Tactic: "Privilege Escalation"},
		"4688": {ID: "T1059", Name: "Command and Scripting Interpreter", Tactic: "Execution"},
	}
	byKeyword := map[string]Technique{
		"password":            {ID: "T1110", Name: "Brute Force", Tactic: "Credential Access"},
		"sudo":                {ID: "T1548.003", Name: "Sudo and Sudo Caching", Tactic: "Privilege Escalation"},
		"privilege escalation": {ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactic: "Privilege Escalation"},
		"port scan":           {ID: "T1046", Name: "Network Service Discovery", Tactic: "Discovery"},
		"sql injection":       {ID: "T1190", Name: "Exploit Public-Facing Application", Tactic: "Initial Access"},
		"malware":             {ID: "T1204", Name: "User Execution", Tactic: "Execution"},
		"ransomware":          {ID: "T1486", Name: "Data Encrypted for Impact", Tactic: "Impact"},
		"data exfiltration":   {ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactic: "Exfiltration"},
		"backdoor":            {ID: "T1059", Name: "Command and Scripting Interpreter", Tactic: "Execution"},
		"invalid user":        {ID: "T1078", Name: "Valid Accounts", Tactic: "Defense Evasion"},
		"unauthorized access": {ID: "T1078", Name: "Valid Accounts", Tactic: "Defense Evasion"},
	}
	return NewTable(byEventID, byKeyword)
}

// Map returns the deduplicated, first-match-order list of techniques
// matched against eventID (tried first) and the concatenation of
// lowercased message and event type (keyword scan fallback).
func (t *Table) Map(eventID, message, eventType string) []Technique {
	if t == nil {
		return nil
	}
	var out []Technique
	seen := map[string]bool{}

	if tech, ok := t.byEventID[eventID]; ok {
		out = append(out, tech)
		seen[tech.ID] = true
	}

	haystack := strings.ToLower(message + " " + eventType)
	for _, entry := range t.byKeyword {
		if seen[entry.technique.ID] {
			continue
		}
		if strings.Contains(haystack, entry.keyword) {
			out = append(out, entry.technique)
			seen[entry.technique.ID] = true
		}
	}
	return out
}

// First returns the first matched technique's id/tactic, or ("", "")
// when the taxonomy yields no match.
func (t *Table) First(eventID, message, eventType string) (id, tactic string) {
	matches := t.Map(eventID, message, eventType)
	if len(matches) == 0 {
		return "", ""
	}
	return matches[0].ID, matches[0].Tactic
}
