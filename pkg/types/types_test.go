package types

import "testing"

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]Severity{
		"CRITICAL": SeverityCritical,
		"error":    SeverityHigh,
		"HIGH":     SeverityHigh,
		"warn":     SeverityMedium,
		"Warning":  SeverityMedium,
		"medium":   SeverityMedium,
		"low":      SeverityLow,
		"debug":    SeverityInfo,
		"":         SeverityInfo,
		"unknown":  SeverityInfo,
	}
	for in, want := range cases {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNodeRecordThreatLevel(t *testing.T) {
	clean := NodeRecord{}
	if lvl := clean.ThreatLevel(); lvl != "CLEAN" {
		t.Errorf("expected CLEAN, got %s", lvl)
	}

	critical := NodeRecord{Totals: NodeTotals{
		LogsAnalyzed:      100,
		AnomaliesDetected: 10,
		CriticalCount:     2,
	}}
	if lvl := critical.ThreatLevel(); lvl != "CRITICAL" {
		t.Errorf("expected CRITICAL, got %s", lvl)
	}

	low := NodeRecord{Totals: NodeTotals{
		LogsAnalyzed:      10000,
		AnomaliesDetected: 1,
	}}
	if lvl := low.ThreatLevel(); lvl != "LOW" {
		t.Errorf("expected LOW, got %s", lvl)
	}
}

func TestLabelsCOWBasic(t *testing.T) {
	l := NewLabelsCOW()
	l.Set("a", "1")
	if v, ok := l.Get("a"); !ok || v != "1" {
		t.Fatalf("expected a=1, got %q ok=%v", v, ok)
	}
	clone := l.Clone()
	clone.Set("b", "2")
	if _, ok := l.Get("b"); ok {
		t.Fatal("mutation of clone leaked into original")
	}
}
