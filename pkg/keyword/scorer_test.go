package keyword

import "testing"

func TestScoreKeywordDominance(t *testing.T) {
	// "failed password" (0.95) overrides the INFO baseline; the sshd
	// source rule then yields max(0.95, 0.60) * 0.9 = 0.855.
	score := Score("INFO", "sshd", "Failed password for root from 10.0.0.1 port 22")
	if score < 0.85 {
		t.Errorf("score = %v, want >= 0.85", score)
	}
}

func TestScoreCleanRecord(t *testing.T) {
	score := Score("INFO", "systemd", "Started session 42")
	if score > 0.35 {
		t.Errorf("score = %v, want <= 0.35", score)
	}
}

func TestScoreClampedToUnitRange(t *testing.T) {
	score := Score("CRITICAL", "ids", "ransomware backdoor exploit attempt brute force")
	if score < 0 || score > 1 {
		t.Errorf("score out of range: %v", score)
	}
}
