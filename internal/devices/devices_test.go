package devices

import "testing"

func TestClassifyRemovableMountPrefixes(t *testing.T) {
	cases := map[string]string{
		"/media/usb0":        "removable",
		"/mnt/backup":        "removable",
		"/run/media/quorum":  "removable",
		"/":                  "fixed",
		"/var/lib/quorum":    "fixed",
	}
	for mount, want := range cases {
		if got := classify(mount); got != want {
			t.Errorf("classify(%q) = %q, want %q", mount, got, want)
		}
	}
}

func TestRiskScoreHigherForRemovable(t *testing.T) {
	if riskScore("removable") <= riskScore("fixed") {
		t.Fatal("expected removable media to score higher risk than fixed volumes")
	}
}
