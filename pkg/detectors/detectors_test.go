package detectors

import (
	"math"
	"testing"

	qfeatures "github.com/mdzesseis/quorum/pkg/features"
	"github.com/mdzesseis/quorum/pkg/types"
)

func syntheticRecords(n int, anomalousEvery int) []types.LogRecord {
	out := make([]types.LogRecord, n)
	for i := 0; i < n; i++ {
		msg := "Started session routine check"
		sev := types.SeverityInfo
		if anomalousEvery > 0 && i%anomalousEvery == 0 {
			msg = "Failed password for root from 10.0.0.1 port 22"
			sev = types.SeverityCritical
		}
		out[i] = types.LogRecord{
			Source:   "sshd",
			Severity: sev,
			Message:  msg,
			Raw:      msg,
		}
	}
	return out
}

func TestIsolationForestFitPredictRange(t *testing.T) {
	records := syntheticRecords(100, 10)
	m, _, _, err := qfeatures.Extract(records)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	f := NewIsolationForest(30, 64, 0.1, 42)
	if err := f.Fit(m); err != nil {
		t.Fatalf("fit: %v", err)
	}
	labels, scores, err := f.Predict(m)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(labels) != m.Rows() || len(scores) != m.Rows() {
		t.Fatalf("unexpected output length")
	}
	for _, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			t.Fatalf("score out of range: %v", s)
		}
	}
}

func TestStatisticalZScoreScoresAreNotNaN(t *testing.T) {
	records := syntheticRecords(50, 0)
	m, _, _, _ := qfeatures.Extract(records)
	s := NewStatistical(MethodZScore, 3.0, 1.5)
	if err := s.Fit(m); err != nil {
		t.Fatalf("fit: %v", err)
	}
	_, scores, err := s.Predict(m)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for _, sc := range scores {
		if math.IsNaN(sc) {
			t.Fatal("NaN score")
		}
	}
}

func TestOneClassSVMFitPredict(t *testing.T) {
	records := syntheticRecords(40, 8)
	m, _, _, _ := qfeatures.Extract(records)
	svm := NewOneClassSVM(0.1, 0.1, 1000, 7)
	if err := svm.Fit(m); err != nil {
		t.Fatalf("fit: %v", err)
	}
	labels, scores, err := svm.Predict(m)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(labels) != m.Rows() {
		t.Fatalf("label length mismatch")
	}
	for _, sc := range scores {
		if sc < 0 || sc > 1 {
			t.Fatalf("score out of range: %v", sc)
		}
	}
}

func TestIsolationForestPersistRestore(t *testing.T) {
	records := syntheticRecords(60, 6)
	m, _, _, _ := qfeatures.Extract(records)
	f := NewIsolationForest(10, 32, 0.1, 1)
	_ = f.Fit(m)
	blob, err := f.Persist()
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := &IsolationForest{}
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	_, _, err = restored.Predict(m)
	if err != nil {
		t.Fatalf("predict after restore: %v", err)
	}
}
