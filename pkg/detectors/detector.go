// Package detectors implements the three base anomaly scorers: an
// isolation forest, an RBF one-class SVM, and a statistical
// (z-score/IQR) detector. Each exposes Fit, Predict, Persist and
// Restore so the ensemble orchestrator can treat them uniformly.
package detectors

import (
	"github.com/mdzesseis/quorum/pkg/features"
	"github.com/mdzesseis/quorum/pkg/types"
)

// Labels are the per-row classification: -1 anomaly, +1 inlier.
const (
	LabelAnomaly = -1
	LabelInlier  = 1
)

// Detector is the uniform contract every base detector satisfies.
type Detector interface {
	// Name is the stable identifier used as the Model Store key.
	Name() string
	// Fit trains the detector on the given matrix.
	Fit(m *features.Matrix) error
	// Predict returns, for each row, a label (-1/+1) and a raw
	// score normalized to [0,1] where 1 means strongest anomaly.
	Predict(m *features.Matrix) (labels []int, scores []float64, err error)
	// Hyperparameters returns the canonical parameter set used to
	// fingerprint the Model Store artifact.
	Hyperparameters() map[string]interface{}
	// Persist serializes the fitted state to an opaque blob.
	Persist() ([]byte, error)
	// Restore loads a previously persisted state blob.
	Restore(blob []byte) error
}

// normalizeInvert negates raw scores (so higher already means more
// anomalous becomes larger) then min-max scales to [0,1]; an exactly
// zero range yields all zeros, per the base-detector contract.
func normalizeInvert(raw []float64) []float64 {
	out := make([]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	inverted := make([]float64, len(raw))
	for i, v := range raw {
		inverted[i] = -v
	}
	min, max := inverted[0], inverted[0]
	for _, v := range inverted[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max-min == 0 {
		return out
	}
	for i, v := range inverted {
		out[i] = (v - min) / (max - min)
	}
	return out
}

// minMaxScale scales values already oriented so that higher means
// more anomalous into [0,1]; a zero range yields all zeros.
func minMaxScale(raw []float64) []float64 {
	out := make([]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	min, max := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max-min == 0 {
		return out
	}
	for i, v := range raw {
		out[i] = (v - min) / (max - min)
	}
	return out
}

func columnValues(m *features.Matrix, col int) []float64 {
	out := make([]float64, m.Rows())
	for r := 0; r < m.Rows(); r++ {
		out[r] = m.At(r, col)
	}
	return out
}

const epsilon = 1e-9
