package detectors

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/mdzesseis/quorum/pkg/features"
)

// StatisticalMethod selects between the two statistical detector
// variants.
type StatisticalMethod string

const (
	MethodZScore StatisticalMethod = "zscore"
	MethodIQR    StatisticalMethod = "iqr"
)

// Statistical is the per-column z-score / IQR outlier detector.
type Statistical struct {
	Method       StatisticalMethod
	ZThreshold   float64
	IQRK         float64

	means  []float64
	stds   []float64
	q1     []float64
	q3     []float64
	iqr    []float64
	nCols  int
}

// NewStatistical builds an untrained statistical detector; zero
// values fall back to the spec defaults (zscore, threshold 3.0, k=1.5).
func NewStatistical(method StatisticalMethod, zThreshold, iqrK float64) *Statistical {
	if method == "" {
		method = MethodZScore
	}
	if zThreshold <= 0 {
		zThreshold = 3.0
	}
	if iqrK <= 0 {
		iqrK = 1.5
	}
	return &Statistical{Method: method, ZThreshold: zThreshold, IQRK: iqrK}
}

func (s *Statistical) Name() string { return "statistical" }

func (s *Statistical) Hyperparameters() map[string]interface{} {
	return map[string]interface{}{
		"method":      string(s.Method),
		"z_threshold": s.ZThreshold,
		"iqr_k":       s.IQRK,
	}
}

func (s *Statistical) Fit(m *features.Matrix) error {
	if m.Rows() == 0 {
		return fmt.Errorf("statistical: empty training matrix")
	}
	s.nCols = m.Cols()
	s.means = make([]float64, s.nCols)
	s.stds = make([]float64, s.nCols)
	s.q1 = make([]float64, s.nCols)
	s.q3 = make([]float64, s.nCols)
	s.iqr = make([]float64, s.nCols)

	for c := 0; c < s.nCols; c++ {
		col := columnValues(m, c)
		mean, std := meanStd(col)
		if std == 0 {
			std = epsilon
		}
		s.means[c] = mean
		s.stds[c] = std

		q1, q3 := quartiles(col)
		iqr := q3 - q1
		if iqr == 0 {
			iqr = epsilon
		}
		s.q1[c] = q1
		s.q3[c] = q3
		s.iqr[c] = iqr
	}
	return nil
}

func (s *Statistical) Predict(m *features.Matrix) ([]int, []float64, error) {
	if s.nCols == 0 {
		return nil, nil, fmt.Errorf("statistical: not trained")
	}
	raw := make([]float64, m.Rows())
	labels := make([]int, m.Rows())

	for r := 0; r < m.Rows(); r++ {
		switch s.Method {
		case MethodIQR:
			outliers := 0
			for c := 0; c < s.nCols; c++ {
				v := m.At(r, c)
				if v < s.q1[c]-s.IQRK*s.iqr[c] || v > s.q3[c]+s.IQRK*s.iqr[c] {
					outliers++
				}
			}
			raw[r] = float64(outliers) / float64(s.nCols)
			if outliers > 0 {
				labels[r] = LabelAnomaly
			} else {
				labels[r] = LabelInlier
			}
		default: // zscore
			maxDev := 0.0
			for c := 0; c < s.nCols; c++ {
				dev := math.Abs((m.At(r, c) - s.means[c]) / s.stds[c])
				if dev > maxDev {
					maxDev = dev
				}
			}
			raw[r] = maxDev
			if maxDev > s.ZThreshold {
				labels[r] = LabelAnomaly
			} else {
				labels[r] = LabelInlier
			}
		}
	}
	return labels, minMaxScale(raw), nil
}

func meanStd(values []float64) (float64, float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func quartiles(values []float64) (float64, float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := percentileInterp(sorted, 25)
	q3 := percentileInterp(sorted, 75)
	return q1, q3
}

func percentileInterp(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

type persistedStatistical struct {
	Method     string    `json:"method"`
	ZThreshold float64   `json:"z_threshold"`
	IQRK       float64   `json:"iqr_k"`
	Means      []float64 `json:"means"`
	Stds       []float64 `json:"stds"`
	Q1         []float64 `json:"q1"`
	Q3         []float64 `json:"q3"`
	IQR        []float64 `json:"iqr"`
}

func (s *Statistical) Persist() ([]byte, error) {
	return json.Marshal(persistedStatistical{
		Method:     string(s.Method),
		ZThreshold: s.ZThreshold,
		IQRK:       s.IQRK,
		Means:      s.means,
		Stds:       s.stds,
		Q1:         s.q1,
		Q3:         s.q3,
		IQR:        s.iqr,
	})
}

func (s *Statistical) Restore(blob []byte) error {
	var p persistedStatistical
	if err := json.Unmarshal(blob, &p); err != nil {
		return err
	}
	s.Method = StatisticalMethod(p.Method)
	s.ZThreshold = p.ZThreshold
	s.IQRK = p.IQRK
	s.means, s.stds, s.q1, s.q3, s.iqr = p.Means, p.Stds, p.Q1, p.Q3, p.IQR
	s.nCols = len(s.means)
	return nil
}
