package detectors

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/mdzesseis/quorum/pkg/features"
)

// IsolationForest is a tree-ensemble detector: anomalous rows isolate
// in fewer random splits than inliers, so average path length across
// the forest inversely correlates with anomaly likelihood.
type IsolationForest struct {
	NumTrees      int
	MaxSamples    int
	Contamination float64
	Seed          int64

	trees        []*ifTree
	numFeatures  int
	scoreThresh  float64
	rng          *rand.Rand
}

type ifTree struct {
	root *ifNode
}

type ifNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	Left       *ifNode `json:"left,omitempty"`
	Right      *ifNode `json:"right,omitempty"`
	Leaf       bool    `json:"leaf"`
	Size       int     `json:"size"`
}

// NewIsolationForest builds an untrained forest with the given
// hyperparameters; zero values fall back to the spec defaults.
func NewIsolationForest(numTrees, maxSamples int, contamination float64, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if contamination <= 0 {
		contamination = 0.01
	}
	return &IsolationForest{
		NumTrees:      numTrees,
		MaxSamples:    maxSamples,
		Contamination: contamination,
		Seed:          seed,
	}
}

func (f *IsolationForest) Name() string { return "isolation_forest" }

func (f *IsolationForest) Hyperparameters() map[string]interface{} {
	return map[string]interface{}{
		"n_trees":       float64(f.NumTrees),
		"max_samples":   float64(f.MaxSamples),
		"contamination": f.Contamination,
	}
}

func (f *IsolationForest) Fit(m *features.Matrix) error {
	if m.Rows() == 0 {
		return fmt.Errorf("isolation_forest: empty training matrix")
	}
	f.numFeatures = m.Cols()
	f.rng = rand.New(rand.NewSource(f.Seed))

	sampleSize := f.MaxSamples
	if m.Rows() < sampleSize {
		sampleSize = m.Rows()
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	f.trees = make([]*ifTree, f.NumTrees)
	for t := 0; t < f.NumTrees; t++ {
		sampleIdx := f.sampleIndices(m.Rows(), sampleSize)
		f.trees[t] = &ifTree{root: f.buildNode(m, sampleIdx, 0, maxDepth)}
	}

	scores := f.pathScores(m)
	f.scoreThresh = percentile(scores, 100*(1-f.Contamination))
	return nil
}

func (f *IsolationForest) sampleIndices(n, size int) []int {
	perm := f.rng.Perm(n)
	return perm[:size]
}

func (f *IsolationForest) buildNode(m *features.Matrix, rows []int, depth, maxDepth int) *ifNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &ifNode{Leaf: true, Size: len(rows)}
	}
	FeatureIdx := f.rng.Intn(f.numFeatures)
	min, max := rangeOf(m, rows, FeatureIdx)
	if min == max {
		return &ifNode{Leaf: true, Size: len(rows)}
	}
	threshold := min + f.rng.Float64()*(max-min)

	var left, right []int
	for _, r := range rows {
		if m.At(r, FeatureIdx) < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &ifNode{Leaf: true, Size: len(rows)}
	}
	return &ifNode{
		FeatureIdx: FeatureIdx,
		Threshold:  threshold,
		Left:       f.buildNode(m, left, depth+1, maxDepth),
		Right:      f.buildNode(m, right, depth+1, maxDepth),
	}
}

func rangeOf(m *features.Matrix, rows []int, col int) (float64, float64) {
	min := m.At(rows[0], col)
	max := min
	for _, r := range rows[1:] {
		v := m.At(r, col)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func pathLength(node *ifNode, m *features.Matrix, row, depth int) float64 {
	if node.Leaf {
		return float64(depth) + expectedPathLength(node.Size)
	}
	if m.At(row, node.FeatureIdx) < node.Threshold {
		return pathLength(node.Left, m, row, depth+1)
	}
	return pathLength(node.Right, m, row, depth+1)
}

func expectedPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - (2.0 * float64(n-1) / float64(n))
}

func (f *IsolationForest) pathScores(m *features.Matrix) []float64 {
	c := expectedPathLength(f.MaxSamples)
	if c <= 0 {
		c = 1
	}
	scores := make([]float64, m.Rows())
	for r := 0; r < m.Rows(); r++ {
		total := 0.0
		for _, tree := range f.trees {
			total += pathLength(tree.root, m, r, 0)
		}
		avg := total / float64(len(f.trees))
		scores[r] = math.Pow(2, -avg/c)
	}
	return scores
}

func (f *IsolationForest) Predict(m *features.Matrix) ([]int, []float64, error) {
	if len(f.trees) == 0 {
		return nil, nil, fmt.Errorf("isolation_forest: not trained")
	}
	raw := f.pathScores(m)
	labels := make([]int, len(raw))
	for i, s := range raw {
		if s >= f.scoreThresh {
			labels[i] = LabelAnomaly
		} else {
			labels[i] = LabelInlier
		}
	}
	return labels, minMaxScale(raw), nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// persistedForest is the JSON-serializable form of a fitted forest.
type persistedForest struct {
	NumTrees      int       `json:"num_trees"`
	MaxSamples    int       `json:"max_samples"`
	Contamination float64   `json:"contamination"`
	NumFeatures   int       `json:"num_features"`
	ScoreThresh   float64   `json:"score_threshold"`
	Trees         []*ifNode `json:"trees"`
}

func (f *IsolationForest) Persist() ([]byte, error) {
	p := persistedForest{
		NumTrees:      f.NumTrees,
		MaxSamples:    f.MaxSamples,
		Contamination: f.Contamination,
		NumFeatures:   f.numFeatures,
		ScoreThresh:   f.scoreThresh,
		Trees:         make([]*ifNode, len(f.trees)),
	}
	for i, t := range f.trees {
		p.Trees[i] = t.root
	}
	return json.Marshal(p)
}

func (f *IsolationForest) Restore(blob []byte) error {
	var p persistedForest
	if err := json.Unmarshal(blob, &p); err != nil {
		return err
	}
	f.NumTrees = p.NumTrees
	f.MaxSamples = p.MaxSamples
	f.Contamination = p.Contamination
	f.numFeatures = p.NumFeatures
	f.scoreThresh = p.ScoreThresh
	f.trees = make([]*ifTree, len(p.Trees))
	for i, root := range p.Trees {
		f.trees[i] = &ifTree{root: root}
	}
	return nil
}
