// Package ensemble runs the base detectors and the keyword scorer,
// blends their outputs, calibrates and thresholds the result. It
// implements both the single-algorithm and all-detector ensemble
// modes of the Ensemble Orchestrator (C5).
package ensemble

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/pkg/detectors"
	"github.com/mdzesseis/quorum/pkg/features"
	"github.com/mdzesseis/quorum/pkg/keyword"
	"github.com/mdzesseis/quorum/pkg/modelstore"
	"github.com/mdzesseis/quorum/pkg/types"
)

// fixedWeights are the ensemble-mode blend weights.
var fixedWeights = map[string]float64{
	"isolation_forest": 0.35,
	"one_class_svm":    0.25,
	"statistical":      0.20,
	"keyword":          0.20,
}

// Result is the per-row output of a Run call.
type Result struct {
	Labels     []int
	Raw        []float64
	Calibrated []float64
	Threshold  float64
}

// Orchestrator wires the Model Store and a fixed detector set, and
// runs them for either ensemble mode or single-algorithm mode.
type Orchestrator struct {
	store     *modelstore.Store
	logger    *logrus.Logger
	detectors map[string]detectors.Detector
}

// New constructs an Orchestrator from a prebuilt detector set (keyed
// by Detector.Name()).
func New(store *modelstore.Store, logger *logrus.Logger, dset []detectors.Detector) *Orchestrator {
	m := make(map[string]detectors.Detector, len(dset))
	for _, d := range dset {
		m[d.Name()] = d
	}
	return &Orchestrator{store: store, logger: logger, detectors: m}
}

// restoreOrFit loads a matching artifact from the Model Store; on
// miss (or forceRetrain), fits the detector and persists the result.
func (o *Orchestrator) restoreOrFit(d detectors.Detector, m *features.Matrix, forceRetrain bool) error {
	exp := modelstore.Expectations{Name: d.Name(), FeatureArity: m.Cols(), Hyperparameters: d.Hyperparameters()}
	if !forceRetrain {
		if artifact, ok := o.store.Load(d.Name(), exp); ok {
			if err := d.Restore(artifact.TrainedStateBlob); err == nil {
				return nil
			}
		}
	}
	if err := d.Fit(m); err != nil {
		return err
	}
	blob, err := d.Persist()
	if err != nil {
		return err
	}
	return o.store.Save(d.Name(), types.DetectorArtifact{
		Name:             d.Name(),
		FeatureArity:     m.Cols(),
		Hyperparameters:  d.Hyperparameters(),
		TrainedStateBlob: blob,
	})
}

// RunSingle runs exactly one named base detector, blending with
// keyword scores when rawRecords is non-empty.
func (o *Orchestrator) RunSingle(ctx context.Context, name string, m *features.Matrix, rawRecords []types.LogRecord, forceRetrain bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d, ok := o.detectors[name]
	if !ok {
		return Result{}, detectorNotFound(name)
	}
	if err := o.restoreOrFit(d, m, forceRetrain); err != nil {
		return Result{}, err
	}
	_, scores, err := d.Predict(m)
	if err != nil {
		return Result{}, err
	}

	blended := scores
	if len(rawRecords) > 0 {
		kw := keyword.ScoreBatch(rawRecords)
		blended = blend(scores, kw, 0.75, 0.25)
	}
	return o.finalize(blended), nil
}

// RunEnsemble runs every configured base detector concurrently with
// the keyword scorer, combining with fixed weights. Any detector
// failure contributes a zero vector rather than failing the batch.
func (o *Orchestrator) RunEnsemble(ctx context.Context, m *features.Matrix, rawRecords []types.LogRecord, forceRetrain bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	names := make([]string, 0, len(o.detectors)+1)
	for name := range o.detectors {
		names = append(names, name)
	}
	names = append(names, "keyword")

	workers := len(names)
	if workers > 4 {
		workers = 4
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	contributions := make(map[string][]float64, len(names))
	var mu sync.Mutex

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			scores := o.scoreOne(name, m, rawRecords, forceRetrain)
			mu.Lock()
			contributions[name] = scores
			mu.Unlock()
		}()
	}
	wg.Wait()

	blended := make([]float64, m.Rows())
	for name, weight := range fixedWeights {
		scores, ok := contributions[name]
		if !ok {
			continue
		}
		for i, s := range scores {
			blended[i] += weight * s
		}
	}
	return o.finalize(blended), nil
}

// scoreOne runs a single detector (or the keyword scorer) and recovers
// from any failure by returning a zero vector, per the ensemble's
// failure-as-zero-contribution contract.
func (o *Orchestrator) scoreOne(name string, m *features.Matrix, rawRecords []types.LogRecord, forceRetrain bool) []float64 {
	if name == "keyword" {
		if len(rawRecords) == 0 {
			return make([]float64, m.Rows())
		}
		return keyword.ScoreBatch(rawRecords)
	}

	zero := make([]float64, m.Rows())
	d, ok := o.detectors[name]
	if !ok {
		return zero
	}
	defer func() {
		if r := recover(); r != nil && o.logger != nil {
			o.logger.WithField("detector", name).WithField("panic", r).Error("detector panicked, treating as zero contribution")
		}
	}()
	if err := o.restoreOrFit(d, m, forceRetrain); err != nil {
		if o.logger != nil {
			o.logger.WithField("detector", name).WithError(err).Warn("detector fit/restore failed, zero contribution")
		}
		return zero
	}
	_, scores, err := d.Predict(m)
	if err != nil {
		if o.logger != nil {
			o.logger.WithField("detector", name).WithError(err).Warn("detector predict failed, zero contribution")
		}
		return zero
	}
	return scores
}

func (o *Orchestrator) finalize(blended []float64) Result {
	calibrated := Calibrate(blended)
	thresh := PercentileThreshold(calibrated)
	labels := LabelsFromThreshold(calibrated, thresh)
	return Result{Labels: labels, Raw: blended, Calibrated: calibrated, Threshold: thresh}
}

func blend(detectorScores, keywordScores []float64, wDetector, wKeyword float64) []float64 {
	out := make([]float64, len(detectorScores))
	for i := range out {
		out[i] = wDetector*detectorScores[i] + wKeyword*keywordScores[i]
	}
	return out
}

type notFoundError string

func (e notFoundError) Error() string { return "ensemble: detector not found: " + string(e) }

func detectorNotFound(name string) error { return notFoundError(name) }
