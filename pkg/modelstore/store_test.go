package modelstore

import (
	"testing"

	"github.com/mdzesseis/quorum/pkg/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	artifact := types.DetectorArtifact{
		Name:             "isolation_forest",
		FeatureArity:     20,
		Hyperparameters:  map[string]interface{}{"n_trees": 100.0, "contamination": 0.01},
		TrainedStateBlob: []byte(`{"trees":[]}`),
	}
	if err := store.Save("isolation_forest", artifact); err != nil {
		t.Fatalf("Save: %v", err)
	}

	exp := Expectations{Name: "isolation_forest", FeatureArity: 20, Hyperparameters: artifact.Hyperparameters}
	loaded, ok := store.Load("isolation_forest", exp)
	if !ok {
		t.Fatal("expected successful load")
	}
	if loaded.Name != artifact.Name || loaded.FeatureArity != artifact.FeatureArity {
		t.Fatalf("loaded artifact mismatch: %+v", loaded)
	}
}

func TestLoadRejectsArityMismatch(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir, nil)
	artifact := types.DetectorArtifact{Name: "statistical", FeatureArity: 20, TrainedStateBlob: []byte(`{}`)}
	_ = store.Save("statistical", artifact)

	_, ok := store.Load("statistical", Expectations{Name: "statistical", FeatureArity: 5})
	if ok {
		t.Fatal("expected load to fail on feature arity mismatch")
	}
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir, nil)
	_, ok := store.Load("absent", Expectations{Name: "absent", FeatureArity: 20})
	if ok {
		t.Fatal("expected missing key to report false")
	}
}

func TestLoadRejectsNameMismatch(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir, nil)
	_ = store.Save("k", types.DetectorArtifact{Name: "a", FeatureArity: 20, TrainedStateBlob: []byte(`{}`)})
	_, ok := store.Load("k", Expectations{Name: "b", FeatureArity: 20})
	if ok {
		t.Fatal("expected load to fail on name mismatch")
	}
}
