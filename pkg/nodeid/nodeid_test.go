package nodeid

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id1, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty id")
	}

	id2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable id, got %s then %s", id1, id2)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for corrupt identity file")
	}
}
