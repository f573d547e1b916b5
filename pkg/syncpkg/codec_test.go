package syncpkg

import (
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdzesseis/quorum/pkg/keys"
	"github.com/mdzesseis/quorum/pkg/types"
)

func genKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	dir := t.TempDir()
	privPath := filepath.Join(dir, "node.key")
	pubPath := filepath.Join(dir, "node.pem")
	if err := keys.GenerateAndSave(privPath, pubPath); err != nil {
		t.Fatalf("GenerateAndSave: %v", err)
	}
	priv, err := keys.LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	pub, err := keys.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	return priv, pub
}

func samplePackage() *types.SyncPackage {
	return &types.SyncPackage{
		PackageID:  "pkg-1",
		SourceNode: "node-a",
		SyncMethod: "removable_media",
		CreatedAt:  time.Now().UTC(),
		Anomalies: []types.SyncAnomaly{
			{OriginalID: 1, Score: 0.92, Algorithm: "ensemble", Severity: types.SeverityHigh, Message: "Failed password"},
		},
		LogSummary: types.NodeSnapshot{NodeID: "node-a", Hostname: "term-1"},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub := genKeyPair(t)
	pkg := samplePackage()

	if err := Sign(pkg, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if pkg.Signature == "" {
		t.Fatal("expected non-empty signature")
	}
	if err := Verify(*pkg, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv, pub := genKeyPair(t)
	pkg := samplePackage()
	if err := Sign(pkg, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	pkg.Anomalies[0].Score = 0.01
	if err := Verify(*pkg, pub); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestSignRejectsOversizedPackage(t *testing.T) {
	priv, _ := genKeyPair(t)
	pkg := samplePackage()
	pkg.Anomalies = make([]types.SyncAnomaly, MaxAnomaliesPerPackage+1)
	if err := Sign(pkg, priv); err == nil {
		t.Fatal("expected error for oversized package")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	priv, pub := genKeyPair(t)
	pkg := samplePackage()
	path := filepath.Join(t.TempDir(), "export.qsp")

	if err := Export(pkg, priv, path); err != nil {
		t.Fatalf("Export: %v", err)
	}

	trusted := map[string]*rsa.PublicKey{"node-a": pub}
	imported, err := Import(path, trusted)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported.PackageID != pkg.PackageID {
		t.Fatalf("expected package id %s, got %s", pkg.PackageID, imported.PackageID)
	}
}

func TestImportRejectsUntrustedSourceNode(t *testing.T) {
	priv, _ := genKeyPair(t)
	pkg := samplePackage()
	path := filepath.Join(t.TempDir(), "export.qsp")
	if err := Export(pkg, priv, path); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := Import(path, map[string]*rsa.PublicKey{}); err == nil {
		t.Fatal("expected import to fail for untrusted source node")
	}
}
