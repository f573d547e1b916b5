// Package syncpkg implements the signed sync-package protocol (C9):
// a terminal node exports a bounded batch of anomalies as a signed
// ".qsp" JSON file, and a hub verifies the signature against a
// trusted public key before importing. Signing is RSA-PSS over
// SHA-256, computed over the package's canonical JSON encoding with
// the signature field itself excluded.
package syncpkg

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/mdzesseis/quorum/pkg/qerrors"
	"github.com/mdzesseis/quorum/pkg/types"
)

// MaxAnomaliesPerPackage bounds a single sync package, matching the
// terminal's outbox batching contract.
const MaxAnomaliesPerPackage = 500

func digest(pkg types.SyncPackage) ([]byte, error) {
	pkg.Signature = ""
	canon, err := canonicalJSON(pkg)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// Sign computes the package's digest and sets its Signature field to
// the base64-encoded RSA-PSS signature, using the maximum salt length
// MGF1-SHA256 allows.
func Sign(pkg *types.SyncPackage, priv *rsa.PrivateKey) error {
	if len(pkg.Anomalies) > MaxAnomaliesPerPackage {
		return qerrors.Validation("syncpkg", "sign", "package exceeds max anomalies").
			WithMeta("count", len(pkg.Anomalies)).WithMeta("max", MaxAnomaliesPerPackage)
	}
	hash, err := digest(*pkg)
	if err != nil {
		return qerrors.Security("syncpkg", "sign", err.Error()).Wrap(err)
	}
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hash, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return qerrors.Security("syncpkg", "sign", err.Error()).Wrap(err)
	}
	pkg.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify recomputes the package's digest (with the carried signature
// stripped) and checks it against the supplied public key.
func Verify(pkg types.SyncPackage, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(pkg.Signature)
	if err != nil {
		return qerrors.Security("syncpkg", "verify", "signature is not valid base64").Wrap(err)
	}
	hash, err := digest(pkg)
	if err != nil {
		return qerrors.Security("syncpkg", "verify", err.Error()).Wrap(err)
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hash, sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}); err != nil {
		return qerrors.Security("syncpkg", "verify", "signature verification failed").Wrap(err)
	}
	return nil
}

// Export signs pkg and writes it as pretty-printed JSON to path.
func Export(pkg *types.SyncPackage, priv *rsa.PrivateKey, path string) error {
	if err := Sign(pkg, priv); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return qerrors.Security("syncpkg", "export", err.Error()).Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return qerrors.Security("syncpkg", "export", err.Error()).Wrap(err)
	}
	return nil
}

// Import reads and parses a .qsp file, then verifies it against the
// trusted public key registered for its SourceNode. An unrecognized
// source node or a failed signature both fail closed.
func Import(path string, trusted map[string]*rsa.PublicKey) (types.SyncPackage, error) {
	var pkg types.SyncPackage
	data, err := os.ReadFile(path)
	if err != nil {
		return pkg, qerrors.Security("syncpkg", "import", err.Error()).Wrap(err)
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return pkg, qerrors.Parser("syncpkg", "import", err.Error()).Wrap(err)
	}
	if len(pkg.Anomalies) > MaxAnomaliesPerPackage {
		return pkg, qerrors.Validation("syncpkg", "import", "package exceeds max anomalies")
	}

	pub, ok := trusted[pkg.SourceNode]
	if !ok {
		return pkg, qerrors.Security("syncpkg", "import", "no trusted key registered for source node "+pkg.SourceNode)
	}
	if err := Verify(pkg, pub); err != nil {
		return pkg, err
	}
	return pkg, nil
}
