// Package keys loads the RSA key material the sync package codec
// signs and verifies with. No third-party library in the example
// corpus offers PEM/PKCS8 RSA loading beyond what crypto/x509 already
// provides, so this package is a thin stdlib wrapper.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/mdzesseis/quorum/pkg/qerrors"
)

// KeyBits is the RSA modulus size generated for new node key pairs.
const KeyBits = 2048

// LoadPrivateKey reads and parses a PKCS8 PEM-encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.Security("keys", "load_private", err.Error()).Wrap(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, qerrors.Security("keys", "load_private", "no PEM block found in "+path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, qerrors.Security("keys", "load_private", err.Error()).Wrap(err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, qerrors.Security("keys", "load_private", "key is not RSA")
	}
	return rsaKey, nil
}

// LoadPublicKey reads and parses a PKIX PEM-encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.Security("keys", "load_public", err.Error()).Wrap(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, qerrors.Security("keys", "load_public", "no PEM block found in "+path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, qerrors.Security("keys", "load_public", err.Error()).Wrap(err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, qerrors.Security("keys", "load_public", "key is not RSA")
	}
	return rsaKey, nil
}

// GenerateAndSave creates a new RSA key pair and writes both halves as
// PEM files, used the first time a node is provisioned.
func GenerateAndSave(privatePath, publicPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return qerrors.Security("keys", "generate", err.Error()).Wrap(err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return qerrors.Security("keys", "generate", err.Error()).Wrap(err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return qerrors.Security("keys", "generate", err.Error()).Wrap(err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return qerrors.Security("keys", "generate", err.Error()).Wrap(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return os.WriteFile(publicPath, pubPEM, 0o644)
}

// LoadTrustedPublicKeys loads every file in dir that parses as a PEM
// RSA public key, whatever its extension (files that do not parse are
// skipped), keyed by file stem (conventionally the source node id), used to verify incoming
// sync packages against every node this hub has exchanged keys with.
func LoadTrustedPublicKeys(dir string) (map[string]*rsa.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*rsa.PublicKey{}, nil
		}
		return nil, qerrors.Security("keys", "load_trusted", err.Error()).Wrap(err)
	}

	out := make(map[string]*rsa.PublicKey, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem := stripExt(name)
		key, err := LoadPublicKey(dir + "/" + name)
		if err != nil {
			continue
		}
		out[stem] = key
	}
	return out, nil
}

func stripExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
