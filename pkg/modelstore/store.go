// Package modelstore persists and loads detector artifacts with a
// schema fingerprint: name, feature arity, canonicalized
// hyperparameters and an integrity digest computed over the rest of
// the metadata. Save and Load of the same detector name serialize on
// one in-process per-file lock; Load accepts a file only when its
// integrity tag validates.
package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/pkg/types"
)

const metadataVersion = 1

// Store persists DetectorArtifacts to gzip-compressed JSON files, one
// per detector name, under Directory.
type Store struct {
	directory string
	logger    *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Store rooted at directory, creating it if absent.
func New(directory string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, err
	}
	return &Store{directory: directory, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) fileLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(key string) string {
	return filepath.Join(s.directory, key+".model.json.gz")
}

// envelope is the on-disk layout: metadata plus the opaque payload.
type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	ModelName       string                 `json:"model_name"`
	MetadataVersion int                    `json:"metadata_version"`
	NFeatures       int                    `json:"n_features"`
	Params          map[string]interface{} `json:"params"`
	CreatedAt       time.Time              `json:"created_at"`
	Checksum        string                 `json:"checksum"`
}

// legacyEnvelope is the older, unversioned payload-only layout,
// accepted as a best-effort fallback when arity cannot be verified.
type legacyEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// Save writes the artifact under key (typically the detector name),
// computing the integrity digest over the canonical serialization of
// the metadata minus the checksum field.
func (s *Store) Save(key string, artifact types.DetectorArtifact) error {
	lock := s.fileLock(key)
	lock.Lock()
	defer lock.Unlock()

	meta := metadata{
		ModelName:       artifact.Name,
		MetadataVersion: metadataVersion,
		NFeatures:       artifact.FeatureArity,
		Params:          canonicalizeParams(artifact.Hyperparameters),
		CreatedAt:       time.Now().UTC(),
	}
	digest, err := checksum(meta)
	if err != nil {
		return err
	}
	meta.Checksum = digest

	env := envelope{Metadata: meta, Payload: artifact.TrainedStateBlob}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	f, err := os.Create(s.path(key))
	if err != nil {
		return err
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(raw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// Expectations pins what a caller requires the loaded artifact to
// match before it is accepted.
type Expectations struct {
	Name            string
	FeatureArity    int
	Hyperparameters map[string]interface{}
}

// Load returns the artifact for key if present and its metadata
// matches exp exactly; otherwise it returns (zero, false) and the
// caller must retrain. Never returns an error for a missing/invalid
// file — absence and corruption are both ordinary misses.
func (s *Store) Load(key string, exp Expectations) (types.DetectorArtifact, bool) {
	lock := s.fileLock(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		return types.DetectorArtifact{}, false
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return types.DetectorArtifact{}, false
	}
	defer gr.Close()

	var raw []byte
	buf := make([]byte, 32*1024)
	for {
		n, rerr := gr.Read(buf)
		raw = append(raw, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Metadata.ModelName == "" {
		return s.loadLegacy(raw, exp)
	}

	meta := env.Metadata
	digest, err := checksum(stripChecksum(meta))
	if err != nil || digest != meta.Checksum {
		s.logf("model store: checksum mismatch", key)
		return types.DetectorArtifact{}, false
	}
	if meta.ModelName != exp.Name {
		s.logf("model store: name mismatch", key)
		return types.DetectorArtifact{}, false
	}
	if meta.NFeatures != exp.FeatureArity {
		s.logf("model store: feature arity mismatch", key)
		return types.DetectorArtifact{}, false
	}
	if !paramsEqual(meta.Params, canonicalizeParams(exp.Hyperparameters)) {
		s.logf("model store: hyperparameter mismatch", key)
		return types.DetectorArtifact{}, false
	}

	return types.DetectorArtifact{
		Name:             meta.ModelName,
		FeatureArity:     meta.NFeatures,
		Hyperparameters:  meta.Params,
		TrainedStateBlob: env.Payload,
		IntegrityTag:     meta.Checksum,
		CreatedAt:        meta.CreatedAt,
	}, true
}

// loadLegacy accepts the pre-metadata payload-only file layout as a
// best-effort fallback; arity cannot be verified in that format.
func (s *Store) loadLegacy(raw []byte, exp Expectations) (types.DetectorArtifact, bool) {
	var legacy legacyEnvelope
	if err := json.Unmarshal(raw, &legacy); err != nil || len(legacy.Payload) == 0 {
		return types.DetectorArtifact{}, false
	}
	s.logf("model store: accepting legacy payload-only artifact", exp.Name)
	return types.DetectorArtifact{
		Name:             exp.Name,
		FeatureArity:     exp.FeatureArity,
		Hyperparameters:  exp.Hyperparameters,
		TrainedStateBlob: legacy.Payload,
	}, true
}

func (s *Store) logf(msg, key string) {
	if s.logger != nil {
		s.logger.WithField("key", key).Debug(msg)
	}
}

func stripChecksum(m metadata) metadata {
	m.Checksum = ""
	return m
}

func checksum(m metadata) (string, error) {
	m.Checksum = ""
	canon, err := canonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON produces key-sorted, minimally-whitespaced JSON so the
// digest is stable regardless of map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

func canonicalizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	raw, _ := canonicalJSON(params)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func paramsEqual(a, b map[string]interface{}) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
