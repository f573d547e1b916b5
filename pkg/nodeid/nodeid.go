// Package nodeid manages this host's stable identity within the sync
// mesh: a UUID generated once on first run and never regenerated,
// since every sync package and hub dedup key is scoped by it.
package nodeid

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mdzesseis/quorum/pkg/qerrors"
)

type identity struct {
	NodeID string `json:"node_id"`
}

// Load reads the node identity from path, creating one with a fresh
// UUID if the file does not yet exist.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr == nil && id.NodeID != "" {
			return id.NodeID, nil
		}
		return "", qerrors.Configuration("nodeid", "load", "identity file is corrupt: "+path)
	}
	if !os.IsNotExist(err) {
		return "", qerrors.Configuration("nodeid", "load", err.Error()).Wrap(err)
	}

	id := identity{NodeID: uuid.NewString()}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", qerrors.Configuration("nodeid", "create", err.Error()).Wrap(err)
	}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return "", qerrors.Configuration("nodeid", "create", err.Error()).Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", qerrors.Configuration("nodeid", "create", err.Error()).Wrap(err)
	}
	return id.NodeID, nil
}
