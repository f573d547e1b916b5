// Package devices polls the host's mounted storage volumes so a sync
// package exported onto removable media can later be traced back to
// the device that carried it. Classification is a coarse heuristic:
// anything mounted under a removable-media path is flagged higher
// risk than the host's fixed volumes.
package devices

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/types"
)

var removableMountPrefixes = []string{"/media/", "/mnt/", "/run/media/"}

// Poller scans mounted partitions on demand and records what it sees.
type Poller struct {
	Store  *store.Store
	NodeID string
	Logger *logrus.Logger
}

// New constructs a Poller for nodeID.
func New(st *store.Store, nodeID string, logger *logrus.Logger) *Poller {
	return &Poller{Store: st, NodeID: nodeID, Logger: logger}
}

// Scan enumerates mounted partitions, classifies each, and persists a
// DeviceRecord per volume. It returns the records it wrote.
func (p *Poller) Scan(ctx context.Context) ([]types.DeviceRecord, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]types.DeviceRecord, 0, len(partitions))
	for _, part := range partitions {
		class := classify(part.Mountpoint)
		rec := types.DeviceRecord{
			DeviceID:    part.Device,
			NodeID:      p.NodeID,
			MountPoint:  part.Mountpoint,
			DeviceClass: class,
			RiskScore:   riskScore(class),
			SeenAt:      now,
		}
		if err := p.Store.InsertDeviceLog(ctx, rec); err != nil {
			if p.Logger != nil {
				p.Logger.WithError(err).WithField("device", rec.DeviceID).Warn("failed to record device sighting")
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func classify(mountpoint string) string {
	for _, prefix := range removableMountPrefixes {
		if strings.HasPrefix(mountpoint, prefix) {
			return "removable"
		}
	}
	return "fixed"
}

func riskScore(class string) float64 {
	if class == "removable" {
		return 0.70
	}
	return 0.10
}
