package watcher

import (
	"context"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// sweepLeases rebuilds the node lease table from the experiments that
// still hold nodes. Leases are derived state: a crash that loses the
// table costs one sweep interval, nothing more.
func (s *Service) sweepLeases(ctx context.Context) {
	records, err := s.store.ExperimentsByStatus(ctx,
		core.StatusPreparing, core.StatusReady, core.StatusRunning)
	if err != nil {
		logger.Error(ctx, "Failed to list experiments for lease sweep", "err", err)
		return
	}

	type leaseKey struct {
		node      string
		connector string
	}
	seen := make(map[leaseKey]struct{})
	leases := make([]*storage.Lease, 0)
	for _, rec := range records {
		if rec.Experiment == nil {
			continue
		}
		for _, d := range rec.Experiment.DeploymentMap {
			key := leaseKey{node: d.Node.Name, connector: d.Node.Connector()}
			if _, held := seen[key]; held {
				// Records come back oldest first, so the earliest
				// experiment keeps a contested node.
				continue
			}
			seen[key] = struct{}{}
			leases = append(leases, &storage.Lease{
				NodeName:  d.Node.Name,
				Username:  rec.Username,
				Connector: d.Node.Connector(),
			})
		}
	}

	if err := s.store.ReplaceLeases(ctx, leases); err != nil {
		logger.Error(ctx, "Failed to replace lease table", "err", err)
		return
	}
	logger.Debug(ctx, "Lease table rebuilt", "leases", len(leases), "experiments", len(records))
}
