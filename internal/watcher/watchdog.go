package watcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// Watchdog releases what terminal experiments leave behind: connector
// resources of cleanup-enabled deployments and the experiment's
// blackboard keys. The cleaned-up claim lives in storage, so replicas
// never double-clean and a failed pass is retried on the next sweep of
// whoever wins the claim.
type Watchdog struct {
	store    storage.Store
	board    blackboard.Blackboard
	registry *connectors.Registry
	interval time.Duration
}

// NewWatchdog builds the watchdog. interval <= 0 selects the default
// five minute cadence.
func NewWatchdog(store storage.Store, board blackboard.Blackboard, registry *connectors.Registry, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watchdog{
		store:    store,
		board:    board,
		registry: registry,
		interval: interval,
	}
}

// Run sweeps on the configured cadence until the context is canceled.
// One sweep runs right away so a restart does not sit on pending
// cleanups for a whole interval.
func (w *Watchdog) Run(ctx context.Context) error {
	logger.Info(ctx, "Cleanup watchdog started", "interval", w.interval)

	scheduler := cron.New()
	scheduler.Schedule(cron.Every(w.interval), cron.FuncJob(func() {
		w.Sweep(ctx)
	}))
	scheduler.Start()
	w.Sweep(ctx)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info(ctx, "Cleanup watchdog stopped")
	return nil
}

// Sweep cleans every terminal experiment not yet claimed. UNKNOWN
// counts as terminal here: written-off experiments still hold
// infrastructure.
func (w *Watchdog) Sweep(ctx context.Context) {
	records, err := w.store.ExperimentsByStatus(ctx, core.StatusFinished, core.StatusUnknown)
	if err != nil {
		logger.Error(ctx, "Failed to list experiments for cleanup", "err", err)
		return
	}
	for _, rec := range records {
		if rec.CleanedUp {
			continue
		}
		w.cleanExperiment(ctx, rec)
	}
}

func (w *Watchdog) cleanExperiment(ctx context.Context, rec *storage.ExperimentRecord) {
	claimed, err := w.store.MarkCleanedUp(ctx, rec.ID)
	if err != nil {
		logger.Error(ctx, "Failed to claim experiment for cleanup", "experiment", rec.ID, "err", err)
		return
	}
	if !claimed {
		return
	}
	logger.Info(ctx, "Cleaning up experiment", "experiment", rec.ID, "name", rec.Name)

	if rec.Experiment != nil {
		wanted := lo.Filter(rec.Experiment.DeploymentMap, func(d *core.Deployment, _ int) bool {
			return d.Cleanup
		})
		groups := lo.GroupBy(wanted, func(d *core.Deployment) string {
			return d.Node.Connector()
		})
		names := lo.Keys(groups)
		sort.Strings(names)
		for _, name := range names {
			w.cleanupConnector(ctx, name, rec.ID, groups[name])
		}
	}

	w.dropBoardKeys(ctx, rec)
}

// cleanupConnector invokes one connector's Cleanup. An error is logged
// and swallowed, cleanup is best-effort. A panic evicts the connector,
// same as for every other capability.
func (w *Watchdog) cleanupConnector(ctx context.Context, name, experimentID string, deployments []*core.Deployment) {
	connector, ok := w.registry.Get(name)
	if !ok {
		logger.Warn(ctx, "Connector gone, skipping its cleanup",
			"connector", name, "experiment", experimentID)
		return
	}

	var panicked any
	err := func() (err error) {
		defer func() { panicked = recover() }()
		return connector.Cleanup(ctx, experimentID, deployments)
	}()

	switch {
	case panicked != nil:
		w.registry.Evict(ctx, name, fmt.Sprintf("cleanup panicked: %v", panicked))
	case err != nil:
		logger.Warn(ctx, "Connector cleanup failed",
			"connector", name, "experiment", experimentID, "err", err)
	default:
		logger.Debug(ctx, "Connector cleanup done",
			"connector", name, "experiment", experimentID, "deployments", len(deployments))
	}
}

// dropBoardKeys removes the experiment's graph, result and heartbeat
// keys so the board does not accumulate finished experiments.
func (w *Watchdog) dropBoardKeys(ctx context.Context, rec *storage.ExperimentRecord) {
	executors, err := w.store.ExecutorsByExperiment(ctx, rec.ID)
	if err != nil {
		logger.Error(ctx, "Failed to list executors for board cleanup", "experiment", rec.ID, "err", err)
		return
	}
	keys := make([]string, 0, len(executors)*3)
	for _, executor := range executors {
		keys = append(keys,
			blackboard.ExecutorGraphKey(executor.ExecutorID),
			blackboard.ExecutorResultKey(executor.ExecutorID),
			blackboard.ExecutorHeartbeatKey(executor.ExecutorID),
		)
	}
	if len(keys) == 0 {
		return
	}
	if err := w.board.Delete(ctx, keys...); err != nil {
		logger.Warn(ctx, "Failed to drop blackboard keys", "experiment", rec.ID, "err", err)
	}
}
