package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// connectorCall is one connector verb applied to a group of
// deployments, returning per-executor results.
type connectorCall func(ctx context.Context, c connectors.Connector, req connectors.Request, group []*core.Deployment) (map[string]core.Result, error)

// deployableGroups filters the experiment's deployments down to the
// ones a fan-out can act on, grouped by owning connector. Unprepared
// and written-off deployments are finished with the standing reason;
// executors that already finished (compilation failures, earlier
// eviction) are skipped. Every required connector must be live, or the
// whole fan-out is refused before any background work starts.
func (s *Service) deployableGroups(ctx context.Context, rec *storage.ExperimentRecord, finished map[string]bool) (map[string][]*core.Deployment, error) {
	runnable := make([]*core.Deployment, 0, len(rec.Experiment.DeploymentMap))
	for _, d := range rec.Experiment.DeploymentMap {
		if !d.Prepared || d.Error != "" {
			if err := s.store.FinishExecutor(ctx, d.ExecutorID, reasonNotPrepared); err != nil {
				logger.Error(ctx, "Failed to finish unprepared executor",
					"experiment", rec.ID, "executor", d.ExecutorID, "err", err)
			}
			continue
		}
		if finished[d.ExecutorID] {
			continue
		}
		runnable = append(runnable, d)
	}

	groups := lo.GroupBy(runnable, func(d *core.Deployment) string {
		return d.Node.Connector()
	})
	for name := range groups {
		if _, ok := s.registry.Get(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrConnectorUnavailable, name)
		}
	}
	return groups, nil
}

// runGroups walks the connector groups sequentially and applies the
// call to each. A returned error (or panic) is a connector-wide fault:
// the connector is evicted, which fails all of its in-flight executors.
// Per-executor failures only finish the named executor.
func (s *Service) runGroups(ctx context.Context, rec *storage.ExperimentRecord, verb string,
	groups map[string][]*core.Deployment, call connectorCall) {
	names := lo.Keys(groups)
	sort.Strings(names)

	for _, name := range names {
		group := groups[name]
		connector, ok := s.registry.Get(name)
		if !ok {
			// Evicted after the preflight check; eviction already
			// failed its executors.
			logger.Warn(ctx, "Connector disappeared before fan-out",
				"connector", name, "verb", verb, "experiment", rec.ID)
			continue
		}

		logger.Info(ctx, "Fanning out to connector",
			"verb", verb, "connector", name, "experiment", rec.ID, "deployments", len(group))

		req := connectors.Request{
			Username:     rec.Username,
			ExperimentID: rec.ID,
			Context:      rec.Experiment.DeploymentContext[name],
		}
		results, err := connectors.Call(func() (map[string]core.Result, error) {
			return call(ctx, connector, req, group)
		})
		if err != nil {
			s.registry.Evict(ctx, name, fmt.Sprintf("%s failed: %v", verb, err))
			continue
		}

		for executorID, result := range results {
			if result.IsSuccess() {
				continue
			}
			reason := result.ErrorMessage()
			logger.Warn(ctx, "Executor failed during fan-out",
				"verb", verb, "connector", name, "executor", executorID, "reason", reason)
			if err := s.store.FinishExecutor(ctx, executorID, reason); err != nil {
				logger.Error(ctx, "Failed to record executor failure",
					"executor", executorID, "err", err)
			}
		}
	}
}

// deployExperiment publishes every runnable deployment's graph on the
// blackboard and fans the deploy verb out. Runs synchronously; the
// preparer backgrounds it per experiment.
func (s *Service) deployExperiment(ctx context.Context, rec *storage.ExperimentRecord) error {
	executors, err := s.store.ExecutorsByExperiment(ctx, rec.ID)
	if err != nil {
		return err
	}
	groups, err := s.deployableGroups(ctx, rec, finishedSet(executors))
	if err != nil {
		return err
	}

	// Executors poll the gateway for their graph; it must be readable
	// before any agent can come up on a node.
	for _, group := range groups {
		for _, d := range group {
			if err := blackboard.StoreGraph(ctx, s.board, d.ExecutorID, d.EncodedGraph); err != nil {
				return fmt.Errorf("stage graph for %s: %w", d.ExecutorID, err)
			}
		}
	}

	s.runGroups(ctx, rec, "deploy", groups,
		func(ctx context.Context, c connectors.Connector, req connectors.Request, group []*core.Deployment) (map[string]core.Result, error) {
			return c.Deploy(ctx, req, group)
		})
	return nil
}

// stopExecutors fans StopExecutors out over the unfinished executors,
// grouped by connector and experiment. The connector calls run on a
// background goroutine once every required connector is verified live.
func (s *Service) stopExecutors(ctx context.Context, username string, executors []*storage.ExecutorRecord) error {
	pending := lo.Filter(executors, func(r *storage.ExecutorRecord, _ int) bool {
		return !r.Finished
	})
	if len(pending) == 0 {
		return nil
	}

	type stopKey struct {
		connector  string
		experiment string
	}
	groups := lo.GroupBy(pending, func(r *storage.ExecutorRecord) stopKey {
		return stopKey{connector: r.Connector, experiment: r.ExperimentID}
	})
	for key := range groups {
		if _, ok := s.registry.Get(key.connector); !ok {
			return fmt.Errorf("%w: %s", ErrConnectorUnavailable, key.connector)
		}
	}

	s.spawn(context.WithoutCancel(ctx), "stop-executors", func(ctx context.Context) {
		for key, records := range groups {
			connector, ok := s.registry.Get(key.connector)
			if !ok {
				continue
			}
			targets := lo.Map(records, func(r *storage.ExecutorRecord, _ int) connectors.StopRequest {
				return connectors.StopRequest{ExecutorID: r.ExecutorID, NodeName: r.NodeName}
			})
			req := connectors.Request{Username: username, ExperimentID: key.experiment}

			logger.Info(ctx, "Stopping executors",
				"connector", key.connector, "experiment", key.experiment, "executors", len(targets))

			results, err := connectors.Call(func() (map[string]core.Result, error) {
				return connector.StopExecutors(ctx, req, targets)
			})
			if err != nil {
				s.registry.Evict(ctx, key.connector, fmt.Sprintf("stop failed: %v", err))
				continue
			}
			for executorID, result := range results {
				reason := reasonStopped
				if !result.IsSuccess() {
					reason = result.ErrorMessage()
				}
				if err := s.store.FinishExecutor(ctx, executorID, reason); err != nil {
					logger.Error(ctx, "Failed to finish stopped executor",
						"executor", executorID, "err", err)
				}
			}
		}
	})
	return nil
}

func finishedSet(executors []*storage.ExecutorRecord) map[string]bool {
	finished := make(map[string]bool, len(executors))
	for _, r := range executors {
		if r.Finished {
			finished[r.ExecutorID] = true
		}
	}
	return finished
}
