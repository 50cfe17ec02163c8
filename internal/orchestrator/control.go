package orchestrator

import (
	"context"
	"time"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// StartExecution moves a READY experiment to RUNNING and fans the
// execute verb out in the background, returning the experiment ID.
// The status flips before the fan-out starts, so executors that
// report instantly already find the experiment running. Unprepared
// deployments are finished with "executor was not prepared" instead
// of being executed.
func (s *Service) StartExecution(ctx context.Context, username, name string) (string, error) {
	rec, err := s.experimentOf(ctx, username, name)
	if err != nil {
		return "", err
	}

	unlock, err := s.store.AcquireLock(ctx, storage.ExperimentLock(rec.ID))
	if err != nil {
		return "", err
	}
	defer func() { _ = unlock() }()

	// Re-read under the lock; a concurrent start may have won.
	rec, err = s.store.ExperimentByID(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if rec.Status != core.StatusReady {
		return "", ErrNotReady
	}

	executors, err := s.store.ExecutorsByExperiment(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	groups, err := s.deployableGroups(ctx, rec, finishedSet(executors))
	if err != nil {
		return "", err
	}

	if err := s.store.MarkExperimentStarted(ctx, rec.ID, time.Now().UTC()); err != nil {
		return "", err
	}
	logger.Info(ctx, "Experiment started", "experiment", rec.ID, "name", name, "user", username)

	s.spawn(context.WithoutCancel(ctx), "execute "+rec.ID, func(ctx context.Context) {
		s.runGroups(ctx, rec, "execute", groups,
			func(ctx context.Context, c connectors.Connector, req connectors.Request, group []*core.Deployment) (map[string]core.Result, error) {
				return c.Execute(ctx, req, group)
			})
	})
	return rec.ID, nil
}

// CancelExperiment stops every unfinished executor of the named
// experiment. The experiment itself finishes through the watcher once
// all executors are accounted for.
func (s *Service) CancelExperiment(ctx context.Context, username, name string) error {
	rec, err := s.experimentOf(ctx, username, name)
	if err != nil {
		return err
	}
	executors, err := s.store.ExecutorsByExperiment(ctx, rec.ID)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Canceling experiment", "experiment", rec.ID, "name", name, "user", username)
	return s.stopExecutors(ctx, username, executors)
}

// CancelExecutors stops the given executors across whatever
// experiments of the user they belong to. IDs the user does not own
// are silently dropped.
func (s *Service) CancelExecutors(ctx context.Context, username string, executorIDs []string) error {
	if len(executorIDs) == 0 {
		return nil
	}
	executors, err := s.store.ExecutorsOwnedBy(ctx, username, executorIDs)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Canceling executors", "user", username, "requested", len(executorIDs), "owned", len(executors))
	return s.stopExecutors(ctx, username, executors)
}
