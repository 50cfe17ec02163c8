package orchestrator

import (
	"context"
	"time"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// Run drives the preparer loop until the context is canceled. Each
// tick it collects PREPARING experiments whose compilations have all
// resolved, applies the results and deploys them; experiments stuck in
// PREPARING beyond the timeout are written off as UNKNOWN.
func (s *Service) Run(ctx context.Context) error {
	logger.Info(ctx, "Preparer started",
		"interval", s.opts.PrepareInterval, "timeout", s.opts.PreparingTimeout)

	ticker := time.NewTicker(s.opts.PrepareInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Preparer stopped")
			return nil
		case <-ticker.C:
			s.prepareTick(ctx)
		}
	}
}

func (s *Service) prepareTick(ctx context.Context) {
	records, err := s.store.ExperimentsByStatus(ctx, core.StatusPreparing)
	if err != nil {
		logger.Error(ctx, "Failed to list preparing experiments", "err", err)
		return
	}

	for _, rec := range records {
		if time.Since(rec.CreationTime) > s.opts.PreparingTimeout {
			logger.Warn(ctx, "Experiment stuck in preparation, writing it off",
				"experiment", rec.ID, "created", rec.CreationTime)
			if err := s.store.FailExperiment(ctx, rec.ID, core.StatusUnknown, "preparation timed out"); err != nil {
				logger.Error(ctx, "Failed to write off stuck experiment", "experiment", rec.ID, "err", err)
			}
			continue
		}

		compilations, err := s.store.CompilationsByExperiment(ctx, rec.ID)
		if err != nil {
			logger.Error(ctx, "Failed to load compilations", "experiment", rec.ID, "err", err)
			continue
		}
		if !allResolved(compilations) {
			continue
		}
		if !s.markInFlight(rec.ID) {
			continue
		}

		experimentID := rec.ID
		s.spawn(ctx, "prepare "+experimentID, func(ctx context.Context) {
			defer s.clearInFlight(experimentID)
			s.finalizePreparation(ctx, experimentID, compilations)
		})
	}
}

// finalizePreparation applies the compilation outcomes to the stored
// experiment, deploys it and flips it to READY. Runs under the
// experiment lock; an aborted deploy leaves the experiment PREPARING
// so the next tick retries.
func (s *Service) finalizePreparation(ctx context.Context, experimentID string, compilations []*storage.CompilationRecord) {
	unlock, err := s.store.AcquireLock(ctx, storage.ExperimentLock(experimentID))
	if err != nil {
		logger.Error(ctx, "Failed to lock experiment", "experiment", experimentID, "err", err)
		return
	}
	defer func() { _ = unlock() }()

	rec, err := s.store.ExperimentByID(ctx, experimentID)
	if err != nil {
		logger.Error(ctx, "Failed to reload experiment", "experiment", experimentID, "err", err)
		return
	}
	if rec.Status != core.StatusPreparing {
		return
	}

	s.applyCompilations(ctx, rec, compilations)
	if err := s.store.UpdateExperimentData(ctx, rec.ID, rec.Experiment); err != nil {
		logger.Error(ctx, "Failed to persist prepared experiment", "experiment", rec.ID, "err", err)
		return
	}

	if err := s.deployExperiment(ctx, rec); err != nil {
		logger.Error(ctx, "Deploy fan-out aborted", "experiment", rec.ID, "err", err)
		return
	}

	if err := s.store.SetExperimentStatus(ctx, rec.ID, core.StatusReady); err != nil {
		logger.Error(ctx, "Failed to mark experiment ready", "experiment", rec.ID, "err", err)
		return
	}
	logger.Info(ctx, "Experiment ready", "experiment", rec.ID, "name", rec.Name)
}

// applyCompilations folds resolved compilation rows back into the
// deployments that wait on them. Deployments are matched through the
// image tag assigned at preparation time. A failed compilation writes
// the deployment off and pre-finishes its executor with the build
// error.
func (s *Service) applyCompilations(ctx context.Context, rec *storage.ExperimentRecord, compilations []*storage.CompilationRecord) {
	byTag := make(map[string]*storage.CompilationRecord, len(compilations))
	for _, c := range compilations {
		byTag[s.imageTag(c.CompilationID)] = c
	}

	for _, d := range rec.Experiment.DeploymentMap {
		if d.Prepared || d.Error != "" {
			continue
		}
		image, ok := d.Environment().(*core.DockerImage)
		if !ok {
			continue
		}
		compilation, ok := byTag[image.Image]
		if !ok || compilation.Status == nil {
			continue
		}
		if *compilation.Status {
			d.Prepared = true
			continue
		}
		d.Error = compilation.Result
		logger.Warn(ctx, "Compilation failed for deployment",
			"experiment", rec.ID, "node", d.Node.Name, "executor", d.ExecutorID, "err", compilation.Result)
		if err := s.store.FinishExecutor(ctx, d.ExecutorID, compilation.Result); err != nil {
			logger.Error(ctx, "Failed to pre-finish executor after failed compilation",
				"executor", d.ExecutorID, "err", err)
		}
	}
}

func allResolved(compilations []*storage.CompilationRecord) bool {
	for _, c := range compilations {
		if c.Status == nil {
			return false
		}
	}
	return true
}

func (s *Service) markInFlight(experimentID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[experimentID]; busy {
		return false
	}
	s.inflight[experimentID] = struct{}{}
	return true
}

func (s *Service) clearInFlight(experimentID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, experimentID)
}
