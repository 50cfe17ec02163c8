package watcher

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// watchExperiment follows one experiment until it is finished or the
// watch loses it to a storage fault. The record passed in is the
// discovery snapshot; every state decision re-reads storage.
func (s *Service) watchExperiment(ctx context.Context, rec *storage.ExperimentRecord) {
	logger.Info(ctx, "Watching experiment",
		"experiment", rec.ID, "name", rec.Name, "status", rec.Status.String())

	if rec.Status == core.StatusReady {
		if rec = s.awaitStart(ctx, rec); rec == nil {
			return
		}
	}
	if rec.Status != core.StatusRunning {
		logger.Warn(ctx, "Experiment in unexpected status, not following",
			"experiment", rec.ID, "status", rec.Status.String())
		return
	}
	s.followExecution(ctx, rec)
}

// awaitStart polls a READY experiment until it starts. An experiment
// still READY past its start budget is written off as FINISHED with
// reasonNeverStarted. Returns the fresh record once the status moved,
// or nil when the watch is over.
func (s *Service) awaitStart(ctx context.Context, rec *storage.ExperimentRecord) *storage.ExperimentRecord {
	budget := s.startBudget(rec.Experiment)
	deadline := rec.CreationTime.Add(budget)

	ticker := time.NewTicker(s.opts.ReadyPollInterval)
	defer ticker.Stop()

	for {
		fresh, err := s.store.ExperimentByID(ctx, rec.ID)
		if err != nil {
			logger.Error(ctx, "Failed to poll experiment", "experiment", rec.ID, "err", err)
			return nil
		}
		if fresh.Status != core.StatusReady {
			return fresh
		}
		if time.Now().UTC().After(deadline) {
			logger.Warn(ctx, "Experiment never started within its budget",
				"experiment", rec.ID, "created", rec.CreationTime, "budget", budget)
			s.finishExperiment(ctx, rec, core.StatusReady, reasonNeverStarted)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// startBudget is how long a READY experiment may wait for its start.
// The most patient deployment sets the budget for the experiment.
func (s *Service) startBudget(experiment *core.Experiment) time.Duration {
	budget := s.opts.KeepaliveTimeout
	if experiment == nil {
		return budget
	}
	for _, d := range experiment.DeploymentMap {
		if per := time.Duration(d.KeepAliveTimeoutMinutes) * time.Minute; per > budget {
			budget = per
		}
	}
	return budget
}

// followExecution polls a RUNNING experiment until every executor is
// resolved. Results collected so far are persisted on every tick, so a
// status query shows partial results while the experiment runs.
func (s *Service) followExecution(ctx context.Context, rec *storage.ExperimentRecord) {
	start := time.Now().UTC()
	if rec.StartTime != nil {
		start = rec.StartTime.UTC()
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		fresh, err := s.store.ExperimentByID(ctx, rec.ID)
		if err != nil {
			logger.Error(ctx, "Failed to poll experiment", "experiment", rec.ID, "err", err)
			return
		}
		if fresh.Status != core.StatusRunning {
			logger.Warn(ctx, "Experiment left RUNNING under the watch",
				"experiment", rec.ID, "status", fresh.Status.String())
			return
		}

		results, resolved := s.collectResults(ctx, fresh, start)
		if err := s.store.SaveExecutionResults(ctx, rec.ID, results); err != nil {
			logger.Error(ctx, "Failed to persist execution results", "experiment", rec.ID, "err", err)
		} else if resolved {
			s.finishExperiment(ctx, rec, core.StatusRunning, "")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// collectResults assembles the per-deployment outcome list. The bool
// reports whether every executor is accounted for.
func (s *Service) collectResults(ctx context.Context, rec *storage.ExperimentRecord, start time.Time) ([]*core.DeploymentExecutionResult, bool) {
	if rec.Experiment == nil {
		return nil, true
	}
	results := make([]*core.DeploymentExecutionResult, 0, len(rec.Experiment.DeploymentMap))
	resolved := true
	for _, d := range rec.Experiment.DeploymentMap {
		result, ok := s.resolveDeployment(ctx, d, start)
		results = append(results, result)
		resolved = resolved && ok
	}
	return results, resolved
}

// resolveDeployment reports whether one executor is accounted for:
// finished in storage, a result slot on the board, or declared dead
// right here after outliving its silence budget. The returned entry
// carries whatever is known about the deployment either way.
func (s *Service) resolveDeployment(ctx context.Context, d *core.Deployment, start time.Time) (*core.DeploymentExecutionResult, bool) {
	out := &core.DeploymentExecutionResult{
		Node:         d.Node,
		ExecutorID:   d.ExecutorID,
		EncodedGraph: d.EncodedGraph,
	}
	if d.ExecutorID == "" {
		// Never assigned an executor; nothing will ever report.
		out.Error = d.Error
		return out, true
	}

	finished := false
	if executor, err := s.store.ExecutorByID(ctx, d.ExecutorID); err != nil {
		logger.Error(ctx, "Failed to load executor", "executor", d.ExecutorID, "err", err)
	} else {
		finished = executor.Finished
		out.Error = executor.Error
	}

	// Progress snapshots surface in the saved results right away, but
	// only a terminal upload resolves the deployment.
	envelope, reported, err := blackboard.LoadResult(ctx, s.board, d.ExecutorID)
	if err != nil {
		logger.Error(ctx, "Failed to read result slot", "executor", d.ExecutorID, "err", err)
	}
	if reported {
		out.EncodedReport = envelope.EncodedReport
	}
	if finished || (reported && envelope.State.Terminal()) {
		return out, true
	}

	lastSeen, seen, err := blackboard.LastSeen(ctx, s.board, d.ExecutorID)
	if err != nil {
		logger.Error(ctx, "Failed to read executor heartbeat", "executor", d.ExecutorID, "err", err)
	}
	if !seen {
		lastSeen = start
	}
	budget := s.opts.KeepaliveTimeout
	if d.KeepAliveTimeoutMinutes > 0 {
		budget = time.Duration(d.KeepAliveTimeoutMinutes) * time.Minute
	}
	if time.Since(lastSeen) <= budget {
		return out, false
	}

	logger.Warn(ctx, "Executor silent past its keepalive, declaring it dead",
		"executor", d.ExecutorID, "node", d.Node.Name, "last_seen", lastSeen, "budget", budget)

	envelope, err = deadExecutorReport()
	if err != nil {
		logger.Error(ctx, "Failed to build synthetic report", "executor", d.ExecutorID, "err", err)
		return out, false
	}
	if err := blackboard.StoreResult(ctx, s.board, d.ExecutorID, envelope); err != nil {
		logger.Error(ctx, "Failed to write synthetic report", "executor", d.ExecutorID, "err", err)
		return out, false
	}
	if err := s.store.FinishExecutor(ctx, d.ExecutorID, reasonNotResponding); err != nil {
		logger.Error(ctx, "Failed to finish dead executor", "executor", d.ExecutorID, "err", err)
	}
	out.EncodedReport = envelope.EncodedReport
	out.Error = reasonNotResponding
	return out, true
}

// deadExecutorReport is the envelope written into a silent executor's
// result slot. It decodes like a real report, so nothing downstream
// has to special-case synthetic failures.
func deadExecutorReport() (blackboard.ExecutorResult, error) {
	encoded, err := core.EncodeExecutionReport(&core.ExecutionReport{
		Outcome: core.Failure(reasonNotResponding),
	})
	if err != nil {
		return blackboard.ExecutorResult{}, err
	}
	return blackboard.ExecutorResult{
		EncodedReport: encoded,
		State:         core.ExecutorFinished,
	}, nil
}

// finishExperiment moves the experiment to FINISHED under the
// experiment lock, finishing every executor still open and releasing
// the node leases. expect guards the transition: a record whose status
// changed underneath is left to whoever changed it.
func (s *Service) finishExperiment(ctx context.Context, rec *storage.ExperimentRecord, expect core.ExperimentStatus, reason string) {
	unlock, err := s.store.AcquireLock(ctx, storage.ExperimentLock(rec.ID))
	if err != nil {
		logger.Error(ctx, "Failed to lock experiment", "experiment", rec.ID, "err", err)
		return
	}
	defer func() { _ = unlock() }()

	fresh, err := s.store.ExperimentByID(ctx, rec.ID)
	if err != nil {
		logger.Error(ctx, "Failed to reload experiment", "experiment", rec.ID, "err", err)
		return
	}
	if fresh.Status != expect {
		logger.Warn(ctx, "Experiment changed status, leaving it alone",
			"experiment", rec.ID, "status", fresh.Status.String(), "expected", expect.String())
		return
	}

	executors, err := s.store.ExecutorsByExperiment(ctx, rec.ID)
	if err != nil {
		logger.Error(ctx, "Failed to list executors to finish", "experiment", rec.ID, "err", err)
		return
	}
	for _, executor := range executors {
		if executor.Finished {
			continue
		}
		if err := s.store.FinishExecutor(ctx, executor.ExecutorID, reason); err != nil {
			logger.Error(ctx, "Failed to finish executor", "executor", executor.ExecutorID, "err", err)
		}
	}

	if reason != "" {
		err = s.store.FailExperiment(ctx, rec.ID, core.StatusFinished, reason)
	} else {
		err = s.store.SetExperimentStatus(ctx, rec.ID, core.StatusFinished)
	}
	if err != nil {
		logger.Error(ctx, "Failed to mark experiment finished", "experiment", rec.ID, "err", err)
		return
	}

	s.releaseLeases(ctx, fresh)
	logger.Info(ctx, "Experiment finished", "experiment", rec.ID, "name", rec.Name)
}

// releaseLeases frees the experiment's nodes ahead of the next sweep.
func (s *Service) releaseLeases(ctx context.Context, rec *storage.ExperimentRecord) {
	if rec.Experiment == nil {
		return
	}
	names := lo.Uniq(lo.Map(rec.Experiment.DeploymentMap, func(d *core.Deployment, _ int) string {
		return d.Node.Name
	}))
	if err := s.store.DeleteLeases(ctx, rec.Username, names); err != nil {
		logger.Error(ctx, "Failed to release node leases", "experiment", rec.ID, "err", err)
	}
}
