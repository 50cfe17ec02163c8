package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// resultPrebuilt marks compilation rows for environments that needed
// no build.
const resultPrebuilt = "prebuilt"

// PrepareExperiment validates a submitted experiment, assigns its
// identifiers, queues the environment compilations and persists the
// whole thing in PREPARING state. It is idempotent per (user, name):
// resubmitting the same name returns the already stored experiment ID
// untouched.
func (s *Service) PrepareExperiment(ctx context.Context, username, name string, experiment *core.Experiment) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := validateExperiment(experiment); err != nil {
		return "", err
	}

	// Racing prepares of the same name must agree on one winner.
	unlock, err := s.store.AcquireLock(ctx, prepareLock(username, name))
	if err != nil {
		return "", err
	}
	defer func() { _ = unlock() }()

	existing, err := s.store.ExperimentByName(ctx, username, name)
	if err == nil {
		logger.Info(ctx, "Experiment already prepared",
			"experiment", existing.ID, "name", name, "status", existing.Status.String())
		return existing.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	leases, err := s.store.Leases(ctx)
	if err != nil {
		return "", err
	}

	experimentID := uuid.NewString()
	executors := make([]*storage.ExecutorRecord, 0, len(experiment.DeploymentMap))
	for _, d := range experiment.DeploymentMap {
		d.ExecutorID = uuid.NewString()
		d.Prepared = false
		d.Error = ""
		record := &storage.ExecutorRecord{
			ExecutorID:   d.ExecutorID,
			ExperimentID: experimentID,
			NodeName:     d.Node.Name,
			Connector:    d.Node.Connector(),
		}
		// Node leases are a best-effort courtesy between users, not a
		// reservation: a conflicted deployment is written off here and
		// the rest of the experiment proceeds.
		if leasedByAnotherUser(leases, username, d.Node) {
			d.Error = fmt.Sprintf("node %s is leased by another user", d.Node.Name)
			record.Finished = true
			record.Error = d.Error
		}
		executors = append(executors, record)
	}

	compilations := s.planCompilations(experimentID, experiment)

	record := &storage.ExperimentRecord{
		ID:           experimentID,
		Username:     username,
		Name:         name,
		Status:       core.StatusPreparing,
		CreationTime: time.Now().UTC(),
		Experiment:   experiment,
	}
	if err := s.store.CreateExperiment(ctx, record, executors, compilations); err != nil {
		return "", err
	}

	logger.Info(ctx, "Experiment prepared",
		"experiment", experimentID,
		"name", name,
		"user", username,
		"deployments", len(experiment.DeploymentMap),
		"compilations", len(compilations))
	return experimentID, nil
}

// validateExperiment rejects submissions the rest of the pipeline
// cannot act on: an empty deployment map, nodes without a connector
// tag, missing environment definitions and graphs that do not satisfy
// the structural rules.
func validateExperiment(experiment *core.Experiment) error {
	if experiment == nil || len(experiment.DeploymentMap) == 0 {
		return fmt.Errorf("%w: deployment map is empty", ErrInvalidExperiment)
	}
	for i, d := range experiment.DeploymentMap {
		if d == nil || d.Node == nil {
			return fmt.Errorf("%w: deployment %d has no node", ErrInvalidExperiment, i)
		}
		if d.Node.Connector() == "" {
			return fmt.Errorf("%w: node %s has no connector", ErrInvalidExperiment, d.Node.Name)
		}
		if d.Environment() == nil {
			return fmt.Errorf("%w: deployment for %s has no environment definition", ErrInvalidExperiment, d.Node.Name)
		}
		graph, err := d.Graph()
		if err != nil {
			return fmt.Errorf("%w: deployment for %s: %v", ErrInvalidExperiment, d.Node.Name, err)
		}
		if err := graph.Validate(); err != nil {
			return fmt.Errorf("%w: deployment for %s: %v", ErrInvalidExperiment, d.Node.Name, err)
		}
	}
	return nil
}

// planCompilations deduplicates environment builds across the
// experiment. Deployments sharing (environment hash, encoded graph,
// architecture) share one compilation; the target image tag is
// assigned up front so each deployment already names the image it will
// run. Prebuilt images and shell environments need no build: they are
// marked prepared immediately and their rows recorded as succeeded so
// every environment keeps a bookkeeping trail. Deployments written off
// during the lease check are skipped.
func (s *Service) planCompilations(experimentID string, experiment *core.Experiment) []*storage.CompilationRecord {
	type planKey struct {
		environment  string
		graph        string
		architecture string
	}
	planned := make(map[planKey]*storage.CompilationRecord)
	records := make([]*storage.CompilationRecord, 0, len(experiment.DeploymentMap))

	for _, d := range experiment.DeploymentMap {
		if d.Error != "" {
			continue
		}
		env := d.Environment()
		key := planKey{
			environment:  env.Hash(),
			graph:        d.EncodedGraph,
			architecture: d.Node.Architecture.String(),
		}
		record, seen := planned[key]
		if !seen {
			record = &storage.CompilationRecord{
				ExperimentID:  experimentID,
				CompilationID: uuid.NewString(),
				Architecture:  d.Node.Architecture.String(),
				Environment:   env.Clone(),
			}
			if !needsBuild(env) {
				succeeded := true
				record.Status = &succeeded
				record.Result = resultPrebuilt
			}
			planned[key] = record
			records = append(records, record)
		}

		if image, ok := env.(*core.DockerImage); ok && image.Image == "" {
			// The compile worker pushes to exactly this tag, so the
			// deployment is complete the moment the build succeeds.
			image.Image = s.imageTag(record.CompilationID)
		} else {
			d.Prepared = true
		}
	}
	return records
}

// needsBuild reports whether the compilation pipeline must produce an
// image for the environment.
func needsBuild(env core.EnvironmentDefinition) bool {
	image, ok := env.(*core.DockerImage)
	return ok && image.Image == ""
}

// imageTag names the image a compilation produces.
func (s *Service) imageTag(compilationID string) string {
	return s.opts.CompilerRegistry + ":" + compilationID
}

func leasedByAnotherUser(leases []*storage.Lease, username string, node *core.Node) bool {
	return lo.ContainsBy(leases, func(lease *storage.Lease) bool {
		return lease.NodeName == node.Name &&
			lease.Connector == node.Connector() &&
			lease.Username != username
	})
}
