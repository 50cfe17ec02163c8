// Package storage defines the persistent records behind the control
// plane and the Store interface the services program against. The
// postgres subpackage is the production implementation; the memory
// subpackage backs tests and single-process development.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/netmark-org/netmark/internal/core"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when an insert collides with an
	// existing record.
	ErrDuplicate = errors.New("storage: already exists")
)

// ExperimentRecord is the persistent state of one experiment. The full
// experiment serialization lives in Experiment; the scalar columns
// exist for querying and the status machine.
type ExperimentRecord struct {
	ID       string
	Username string
	Name     string

	Status core.ExperimentStatus
	Error  string

	CreationTime time.Time
	// StartTime is set once, when execution begins.
	StartTime *time.Time
	CleanedUp bool

	Experiment       *core.Experiment
	ExecutionResults []*core.DeploymentExecutionResult
}

// Information assembles the client-facing view of the record.
func (r *ExperimentRecord) Information() *core.ExperimentExecutionInformation {
	return &core.ExperimentExecutionInformation{
		Status:          r.Status,
		Experiment:      r.Experiment,
		ExecutionResult: r.ExecutionResults,
		Error:           r.Error,
	}
}

// ExecutorRecord tracks a single deployed executor.
type ExecutorRecord struct {
	ExecutorID   string
	ExperimentID string
	NodeName     string
	// Connector is the infrastructure connector responsible for the
	// node this executor runs on.
	Connector string

	Finished bool
	Error    string
}

// CompilationRecord tracks one environment compilation request. Status
// is nil while the compilation is pending.
type CompilationRecord struct {
	ExperimentID  string
	CompilationID string
	Architecture  string
	Environment   core.EnvironmentDefinition

	Status *bool
	Result string
}

// Lease marks a node as held by a user through a connector. Leases are
// rebuilt periodically from non-finished experiments.
type Lease struct {
	NodeName  string
	Username  string
	Connector string
}

// Store is the persistence surface shared by the orchestrator, the
// watcher and the frontend. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateExperiment inserts the experiment with its executor and
	// compilation rows in one transaction. Returns ErrDuplicate when
	// the experiment ID is taken.
	CreateExperiment(ctx context.Context, experiment *ExperimentRecord, executors []*ExecutorRecord, compilations []*CompilationRecord) error

	ExperimentByID(ctx context.Context, experimentID string) (*ExperimentRecord, error)

	// ExperimentByName resolves a user's experiment by the name they
	// prepared it under. When the user reused the name, the most
	// recently created record wins.
	ExperimentByName(ctx context.Context, username, name string) (*ExperimentRecord, error)

	// ExperimentsByUser lists a user's experiments ordered from oldest
	// to newest creation.
	ExperimentsByUser(ctx context.Context, username string) ([]*ExperimentRecord, error)

	ExperimentsByStatus(ctx context.Context, statuses ...core.ExperimentStatus) ([]*ExperimentRecord, error)

	SetExperimentStatus(ctx context.Context, experimentID string, status core.ExperimentStatus) error

	// FailExperiment sets the status and the error message together.
	FailExperiment(ctx context.Context, experimentID string, status core.ExperimentStatus, reason string) error

	// MarkExperimentStarted records the start time and moves the
	// experiment to RUNNING.
	MarkExperimentStarted(ctx context.Context, experimentID string, at time.Time) error

	// UpdateExperimentData replaces the stored experiment
	// serialization, e.g. after compilation results are applied to
	// its deployments.
	UpdateExperimentData(ctx context.Context, experimentID string, experiment *core.Experiment) error

	SaveExecutionResults(ctx context.Context, experimentID string, results []*core.DeploymentExecutionResult) error

	// MarkCleanedUp claims the experiment for cleanup. It returns
	// false when another pass already claimed it.
	MarkCleanedUp(ctx context.Context, experimentID string) (bool, error)

	ExecutorByID(ctx context.Context, executorID string) (*ExecutorRecord, error)

	ExecutorsByExperiment(ctx context.Context, experimentID string) ([]*ExecutorRecord, error)

	// ExecutorsOwnedBy resolves the given executor IDs, keeping only
	// those whose experiment belongs to username. Unknown IDs are
	// silently dropped.
	ExecutorsOwnedBy(ctx context.Context, username string, executorIDs []string) ([]*ExecutorRecord, error)

	// UnfinishedExecutorsByConnector lists the executors routed
	// through the named connector that have not finished yet.
	UnfinishedExecutorsByConnector(ctx context.Context, connector string) ([]*ExecutorRecord, error)

	// FinishExecutor marks the executor finished. The reason is kept
	// only when the executor had no error recorded yet.
	FinishExecutor(ctx context.Context, executorID string, reason string) error

	CompilationsByExperiment(ctx context.Context, experimentID string) ([]*CompilationRecord, error)

	SetCompilationResult(ctx context.Context, experimentID, compilationID string, succeeded bool, result string) error

	Leases(ctx context.Context) ([]*Lease, error)

	// ReplaceLeases swaps the whole lease table in one transaction.
	ReplaceLeases(ctx context.Context, leases []*Lease) error

	DeleteLeases(ctx context.Context, username string, nodeNames []string) error

	// AcquireLock takes a named exclusive lock, blocking until it is
	// granted, and returns the release function.
	AcquireLock(ctx context.Context, name string) (func() error, error)

	Ping(ctx context.Context) error
	Close() error
}

// ExperimentLock names the per-experiment mutation lock. Every service
// that writes experiment state acquires it under this name, so status
// transitions serialize across replicas.
func ExperimentLock(experimentID string) string {
	return "experiment:" + experimentID
}
