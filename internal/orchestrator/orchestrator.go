// Package orchestrator implements the user-facing experiment verbs:
// prepare, start, status, cancel. It owns the experiment status
// machine and fans infrastructure work out to the connector registry;
// everything durable goes through storage, everything shared with
// running executors goes through the blackboard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

var (
	// ErrNotFound is returned when the experiment (or executor set)
	// does not exist for the requesting user. Lookups never reveal
	// whether another user owns the name.
	ErrNotFound = errors.New("orchestrator: experiment not found")

	// ErrInvalidExperiment rejects a prepare request that cannot be
	// accepted as submitted.
	ErrInvalidExperiment = errors.New("orchestrator: invalid experiment")

	// ErrConnectorUnavailable is returned when a connector required by
	// the operation is not in the active registry. Maps to a 5xx: the
	// request was fine, the infrastructure is not.
	ErrConnectorUnavailable = errors.New("orchestrator: connector unavailable")

	// ErrNotReady rejects start_execution on an experiment that is not
	// in the READY state.
	ErrNotReady = errors.New("orchestrator: experiment is not ready")
)

// Executor finish reasons written by the orchestrator.
const (
	reasonNotPrepared = "executor was not prepared"
	reasonStopped     = "executor was stopped"
)

// Options carries the tunables the service reads from configuration.
type Options struct {
	// CompilerRegistry is the image reference prefix compiled
	// environments are tagged with, e.g. "registry.local/netmark".
	CompilerRegistry string

	// PrepareInterval is the preparer loop tick.
	PrepareInterval time.Duration

	// PreparingTimeout moves experiments stuck in PREPARING to
	// UNKNOWN.
	PreparingTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.PrepareInterval <= 0 {
		o.PrepareInterval = 5 * time.Second
	}
	if o.PreparingTimeout <= 0 {
		o.PreparingTimeout = 24 * time.Hour
	}
}

// Service exposes the experiment verbs. All mutations of one
// experiment are serialized through a storage-level lock, so several
// service replicas can share a database.
type Service struct {
	store    storage.Store
	board    blackboard.Blackboard
	registry *connectors.Registry
	opts     Options

	// wg tracks spawned fan-outs so shutdown can drain them.
	wg sync.WaitGroup

	// inflight holds experiment IDs whose preparation is being
	// finalized, so consecutive preparer ticks do not overlap on one
	// experiment.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New builds the service. Call Run to start the preparer loop.
func New(store storage.Store, board blackboard.Blackboard, registry *connectors.Registry, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:    store,
		board:    board,
		registry: registry,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

// Wait blocks until all in-flight background fan-outs complete. Called
// on shutdown after the HTTP surface stops accepting work.
func (s *Service) Wait() { s.wg.Wait() }

// spawn runs fn on its own goroutine with panic containment.
func (s *Service) spawn(ctx context.Context, name string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "Background task panicked", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// experimentOf resolves a user's experiment by name. Ownership is part
// of the key: a name held by another user looks absent.
func (s *Service) experimentOf(ctx context.Context, username, name string) (*storage.ExperimentRecord, error) {
	rec, err := s.store.ExperimentByName(ctx, username, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ExperimentInfo answers a status query with the stored definition and,
// once finished, the per-node results.
func (s *Service) ExperimentInfo(ctx context.Context, username, name string) (*core.ExperimentExecutionInformation, error) {
	rec, err := s.experimentOf(ctx, username, name)
	if err != nil {
		return nil, err
	}
	return rec.Information(), nil
}

// Experiments lists a user's experiments keyed by name. A reused name
// maps to its most recent record, matching name resolution everywhere
// else.
func (s *Service) Experiments(ctx context.Context, username string) (map[string]*core.ExperimentExecutionInformation, error) {
	records, err := s.store.ExperimentsByUser(ctx, username)
	if err != nil {
		return nil, err
	}
	infos := make(map[string]*core.ExperimentExecutionInformation, len(records))
	for _, rec := range records {
		infos[rec.Name] = rec.Information()
	}
	return infos, nil
}

// prepareLock serializes concurrent prepares of the same (user, name)
// pair so idempotence holds under racing submissions.
func prepareLock(username, name string) string {
	return "prepare:" + username + ":" + name
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: experiment name is required", ErrInvalidExperiment)
	}
	if len(name) > 256 {
		return fmt.Errorf("%w: experiment name longer than 256 characters", ErrInvalidExperiment)
	}
	return nil
}
