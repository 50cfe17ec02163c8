// Package watcher closes the experiment lifecycle. A discovery sweep
// picks up READY and RUNNING experiments and follows each on its own
// goroutine: the READY phase waits out the start, the RUNNING phase
// polls executor liveness, declares silent executors dead and finishes
// the experiment once every executor is accounted for. A cron-driven
// sweeper keeps the node lease table in step with the experiments that
// actually hold nodes, and the cleanup watchdog releases infrastructure
// artifacts of terminal experiments.
//
// Watch state lives in storage and on the blackboard, never in the
// process: a watcher that dies loses nothing, the next discovery sweep
// picks the work back up.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// Executor finish reasons written by the watcher.
const (
	reasonNotResponding = "not responding"
	reasonNeverStarted  = "timeout reached and still not started"
)

// Options carries the tunables the service reads from configuration.
type Options struct {
	// DiscoveryInterval is how often the service scans for READY or
	// RUNNING experiments that no watch goroutine covers yet.
	DiscoveryInterval time.Duration

	// ReadyPollInterval is the READY-phase tick while waiting for the
	// experiment to start.
	ReadyPollInterval time.Duration

	// PollInterval is the RUNNING-phase liveness tick.
	PollInterval time.Duration

	// LeaseInterval is the lease table rebuild cadence.
	LeaseInterval time.Duration

	// KeepaliveTimeout is the silence budget applied to deployments
	// that do not set their own.
	KeepaliveTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 5 * time.Second
	}
	if o.ReadyPollInterval <= 0 {
		o.ReadyPollInterval = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.LeaseInterval <= 0 {
		o.LeaseInterval = 10 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = core.DefaultKeepAliveTimeoutMinutes * time.Minute
	}
}

// Service watches experiments to completion. Any number of replicas
// may run against the same database; the per-experiment storage lock
// keeps their transitions from colliding.
type Service struct {
	store storage.Store
	board blackboard.Blackboard
	opts  Options

	// wg tracks the watch goroutines so shutdown can drain them.
	wg sync.WaitGroup

	// watched holds experiment IDs with a live watch goroutine, so
	// discovery sweeps do not double-watch within this process.
	watchedMu sync.Mutex
	watched   map[string]struct{}
}

// New builds the service. Call Run to start watching.
func New(store storage.Store, board blackboard.Blackboard, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:   store,
		board:   board,
		opts:    opts,
		watched: make(map[string]struct{}),
	}
}

// Run drives the discovery sweep and the lease sweeper until the
// context is canceled, then drains the watch goroutines. The lease
// table is rebuilt once right away so a restart does not wait out the
// first sweep interval.
func (s *Service) Run(ctx context.Context) error {
	logger.Info(ctx, "Watcher started",
		"discovery_interval", s.opts.DiscoveryInterval,
		"poll_interval", s.opts.PollInterval,
		"lease_interval", s.opts.LeaseInterval)

	scheduler := cron.New()
	scheduler.Schedule(cron.Every(s.opts.LeaseInterval), cron.FuncJob(func() {
		s.sweepLeases(ctx)
	}))
	scheduler.Start()
	s.sweepLeases(ctx)

	ticker := time.NewTicker(s.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-scheduler.Stop().Done()
			s.wg.Wait()
			logger.Info(ctx, "Watcher stopped")
			return nil
		case <-ticker.C:
			s.discoverTick(ctx)
		}
	}
}

func (s *Service) discoverTick(ctx context.Context) {
	records, err := s.store.ExperimentsByStatus(ctx, core.StatusReady, core.StatusRunning)
	if err != nil {
		logger.Error(ctx, "Failed to list experiments to watch", "err", err)
		return
	}
	for _, rec := range records {
		if !s.claimWatch(rec.ID) {
			continue
		}
		s.spawnWatch(ctx, rec)
	}
}

// spawnWatch follows one experiment on its own goroutine with panic
// containment. The claim is released on exit, so an experiment whose
// watch died early is rediscovered by the next sweep.
func (s *Service) spawnWatch(ctx context.Context, rec *storage.ExperimentRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseWatch(rec.ID)
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "Experiment watch panicked", "experiment", rec.ID, "panic", r)
			}
		}()
		s.watchExperiment(ctx, rec)
	}()
}

func (s *Service) claimWatch(experimentID string) bool {
	s.watchedMu.Lock()
	defer s.watchedMu.Unlock()
	if _, live := s.watched[experimentID]; live {
		return false
	}
	s.watched[experimentID] = struct{}{}
	return true
}

func (s *Service) releaseWatch(experimentID string) {
	s.watchedMu.Lock()
	defer s.watchedMu.Unlock()
	delete(s.watched, experimentID)
}
