package watcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/storage"
	"github.com/netmark-org/netmark/internal/storage/memory"
	"github.com/netmark-org/netmark/internal/watcher"
)

// recordingConnector notes which deployments reach Cleanup and can be
// armed to fail or panic there.
type recordingConnector struct {
	mu            sync.Mutex
	cleaned       map[string][]string
	cleanupCalls  int
	cleanupErr    error
	cleanupPanics bool
}

func (c *recordingConnector) Initialize(context.Context) error { return nil }

func (c *recordingConnector) Shutdown(context.Context) error { return nil }

func (c *recordingConnector) Health(context.Context) (bool, string) { return true, "" }

func (c *recordingConnector) GetNodes(context.Context, string, map[string]string) (core.NodePool, error) {
	return &core.CountableNodePool{}, nil
}

func (c *recordingConnector) Deploy(_ context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	return succeedAll(deployments), nil
}

func (c *recordingConnector) Execute(_ context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	return succeedAll(deployments), nil
}

func (c *recordingConnector) StopExecutors(_ context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(targets))
	for _, target := range targets {
		results[target.ExecutorID] = core.Success(nil)
	}
	return results, nil
}

func (c *recordingConnector) Cleanup(_ context.Context, experimentID string, deployments []*core.Deployment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanupPanics {
		panic("cleanup exploded")
	}
	c.cleanupCalls++
	if c.cleaned == nil {
		c.cleaned = make(map[string][]string)
	}
	for _, d := range deployments {
		c.cleaned[experimentID] = append(c.cleaned[experimentID], d.ExecutorID)
	}
	return c.cleanupErr
}

func (c *recordingConnector) cleanedExecutors(experimentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cleaned[experimentID]...)
}

func (c *recordingConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupCalls
}

func succeedAll(deployments []*core.Deployment) map[string]core.Result {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = core.Success(nil)
	}
	return results
}

type watchdogHarness struct {
	store    storage.Store
	board    *blackboard.Memory
	registry *connectors.Registry
	lab      *recordingConnector
	dog      *watcher.Watchdog
}

func newWatchdogHarness(t *testing.T) *watchdogHarness {
	t.Helper()
	store := memory.New()
	board := blackboard.NewMemory()
	registry := connectors.NewRegistry(store)
	lab := &recordingConnector{}
	registry.Add("lab", lab)
	return &watchdogHarness{
		store:    store,
		board:    board,
		registry: registry,
		lab:      lab,
		dog:      watcher.NewWatchdog(store, board, registry, 0),
	}
}

// seedTerminal stores a terminal experiment with the board state a run
// leaves behind: graph, heartbeat and result per executor.
func seedTerminal(t *testing.T, h *watchdogHarness, id string, status core.ExperimentStatus, experiment *core.Experiment) {
	t.Helper()
	ctx := context.Background()
	createExperiment(t, h.store, &storage.ExperimentRecord{
		ID:           id,
		Username:     "alice",
		Name:         id,
		Status:       status,
		CreationTime: time.Now().UTC(),
		Experiment:   experiment,
	})
	for _, d := range experiment.DeploymentMap {
		require.NoError(t, blackboard.StoreGraph(ctx, h.board, d.ExecutorID, d.EncodedGraph))
		require.NoError(t, blackboard.Touch(ctx, h.board, d.ExecutorID, time.Now().UTC()))
		reportSuccess(t, h.board, d.ExecutorID)
	}
}

func assertBoardDropped(t *testing.T, board blackboard.Blackboard, executorID string) {
	t.Helper()
	for _, key := range []string{
		blackboard.ExecutorGraphKey(executorID),
		blackboard.ExecutorResultKey(executorID),
		blackboard.ExecutorHeartbeatKey(executorID),
	} {
		found, err := board.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, found, "key %s must be dropped", key)
	}
}

func TestWatchdogSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("CleansFinishedExperiments", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)

		experiment := core.NewExperiment()
		require.NoError(t, experiment.Append(labNode("node-1", "lab"), dummyGraph(t)))
		require.NoError(t, experiment.Append(labNode("node-2", "lab"), dummyGraph(t), core.WithoutCleanup()))
		stampPrepared("exp-1", experiment)
		seedTerminal(t, h, "exp-1", core.StatusFinished, experiment)

		h.dog.Sweep(ctx)

		// Only the cleanup-enabled deployment reaches the connector;
		// board state goes for both.
		assert.Equal(t, []string{"exp-1/node-1"}, h.lab.cleanedExecutors("exp-1"))
		assertBoardDropped(t, h.board, "exp-1/node-1")
		assertBoardDropped(t, h.board, "exp-1/node-2")

		rec, err := h.store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.True(t, rec.CleanedUp)
	})

	t.Run("CleansOnlyOnce", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)
		seedTerminal(t, h, "exp-1", core.StatusFinished,
			experimentOn(t, "exp-1", 0, labNode("node-1", "lab")))

		h.dog.Sweep(ctx)
		h.dog.Sweep(ctx)

		assert.Equal(t, 1, h.lab.calls())
	})

	t.Run("CleansWrittenOffExperiments", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)
		seedTerminal(t, h, "exp-1", core.StatusUnknown,
			experimentOn(t, "exp-1", 0, labNode("node-1", "lab")))

		h.dog.Sweep(ctx)

		assert.Equal(t, []string{"exp-1/node-1"}, h.lab.cleanedExecutors("exp-1"))
		rec, err := h.store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.True(t, rec.CleanedUp)
	})

	t.Run("ErrorKeepsConnector", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)
		h.lab.cleanupErr = errors.New("volume busy")
		seedTerminal(t, h, "exp-1", core.StatusFinished,
			experimentOn(t, "exp-1", 0, labNode("node-1", "lab")))

		h.dog.Sweep(ctx)

		_, alive := h.registry.Get("lab")
		assert.True(t, alive, "a cleanup error is not a connector fault")

		// The claim is taken before cleanup runs; a failed pass is not
		// retried.
		rec, err := h.store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.True(t, rec.CleanedUp)
	})

	t.Run("PanicEvictsConnector", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)
		h.lab.cleanupPanics = true
		seedTerminal(t, h, "exp-1", core.StatusFinished,
			experimentOn(t, "exp-1", 0, labNode("node-1", "lab")))

		h.dog.Sweep(ctx)

		_, alive := h.registry.Get("lab")
		assert.False(t, alive)
		// Board cleanup still happens after the eviction.
		assertBoardDropped(t, h.board, "exp-1/node-1")
	})

	t.Run("MissingConnectorTolerated", func(t *testing.T) {
		t.Parallel()
		h := newWatchdogHarness(t)
		seedTerminal(t, h, "exp-1", core.StatusFinished,
			experimentOn(t, "exp-1", 0, labNode("node-1", "ghost")))

		h.dog.Sweep(ctx)

		assert.Zero(t, h.lab.calls())
		assertBoardDropped(t, h.board, "exp-1/node-1")
		rec, err := h.store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.True(t, rec.CleanedUp)
	})
}

func TestWatchdogRunSchedules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newWatchdogHarness(t)
	// cron schedules fire on whole seconds; run the watchdog at its
	// floor cadence.
	dog := watcher.NewWatchdog(h.store, h.board, h.registry, time.Second)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dog.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	seedTerminal(t, h, "exp-late", core.StatusFinished,
		experimentOn(t, "exp-late", 0, labNode("node-1", "lab")))

	require.Eventually(t, func() bool {
		rec, err := h.store.ExperimentByID(ctx, "exp-late")
		return err == nil && rec.CleanedUp
	}, eventually, 25*time.Millisecond)
	assert.Equal(t, []string{"exp-late/node-1"}, h.lab.cleanedExecutors("exp-late"))
}
