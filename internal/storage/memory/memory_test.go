package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/storage"
	"github.com/netmark-org/netmark/internal/storage/memory"
	"github.com/netmark-org/netmark/internal/tasks"
)

func testExperiment(t *testing.T, id, username, name string) *storage.ExperimentRecord {
	t.Helper()

	graph := core.NewExecutionGraph()
	require.NoError(t, graph.AddTask(tasks.NewDummy("noop")))
	graph.Connect(core.RootVertex, "noop")

	experiment := core.NewExperiment()
	node := core.NewNode("node-1", core.ArchitectureLinuxAMD64)
	node.SetProperty(core.PropertyConnector, "localhost")
	require.NoError(t, experiment.Append(node, graph))
	experiment.DeploymentMap[0].ExecutorID = id + "-exec-1"

	return &storage.ExperimentRecord{
		ID:           id,
		Username:     username,
		Name:         name,
		Status:       core.StatusPreparing,
		CreationTime: time.Now().UTC(),
		Experiment:   experiment,
	}
}

func testExecutors(experimentID string) []*storage.ExecutorRecord {
	return []*storage.ExecutorRecord{
		{ExecutorID: experimentID + "-exec-1", ExperimentID: experimentID, NodeName: "node-1", Connector: "localhost"},
		{ExecutorID: experimentID + "-exec-2", ExperimentID: experimentID, NodeName: "node-2", Connector: "localhost"},
	}
}

func TestCreateAndFetchExperiment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	record := testExperiment(t, "exp-1", "alice", "latency-sweep")
	require.NoError(t, store.CreateExperiment(ctx, record, testExecutors("exp-1"), nil))

	t.Run("ByID", func(t *testing.T) {
		got, err := store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, core.StatusPreparing, got.Status)
		require.NotNil(t, got.Experiment)
		require.Len(t, got.Experiment.DeploymentMap, 1)
		assert.Equal(t, "exp-1-exec-1", got.Experiment.DeploymentMap[0].ExecutorID)
	})

	t.Run("Duplicate", func(t *testing.T) {
		err := store.CreateExperiment(ctx, record, nil, nil)
		require.ErrorIs(t, err, storage.ErrDuplicate)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.ExperimentByID(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ReturnedRecordIsIsolated", func(t *testing.T) {
		got, err := store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		got.Status = core.StatusFinished
		got.Experiment.DeploymentMap[0].ExecutorID = "tampered"

		again, err := store.ExperimentByID(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, core.StatusPreparing, again.Status)
		assert.Equal(t, "exp-1-exec-1", again.Experiment.DeploymentMap[0].ExecutorID)
	})
}

func TestExperimentByNameLatestWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	older := testExperiment(t, "exp-old", "alice", "sweep")
	older.CreationTime = time.Now().Add(-time.Hour)
	newer := testExperiment(t, "exp-new", "alice", "sweep")

	require.NoError(t, store.CreateExperiment(ctx, older, nil, nil))
	require.NoError(t, store.CreateExperiment(ctx, newer, nil, nil))

	got, err := store.ExperimentByName(ctx, "alice", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "exp-new", got.ID)

	_, err = store.ExperimentByName(ctx, "bob", "sweep")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateExperiment(ctx, testExperiment(t, "exp-1", "alice", "sweep"), nil, nil))

	require.NoError(t, store.SetExperimentStatus(ctx, "exp-1", core.StatusReady))
	got, err := store.ExperimentByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusReady, got.Status)

	started := time.Now().UTC()
	require.NoError(t, store.MarkExperimentStarted(ctx, "exp-1", started))
	got, err = store.ExperimentByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	require.NotNil(t, got.StartTime)
	assert.True(t, got.StartTime.Equal(started))

	// The start time is written once.
	require.NoError(t, store.MarkExperimentStarted(ctx, "exp-1", started.Add(time.Hour)))
	got, err = store.ExperimentByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(started))

	require.NoError(t, store.FailExperiment(ctx, "exp-1", core.StatusFinished, "timeout reached and still not started"))
	got, err = store.ExperimentByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, got.Status)
	assert.Equal(t, "timeout reached and still not started", got.Error)

	require.ErrorIs(t, store.SetExperimentStatus(ctx, "missing", core.StatusReady), storage.ErrNotFound)
}

func TestExperimentsByUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	older := testExperiment(t, "exp-old", "alice", "sweep")
	older.CreationTime = time.Now().Add(-time.Hour)
	newer := testExperiment(t, "exp-new", "alice", "probe")
	foreign := testExperiment(t, "exp-bob", "bob", "sweep")

	require.NoError(t, store.CreateExperiment(ctx, older, nil, nil))
	require.NoError(t, store.CreateExperiment(ctx, newer, nil, nil))
	require.NoError(t, store.CreateExperiment(ctx, foreign, nil, nil))

	records, err := store.ExperimentsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "exp-old", records[0].ID)
	assert.Equal(t, "exp-new", records[1].ID)

	records, err = store.ExperimentsByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExperimentsByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	first := testExperiment(t, "exp-1", "alice", "a")
	first.CreationTime = time.Now().Add(-2 * time.Hour)
	second := testExperiment(t, "exp-2", "alice", "b")
	second.CreationTime = time.Now().Add(-time.Hour)
	third := testExperiment(t, "exp-3", "alice", "c")
	third.Status = core.StatusRunning

	require.NoError(t, store.CreateExperiment(ctx, first, nil, nil))
	require.NoError(t, store.CreateExperiment(ctx, second, nil, nil))
	require.NoError(t, store.CreateExperiment(ctx, third, nil, nil))

	preparing, err := store.ExperimentsByStatus(ctx, core.StatusPreparing)
	require.NoError(t, err)
	require.Len(t, preparing, 2)
	assert.Equal(t, "exp-1", preparing[0].ID)
	assert.Equal(t, "exp-2", preparing[1].ID)

	active, err := store.ExperimentsByStatus(ctx, core.StatusPreparing, core.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestExecutionResultsAndCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateExperiment(ctx, testExperiment(t, "exp-1", "alice", "sweep"), nil, nil))

	results := []*core.DeploymentExecutionResult{
		{Node: core.NewNode("node-1", core.ArchitectureLinuxAMD64), ExecutorID: "exec-1", EncodedGraph: "Z3JhcGg=", EncodedReport: "cmVwb3J0"},
		{Node: core.NewNode("node-2", core.ArchitectureLinuxAMD64), ExecutorID: "exec-2", Error: "not responding"},
	}
	require.NoError(t, store.SaveExecutionResults(ctx, "exp-1", results))

	got, err := store.ExperimentByID(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, got.ExecutionResults, 2)
	assert.Equal(t, "exec-1", got.ExecutionResults[0].ExecutorID)
	assert.Equal(t, "not responding", got.ExecutionResults[1].Error)

	claimed, err := store.MarkCleanedUp(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.MarkCleanedUp(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, claimed, "second pass must not claim the experiment again")
}

func TestExecutors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateExperiment(ctx, testExperiment(t, "exp-1", "alice", "a"), testExecutors("exp-1"), nil))
	require.NoError(t, store.CreateExperiment(ctx, testExperiment(t, "exp-2", "bob", "b"), testExecutors("exp-2"), nil))

	t.Run("ByExperiment", func(t *testing.T) {
		records, err := store.ExecutorsByExperiment(ctx, "exp-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "exp-1-exec-1", records[0].ExecutorID)
		assert.Equal(t, "exp-1-exec-2", records[1].ExecutorID)
	})

	t.Run("OwnedByFiltersForeignExecutors", func(t *testing.T) {
		records, err := store.ExecutorsOwnedBy(ctx, "alice",
			[]string{"exp-1-exec-1", "exp-2-exec-1", "unknown"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "exp-1-exec-1", records[0].ExecutorID)
	})

	t.Run("Finish", func(t *testing.T) {
		require.NoError(t, store.FinishExecutor(ctx, "exp-1-exec-1", "executor was stopped"))
		record, err := store.ExecutorByID(ctx, "exp-1-exec-1")
		require.NoError(t, err)
		assert.True(t, record.Finished)
		assert.Equal(t, "executor was stopped", record.Error)

		// The first recorded error sticks.
		require.NoError(t, store.FinishExecutor(ctx, "exp-1-exec-1", "another reason"))
		record, err = store.ExecutorByID(ctx, "exp-1-exec-1")
		require.NoError(t, err)
		assert.Equal(t, "executor was stopped", record.Error)
	})

	t.Run("FinishUnknown", func(t *testing.T) {
		require.ErrorIs(t, store.FinishExecutor(ctx, "missing", "x"), storage.ErrNotFound)
	})
}

func TestCompilations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	compilations := []*storage.CompilationRecord{
		{
			ExperimentID:  "exp-1",
			CompilationID: "comp-1",
			Architecture:  "linux/amd64",
			Environment:   core.NewDockerImage(""),
		},
	}
	require.NoError(t, store.CreateExperiment(ctx, testExperiment(t, "exp-1", "alice", "a"), nil, compilations))

	records, err := store.CompilationsByExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Status, "fresh compilation must be pending")
	require.NotNil(t, records[0].Environment)
	assert.Equal(t, core.EnvTypeDockerImage, records[0].Environment.Type())

	require.NoError(t, store.SetCompilationResult(ctx, "exp-1", "comp-1", true, "registry:comp-1"))
	records, err = store.CompilationsByExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, records[0].Status)
	assert.True(t, *records[0].Status)
	assert.Equal(t, "registry:comp-1", records[0].Result)

	require.ErrorIs(t, store.SetCompilationResult(ctx, "exp-1", "missing", false, ""), storage.ErrNotFound)
}

func TestLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	leases := []*storage.Lease{
		{NodeName: "node-1", Username: "alice", Connector: "localhost"},
		{NodeName: "node-2", Username: "bob", Connector: "docker"},
	}
	require.NoError(t, store.ReplaceLeases(ctx, leases))

	got, err := store.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "node-1", got[0].NodeName)

	// Deleting checks both owner and node name.
	require.NoError(t, store.DeleteLeases(ctx, "alice", []string{"node-1", "node-2"}))
	got, err = store.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Username)

	require.NoError(t, store.ReplaceLeases(ctx, nil))
	got, err = store.Leases(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAcquireLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	release, err := store.AcquireLock(ctx, "experiment:exp-1")
	require.NoError(t, err)

	// A second acquisition of the same name blocks until release.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = store.AcquireLock(blockedCtx, "experiment:exp-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Different names are independent.
	otherRelease, err := store.AcquireLock(ctx, "experiment:exp-2")
	require.NoError(t, err)
	require.NoError(t, otherRelease())

	require.NoError(t, release())
	release, err = store.AcquireLock(ctx, "experiment:exp-1")
	require.NoError(t, err)
	require.NoError(t, release())
}
