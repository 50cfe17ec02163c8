package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/client"
	"github.com/netmark-org/netmark/internal/config"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/frontend"
	"github.com/netmark-org/netmark/internal/gateway"
	"github.com/netmark-org/netmark/internal/orchestrator"
	"github.com/netmark-org/netmark/internal/storage"
	"github.com/netmark-org/netmark/internal/storage/memory"
	"github.com/netmark-org/netmark/internal/tasks"
)

const eventually = 5 * time.Second

type stubValidator struct {
	users map[string]string
}

func (v *stubValidator) Validate(_ context.Context, username, token string) (bool, error) {
	return token != "" && v.users[username] == token, nil
}

// stubConnector serves a fixed inventory; the fan-out verbs succeed
// for every deployment.
type stubConnector struct {
	nodes []*core.Node
}

func (c *stubConnector) Initialize(context.Context) error { return nil }

func (c *stubConnector) Shutdown(context.Context) error { return nil }

func (c *stubConnector) Health(context.Context) (bool, string) { return true, "up" }

func (c *stubConnector) GetNodes(context.Context, string, map[string]string) (core.NodePool, error) {
	return core.NewCountableNodePool(c.nodes...), nil
}

func (c *stubConnector) Deploy(_ context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := map[string]core.Result{}
	for _, d := range deployments {
		results[d.ExecutorID] = core.Success(nil)
	}
	return results, nil
}

func (c *stubConnector) Execute(_ context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := map[string]core.Result{}
	for _, d := range deployments {
		results[d.ExecutorID] = core.Success(nil)
	}
	return results, nil
}

func (c *stubConnector) StopExecutors(_ context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := map[string]core.Result{}
	for _, t := range targets {
		results[t.ExecutorID] = core.Success(nil)
	}
	return results, nil
}

func (c *stubConnector) Cleanup(context.Context, string, []*core.Deployment) error {
	return nil
}

type harness struct {
	store    storage.Store
	service  *orchestrator.Service
	client   *client.Client
	endpoint string
}

// newHarness serves the full production handler on a local listener
// and points a client with alice's credentials at it.
func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.New()
	board := blackboard.NewMemory()

	registry := connectors.NewRegistry(store)
	registry.Add("lab", &stubConnector{
		nodes: []*core.Node{labNode("ram-1", "lab"), labNode("ram-2", "lab")},
	})

	service := orchestrator.New(store, board, registry, orchestrator.Options{
		CompilerRegistry: "registry.test/netmark",
		PrepareInterval:  10 * time.Millisecond,
	})

	server := frontend.NewServer(
		frontend.NewAPI(store, registry, service, &stubValidator{
			users: map[string]string{"alice": "secret"},
		}),
		gateway.New(store, board),
		&config.Config{},
	)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		store:    store,
		service:  service,
		client:   client.New(ts.URL, "alice", "secret"),
		endpoint: ts.URL,
	}
}

func (h *harness) startPreparer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.service.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.service.Wait()
	})
}

func labNode(name, connector string) *core.Node {
	node := core.NewNode(name, core.ArchitectureLinuxAMD64)
	node.SetProperty(core.PropertyConnector, connector)
	return node
}

func experimentOn(t *testing.T, nodes ...*core.Node) *core.Experiment {
	t.Helper()
	graph := core.NewExecutionGraph()
	graph.EnvironmentDefinition = core.NewShellExecution()
	require.NoError(t, graph.AddTask(tasks.NewDummy("noop")))
	graph.Connect(core.RootVertex, "noop")

	experiment := core.NewExperiment()
	require.NoError(t, experiment.Map(graph, nodes))
	return experiment
}

func (h *harness) waitForStatus(t *testing.T, experimentID string, want core.ExperimentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.store.ExperimentByID(context.Background(), experimentID)
		return err == nil && rec.Status == want
	}, eventually, 5*time.Millisecond, "experiment never reached %s", want)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	report, ok, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, report, "database: true - ok")
	assert.Contains(t, report, "lab: true - up")
}

func TestNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	pool, err := h.client.Nodes(ctx, "")
	require.NoError(t, err)
	require.Len(t, pool.(*core.CountableNodePool).Nodes(), 2)

	pool, err = h.client.Nodes(ctx, "ram-1")
	require.NoError(t, err)
	nodes := pool.(*core.CountableNodePool).Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "ram-1", nodes[0].Name)
	assert.Equal(t, "lab", nodes[0].Connector())
}

func TestExperimentLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.startPreparer(t)

	id, err := h.client.PrepareExperiment(ctx, "full-run", experimentOn(t, labNode("ram-1", "lab")))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	infos, err := h.client.Experiments(ctx)
	require.NoError(t, err)
	require.Contains(t, infos, "full-run")

	h.waitForStatus(t, id, core.StatusReady)

	startedID, err := h.client.StartExecution(ctx, "full-run")
	require.NoError(t, err)
	assert.Equal(t, id, startedID)

	info, err := h.client.ExperimentInfo(ctx, "full-run")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, info.Status)

	require.NoError(t, h.client.CancelExperiment(ctx, "full-run"))
	require.NoError(t, h.client.CancelExecutors(ctx, []string{"no-such-executor"}))
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("RejectedCredentials", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		_, _, err := client.New(h.endpoint, "alice", "wrong").Health(ctx)
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	})

	t.Run("UnknownExperimentIsNotFound", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		_, err := h.client.ExperimentInfo(ctx, "no-such-experiment")
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "experiment not found", apiErr.Message)
	})

	t.Run("StartBeforeReadyConflicts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		_, err := h.client.PrepareExperiment(ctx, "too-early", experimentOn(t, labNode("ram-1", "lab")))
		require.NoError(t, err)

		_, err = h.client.StartExecution(ctx, "too-early")
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.Status)
	})
}
