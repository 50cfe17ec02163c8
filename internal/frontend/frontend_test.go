package frontend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/auth"
	"github.com/netmark-org/netmark/internal/blackboard"
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

// stubValidator accepts the configured username/token pairs, or fails
// every request with err when set.
type stubValidator struct {
	users map[string]string
	err   error
}

func (v *stubValidator) Validate(_ context.Context, username, token string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	return token != "" && v.users[username] == token, nil
}

// stubConnector serves a fixed node inventory and a scripted health
// verdict; the fan-out verbs succeed for every deployment.
type stubConnector struct {
	healthy     bool
	description string
	nodes       []*core.Node
}

func (c *stubConnector) Initialize(context.Context) error { return nil }

func (c *stubConnector) Shutdown(context.Context) error { return nil }

func (c *stubConnector) Health(context.Context) (bool, string) {
	return c.healthy, c.description
}

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
	board    *blackboard.Memory
	registry *connectors.Registry
	service  *orchestrator.Service
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, &stubValidator{
		users: map[string]string{"alice": "secret", "bob": "hunter2"},
	})
}

func newHarnessWith(t *testing.T, validator auth.Validator) *harness {
	t.Helper()
	store := memory.New()
	board := blackboard.NewMemory()
	registry := connectors.NewRegistry(store)
	service := orchestrator.New(store, board, registry, orchestrator.Options{
		CompilerRegistry: "registry.test/netmark",
		PrepareInterval:  10 * time.Millisecond,
	})
	server := frontend.NewServer(
		frontend.NewAPI(store, registry, service, validator),
		gateway.New(store, board),
		&config.Config{},
	)
	return &harness{
		store:    store,
		board:    board,
		registry: registry,
		service:  service,
		handler:  server.Handler(),
	}
}

// startPreparer runs the preparer loop for the duration of the test so
// submitted experiments advance to READY.
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

func (h *harness) newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	return httptest.NewRequest(method, target, reader)
}

// do issues a request with basic credentials against the full
// middleware stack.
func (h *harness) do(t *testing.T, method, target, user, pass string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := h.newRequest(t, method, target, body)
	req.SetBasicAuth(user, pass)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

// doAnon issues a request without credentials.
func (h *harness) doAnon(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, h.newRequest(t, method, target, body))
	return rr
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

func waitForStatus(t *testing.T, store storage.Store, experimentID string, want core.ExperimentStatus) *storage.ExperimentRecord {
	t.Helper()
	var rec *storage.ExperimentRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = store.ExperimentByID(context.Background(), experimentID)
		return err == nil && rec.Status == want
	}, eventually, 5*time.Millisecond, "experiment never reached %s", want)
	return rec
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("RequiresCredentials", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.doAnon(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, `Basic realm="netmark"`, rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("RejectsWrongPassword", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodGet, "/health", "alice", "wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("ValidatorFaultIsNotUnauthorized", func(t *testing.T) {
		t.Parallel()
		h := newHarnessWith(t, &stubValidator{err: auth.ErrUnavailable})

		// A broken credential service must not read as a rejected
		// password, or clients would throw away working credentials.
		rr := h.do(t, http.MethodGet, "/health", "alice", "secret", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("ExecutorSurfaceCarriesNoCredentials", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.doAnon(t, http.MethodGet, "/api/v1/executor/graph?executor_id=ghost", nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("HealthyWithDatabaseAndConnector", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true, description: "up"})

		rr := h.do(t, http.MethodGet, "/health", "alice", "secret", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "database: true - ok")
		assert.Contains(t, rr.Body.String(), "lab: true - up")
	})

	t.Run("UnhealthyWithoutConnectors", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodGet, "/health", "alice", "secret", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("UnhealthyWhenEveryConnectorIsDown", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: false, description: "ssh unreachable"})

		rr := h.do(t, http.MethodGet, "/health", "alice", "secret", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "lab: false - ssh unreachable")
	})
}

func TestListNodes(t *testing.T) {
	t.Parallel()

	t.Run("AggregatesConnectorPools", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{
			healthy: true,
			nodes:   []*core.Node{labNode("ram-1", ""), labNode("ram-2", "")},
		})
		h.registry.Add("aws", &stubConnector{
			healthy: true,
			nodes:   []*core.Node{labNode("cloud-1", "")},
		})

		rr := h.do(t, http.MethodGet, "/api/v1/nodes/alice", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		pool, err := core.UnmarshalNodePool(rr.Body.Bytes())
		require.NoError(t, err)
		countable, ok := pool.(*core.CountableNodePool)
		require.True(t, ok)

		names := make([]string, 0, 3)
		for _, node := range countable.Nodes() {
			names = append(names, node.Name)
		}
		sort.Strings(names)
		assert.Equal(t, []string{"cloud-1", "ram-1", "ram-2"}, names)

		// Every node is tagged with the connector it came from.
		for _, node := range countable.Nodes() {
			if node.Name == "cloud-1" {
				assert.Equal(t, "aws", node.Connector())
			} else {
				assert.Equal(t, "lab", node.Connector())
			}
		}
	})

	t.Run("FiltersByNamePattern", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{
			healthy: true,
			nodes:   []*core.Node{labNode("ram-1", ""), labNode("snail-1", "")},
		})

		rr := h.do(t, http.MethodGet, "/api/v1/nodes/alice?name=ram-*", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		pool, err := core.UnmarshalNodePool(rr.Body.Bytes())
		require.NoError(t, err)
		nodes := pool.(*core.CountableNodePool).Nodes()
		require.Len(t, nodes, 1)
		assert.Equal(t, "ram-1", nodes[0].Name)
	})

	t.Run("ForeignInventoryLooksAbsent", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodGet, "/api/v1/nodes/bob", "alice", "secret", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestExperimentEndpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("PrepareReturnsExperimentID", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		rr := h.do(t, http.MethodPost, "/api/v1/experiment/ping-sweep/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, rr.Code)

		id := rr.Body.String()
		require.NotEmpty(t, id)
		rec, err := h.store.ExperimentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Username)
		assert.Equal(t, core.StatusPreparing, rec.Status)
	})

	t.Run("PrepareIsIdempotent", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		first := h.do(t, http.MethodPost, "/api/v1/experiment/again/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, first.Code)
		second := h.do(t, http.MethodPost, "/api/v1/experiment/again/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, second.Code)

		assert.Equal(t, first.Body.String(), second.Body.String())
	})

	t.Run("PrepareRejectsEmptyDeploymentMap", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodPost, "/api/v1/experiment/empty/prepare", "alice", "secret", core.NewExperiment())
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "deployment map is empty")
	})

	t.Run("PrepareRejectsGarbagePayload", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodPost, "/api/v1/experiment/garbage/prepare", "alice", "secret", "not an experiment")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid experiment payload")
	})

	t.Run("LifecycleOverHTTP", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})
		h.startPreparer(t)

		experiment := experimentOn(t, labNode("node-1", "lab"), labNode("node-2", "lab"))
		prepared := h.do(t, http.MethodPost, "/api/v1/experiment/full-run/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, prepared.Code)
		id := prepared.Body.String()

		waitForStatus(t, h.store, id, core.StatusReady)

		started := h.do(t, http.MethodPost, "/api/v1/experiment/full-run/start", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, started.Code)
		assert.Equal(t, id, started.Body.String())

		rec, err := h.store.ExperimentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, rec.Status)

		canceled := h.do(t, http.MethodDelete, "/api/v1/experiment/full-run", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, canceled.Code)
		assert.Equal(t, "canceled full-run", canceled.Body.String())

		require.Eventually(t, func() bool {
			executors, err := h.store.ExecutorsByExperiment(ctx, id)
			if err != nil || len(executors) == 0 {
				return false
			}
			for _, executor := range executors {
				if !executor.Finished {
					return false
				}
			}
			return true
		}, eventually, 5*time.Millisecond)
	})

	t.Run("StartBeforeReadyConflicts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		prepared := h.do(t, http.MethodPost, "/api/v1/experiment/too-early/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, prepared.Code)

		// No preparer loop runs, so the experiment stays PREPARING.
		rr := h.do(t, http.MethodPost, "/api/v1/experiment/too-early/start", "alice", "secret", nil)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("StartUnknownExperimentIs404", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodPost, "/api/v1/experiment/nope/start", "alice", "secret", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, rr.Body.String(), "experiment not found")
	})

	t.Run("InfoReflectsStoredState", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		prepared := h.do(t, http.MethodPost, "/api/v1/experiment/status-check/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, prepared.Code)

		rr := h.do(t, http.MethodGet, "/api/v1/experiment/status-check", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var info core.ExperimentExecutionInformation
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
		assert.Equal(t, core.StatusPreparing, info.Status)
		require.NotNil(t, info.Experiment)
		assert.Len(t, info.Experiment.DeploymentMap, 1)
	})

	t.Run("ForeignExperimentLooksAbsent", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		prepared := h.do(t, http.MethodPost, "/api/v1/experiment/private/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, prepared.Code)

		info := h.do(t, http.MethodGet, "/api/v1/experiment/private", "bob", "hunter2", nil)
		assert.Equal(t, http.StatusNotFound, info.Code)

		canceled := h.do(t, http.MethodDelete, "/api/v1/experiment/private", "bob", "hunter2", nil)
		assert.Equal(t, http.StatusNotFound, canceled.Code)
	})

	t.Run("ListShowsOnlyOwnExperiments", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})

		experiment := experimentOn(t, labNode("node-1", "lab"))
		for _, name := range []string{"sweep", "probe"} {
			rr := h.do(t, http.MethodPost, "/api/v1/experiment/"+name+"/prepare", "alice", "secret", experiment)
			require.Equal(t, http.StatusOK, rr.Code)
		}
		rr := h.do(t, http.MethodPost, "/api/v1/experiment/sweep/prepare", "bob", "hunter2", experiment)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = h.do(t, http.MethodGet, "/api/v1/experiment", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var infos map[string]core.ExperimentExecutionInformation
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
		require.Len(t, infos, 2)
		assert.Contains(t, infos, "sweep")
		assert.Contains(t, infos, "probe")
		assert.Equal(t, core.StatusPreparing, infos["sweep"].Status)

		rr = h.do(t, http.MethodGet, "/api/v1/experiment", "bob", "hunter2", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		infos = nil
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
		assert.Len(t, infos, 1)
	})
}

func TestCancelExecutors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	running := func(t *testing.T, h *harness, name string) *storage.ExperimentRecord {
		t.Helper()
		experiment := experimentOn(t, labNode("node-1", "lab"))
		prepared := h.do(t, http.MethodPost, "/api/v1/experiment/"+name+"/prepare", "alice", "secret", experiment)
		require.Equal(t, http.StatusOK, prepared.Code)
		id := prepared.Body.String()
		waitForStatus(t, h.store, id, core.StatusReady)
		started := h.do(t, http.MethodPost, "/api/v1/experiment/"+name+"/start", "alice", "secret", nil)
		require.Equal(t, http.StatusOK, started.Code)
		rec, err := h.store.ExperimentByID(ctx, id)
		require.NoError(t, err)
		return rec
	}

	t.Run("StopsOwnedExecutors", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})
		h.startPreparer(t)

		rec := running(t, h, "stop-mine")
		executorID := rec.Experiment.DeploymentMap[0].ExecutorID

		rr := h.do(t, http.MethodDelete, "/api/v1/executors", "alice", "secret", []string{executorID})
		require.Equal(t, http.StatusOK, rr.Code)

		require.Eventually(t, func() bool {
			executor, err := h.store.ExecutorByID(ctx, executorID)
			return err == nil && executor.Finished
		}, eventually, 5*time.Millisecond)
	})

	t.Run("ForeignExecutorsAreDropped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.registry.Add("lab", &stubConnector{healthy: true})
		h.startPreparer(t)

		rec := running(t, h, "not-yours")
		executorID := rec.Experiment.DeploymentMap[0].ExecutorID

		rr := h.do(t, http.MethodDelete, "/api/v1/executors", "bob", "hunter2", []string{executorID})
		require.Equal(t, http.StatusOK, rr.Code)

		// Ownership filtering happens before any stop is issued, so
		// the executor is untouched.
		executor, err := h.store.ExecutorByID(ctx, executorID)
		require.NoError(t, err)
		assert.False(t, executor.Finished)
	})

	t.Run("RejectsGarbageBody", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodDelete, "/api/v1/executors", "alice", "secret", map[string]string{"not": "a list"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
