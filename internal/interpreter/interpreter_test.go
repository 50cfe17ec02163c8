package interpreter_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/backoff"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/interpreter"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/tasks"
)

// fastRetries keeps agent backoff out of test wall time.
func fastRetries(max int) backoff.RetryPolicy {
	return &backoff.ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: max}
}

type resultPost struct {
	ExecutorID string `json:"executor_id"`
	Results    string `json:"results"`
	State      int    `json:"state"`
}

// fakeGateway records everything the agent sends.
type fakeGateway struct {
	t *testing.T

	mu              sync.Mutex
	graph           string
	pending         int // serve this many 204s before the graph
	rejections      []int
	requests        int
	graphRequests   int
	lastGraphQuery  string
	heartbeats      int
	lastHeartbeatID string
	posts           []resultPost
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/executor/graph":
		f.graphRequests++
		f.lastGraphQuery = r.URL.Query().Get("executor_id")
		if f.pending > 0 || f.graph == "" {
			if f.pending > 0 {
				f.pending--
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.WriteString(w, f.graph)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/executor/heartbeat/"):
		f.heartbeats++
		f.lastHeartbeatID = strings.TrimPrefix(r.URL.Path, "/api/v1/executor/heartbeat/")

	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/executor/result":
		var post resultPost
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
			f.t.Errorf("malformed result post: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.posts = append(f.posts, post)
		if len(f.rejections) > 0 {
			code := f.rejections[0]
			f.rejections = f.rejections[1:]
			w.WriteHeader(code)
			return
		}

	default:
		f.t.Errorf("unexpected gateway request: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

type gatewaySeen struct {
	requests        int
	graphRequests   int
	lastGraphQuery  string
	heartbeats      int
	lastHeartbeatID string
	posts           []resultPost
}

func (f *fakeGateway) snapshot() gatewaySeen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gatewaySeen{
		requests:        f.requests,
		graphRequests:   f.graphRequests,
		lastGraphQuery:  f.lastGraphQuery,
		heartbeats:      f.heartbeats,
		lastHeartbeatID: f.lastHeartbeatID,
		posts:           append([]resultPost(nil), f.posts...),
	}
}

func encodedGraph(t *testing.T, mutate func(*core.ExecutionGraph)) string {
	t.Helper()
	g := core.NewExecutionGraph()
	require.NoError(t, g.AddTask(tasks.NewDummy("noop")))
	g.Connect(core.RootVertex, "noop")
	if mutate != nil {
		mutate(g)
	}
	encoded, err := core.EncodeExecutionGraph(g)
	require.NoError(t, err)
	return encoded
}

// newAgent builds an interpreter with its log tail wired into the
// context logger, the way the agent command does it.
func newAgent(t *testing.T, opts interpreter.Options) (*interpreter.Interpreter, context.Context) {
	t.Helper()
	if opts.GraphFile == "" {
		opts.GraphFile = filepath.Join(t.TempDir(), "netmark.graph")
	}
	if opts.Backoff == nil {
		opts.Backoff = fastRetries(10)
	}
	agent := interpreter.New(opts)
	log := logger.NewLogger(logger.WithQuiet(), logger.WithWriter(agent.LogWriter()))
	return agent, logger.WithLogger(context.Background(), log)
}

func decodeReport(t *testing.T, post resultPost) *core.ExecutionReport {
	t.Helper()
	report, err := core.DecodeExecutionReport(post.Results)
	require.NoError(t, err)
	return report
}

func TestRunReportsToGateway(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t, graph: encodedGraph(t, func(g *core.ExecutionGraph) {
		require.NoError(t, g.AddTask(tasks.NewSleep("pause", 0.2)))
		g.Connect("noop", "pause")
	})}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint:   srv.URL,
		ExecutorID:        "exec-1",
		ExperimentID:      "exp-1",
		HeartbeatInterval: 20 * time.Millisecond,
		Parallelism:       2,
	})
	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, core.ExecutorFinished, agent.State())

	got := gw.snapshot()
	assert.Equal(t, "exec-1", got.lastGraphQuery)
	assert.GreaterOrEqual(t, got.heartbeats, 1, "sleep task should outlive at least one heartbeat tick")
	assert.Equal(t, "exec-1", got.lastHeartbeatID)

	require.Len(t, got.posts, 1)
	assert.Equal(t, "exec-1", got.posts[0].ExecutorID)
	assert.Equal(t, int(core.ExecutorReporting), got.posts[0].State)

	report := decodeReport(t, got.posts[0])
	assert.True(t, report.Outcome.IsSuccess())
	results, err := report.TaskResults()
	require.NoError(t, err)
	assert.Len(t, results["noop"], 1)
	assert.Len(t, results["pause"], 1)
	assert.NotEmpty(t, report.Log)
}

func TestGraphPollRetriesUntilStaged(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t, graph: encodedGraph(t, nil), pending: 2}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		ExecutorID:      "exec-2",
	})
	require.NoError(t, agent.Run(ctx))

	got := gw.snapshot()
	assert.GreaterOrEqual(t, got.graphRequests, 3)
	require.Len(t, got.posts, 1)
	assert.True(t, decodeReport(t, got.posts[0]).Outcome.IsSuccess())
}

func TestStagedGraphFileSkipsGatewayPolling(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "netmark.graph")
	require.NoError(t, os.WriteFile(path, []byte(encodedGraph(t, nil)+"\n"), 0o600))

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		GraphFile:       path,
	})
	require.NoError(t, agent.Run(ctx))

	got := gw.snapshot()
	assert.Zero(t, got.graphRequests)
	assert.Zero(t, got.heartbeats, "no executor id, no heartbeat")
	require.Len(t, got.posts, 1)
}

func TestReportingDisabledFinishesLocally(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "netmark.graph")
	encoded := encodedGraph(t, func(g *core.ExecutionGraph) { g.ReportResults = false })
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0o600))

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		GraphFile:       path,
	})
	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, core.ExecutorFinished, agent.State())

	require.NotNil(t, agent.Report())
	assert.True(t, agent.Report().Outcome.IsSuccess())
	results, err := agent.Report().TaskResults()
	require.NoError(t, err)
	assert.Len(t, results["noop"], 1)

	assert.Zero(t, gw.snapshot().requests, "nothing may reach the gateway")
}

func TestReportUploadRetries(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t, graph: encodedGraph(t, nil), rejections: []int{http.StatusInternalServerError, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		ExecutorID:      "exec-3",
	})
	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, core.ExecutorFinished, agent.State())
	assert.Len(t, gw.snapshot().posts, 3)
}

func TestDeadlockedRunReportsFailureWithPartialResults(t *testing.T) {
	t.Parallel()

	// B only activates on A failing, so C's dependencies never
	// complete and the run deadlocks after A.
	encoded := encodedGraph(t, func(g *core.ExecutionGraph) {
		require.NoError(t, g.AddTask(tasks.NewDummy("B")))
		require.NoError(t, g.AddTask(tasks.NewDummy("C")))
		g.AddEdge(core.Edge{Source: "noop", Target: "B", Type: core.EdgeStrong, TraverseOn: core.TraverseOnFailure})
		g.Connect("noop", "C")
		g.Connect("B", "C")
	})
	gw := &fakeGateway{t: t, graph: encoded}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		ExecutorID:      "exec-4",
	})
	require.NoError(t, agent.Run(ctx))

	got := gw.snapshot()
	require.Len(t, got.posts, 1)
	report := decodeReport(t, got.posts[0])
	assert.False(t, report.Outcome.IsSuccess())

	results, err := report.TaskResults()
	require.NoError(t, err)
	assert.Len(t, results["noop"], 1)
	assert.NotContains(t, results, "B")
	assert.NotContains(t, results, "C")
}

func TestMissingGraphReportsFailure(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t} // never stages a graph
	srv := httptest.NewServer(gw)
	defer srv.Close()

	agent, ctx := newAgent(t, interpreter.Options{
		GatewayEndpoint: srv.URL,
		ExecutorID:      "exec-5",
		Backoff:         fastRetries(3),
	})
	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, core.ExecutorFinished, agent.State())

	got := gw.snapshot()
	assert.Equal(t, 4, got.graphRequests, "initial attempt plus three retries")
	require.Len(t, got.posts, 1)
	assert.False(t, decodeReport(t, got.posts[0]).Outcome.IsSuccess())
}

func TestOptionsFromEnv(t *testing.T) {
	t.Run("ReadsDeploymentEnvironment", func(t *testing.T) {
		t.Setenv(connectors.EnvGatewayEndpoint, "http://gateway:26512")
		t.Setenv(connectors.EnvExecutorID, "exec-9")
		t.Setenv(connectors.EnvExperimentID, "exp-9")

		opts, err := interpreter.OptionsFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "http://gateway:26512", opts.GatewayEndpoint)
		assert.Equal(t, "exec-9", opts.ExecutorID)
		assert.Equal(t, "exp-9", opts.ExperimentID)
	})

	t.Run("RequiresGatewayEndpoint", func(t *testing.T) {
		t.Setenv(connectors.EnvGatewayEndpoint, "")

		_, err := interpreter.OptionsFromEnv()
		require.ErrorContains(t, err, connectors.EnvGatewayEndpoint)
	})
}
