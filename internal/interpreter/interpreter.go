// Package interpreter implements the on-node agent: it obtains an
// execution graph (from a staged file or the gateway), interprets it
// with a bounded task pool, and reports the collected results back.
package interpreter

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netmark-org/netmark/internal/backoff"
	"github.com/netmark-org/netmark/internal/build"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
)

// DefaultGraphFile is the staged graph location probed before asking
// the gateway. Connectors that can write files drop the encoded graph
// here during deployment.
const DefaultGraphFile = "netmark.graph"

// EnvParallelism overrides the size of the task pool.
var EnvParallelism = build.EnvVar("AGENT_PARALLELISM")

const defaultHeartbeatInterval = 30 * time.Second

// Options configures one agent run. The zero value is completed by
// defaults except for GatewayEndpoint, which every networked run
// needs.
type Options struct {
	GatewayEndpoint string
	ExecutorID      string
	ExperimentID    string

	// GraphFile is probed before the gateway. Defaults to
	// DefaultGraphFile in the working directory.
	GraphFile string

	// HeartbeatInterval paces the liveness pings sent while executing.
	// Heartbeats are only sent when an executor id was delivered.
	HeartbeatInterval time.Duration

	// Parallelism bounds the task pool. Zero means the env override
	// or the CPU count.
	Parallelism int

	// Backoff paces graph polling and report retries.
	Backoff backoff.RetryPolicy
}

// OptionsFromEnv reads the deployment environment a connector sets up
// for the agent process.
func OptionsFromEnv() (Options, error) {
	gateway := os.Getenv(connectors.EnvGatewayEndpoint)
	if gateway == "" {
		return Options{}, fmt.Errorf("%s is not set", connectors.EnvGatewayEndpoint)
	}
	return Options{
		GatewayEndpoint: gateway,
		ExecutorID:      os.Getenv(connectors.EnvExecutorID),
		ExperimentID:    os.Getenv(connectors.EnvExperimentID),
	}, nil
}

func (o *Options) applyDefaults() {
	if o.GraphFile == "" {
		o.GraphFile = DefaultGraphFile
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.Parallelism < 1 {
		if v, err := strconv.Atoi(os.Getenv(EnvParallelism)); err == nil && v > 0 {
			o.Parallelism = v
		} else {
			o.Parallelism = runtime.NumCPU()
		}
	}
	if o.Backoff == nil {
		// 0,5,10,...,45s across ten retries before giving up.
		o.Backoff = &backoff.LinearBackoffPolicy{
			Increment:   5 * time.Second,
			MaxInterval: 45 * time.Second,
			MaxRetries:  10,
		}
	}
}

// Interpreter drives one executor lifecycle:
// LOOKING_FOR_GRAPH -> EXECUTING -> REPORTING -> FINISHED.
type Interpreter struct {
	opts   Options
	client *gatewayClient
	tail   *logTail
	hb     sync.WaitGroup

	state   core.ExecutorState
	graph   *core.ExecutionGraph
	results core.TaskResults

	// broken records that the interpretation itself fell over, which
	// forces the report outcome to Failure regardless of the results
	// collected so far.
	broken bool
	report *core.ExecutionReport
}

// New builds an interpreter. Wire LogWriter into the process logger
// before calling Run so the report carries the log tail.
func New(opts Options) *Interpreter {
	opts.applyDefaults()
	return &Interpreter{
		opts:    opts,
		client:  newGatewayClient(opts.GatewayEndpoint),
		tail:    newLogTail(logTailLimit),
		state:   core.ExecutorLookingForGraph,
		results: core.TaskResults{},
	}
}

// LogWriter returns the sink whose recent lines end up in the report.
func (i *Interpreter) LogWriter() io.Writer { return i.tail }

// State returns the current lifecycle phase.
func (i *Interpreter) State() core.ExecutorState { return i.state }

// Report returns the execution report, nil until one was built.
func (i *Interpreter) Report() *core.ExecutionReport { return i.report }

// Run drives the lifecycle to completion. The returned error covers
// agent-level faults (no graph obtainable, report undeliverable); task
// failures travel inside the report instead.
func (i *Interpreter) Run(ctx context.Context) error {
	logger.Info(ctx, "Agent starting",
		"executor_id", i.opts.ExecutorID,
		"experiment_id", i.opts.ExperimentID,
		"gateway", i.opts.GatewayEndpoint,
		"parallelism", i.opts.Parallelism)

	for {
		switch i.state {
		case core.ExecutorLookingForGraph:
			if err := i.lookForGraph(ctx); err != nil {
				logger.Error(ctx, "Could not obtain an execution graph", "err", err)
				i.broken = true
				i.state = core.ExecutorReporting
			}
		case core.ExecutorExecuting:
			i.execute(ctx)
		case core.ExecutorReporting:
			return i.reportResults(ctx)
		case core.ExecutorFinished:
			return nil
		default:
			return fmt.Errorf("agent in unknown state %v", i.state)
		}
	}
}

// lookForGraph resolves the execution graph: an already injected one,
// the staged file, or the gateway, in that order.
func (i *Interpreter) lookForGraph(ctx context.Context) error {
	if i.graph != nil {
		i.state = core.ExecutorExecuting
		return nil
	}

	if raw, err := os.ReadFile(i.opts.GraphFile); err == nil {
		graph, err := core.DecodeExecutionGraph(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("staged graph %s: %w", i.opts.GraphFile, err)
		}
		logger.Info(ctx, "Execution graph loaded from file", "path", i.opts.GraphFile)
		i.graph = graph
		i.state = core.ExecutorExecuting
		return nil
	}

	var encoded string
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		encoded, err = i.client.FetchGraph(ctx, i.opts.ExecutorID)
		if err != nil {
			logger.Info(ctx, "Execution graph not available yet", "err", err)
		}
		return err
	}, i.opts.Backoff, nil)
	if err != nil {
		return err
	}
	graph, err := core.DecodeExecutionGraph(encoded)
	if err != nil {
		return fmt.Errorf("graph from gateway: %w", err)
	}
	logger.Info(ctx, "Execution graph received from gateway")
	i.graph = graph
	i.state = core.ExecutorExecuting
	return nil
}

// execute interprets the graph with the heartbeat running alongside.
// It always advances to REPORTING; a crash of the interpretation is
// recovered and reported as a failed run with partial results.
func (i *Interpreter) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Interpretation crashed", "err", r, "stack", string(debug.Stack()))
			i.broken = true
		}
		i.state = core.ExecutorReporting
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer func() {
		stopHeartbeat()
		i.hb.Wait()
	}()
	if i.opts.ExecutorID != "" {
		i.hb.Add(1)
		go func() {
			defer i.hb.Done()
			i.heartbeatLoop(hbCtx)
		}()
	}

	results, err := ExecuteGraph(ctx, i.graph, i.opts.Parallelism)
	if results != nil {
		i.results = results
	}
	if err != nil {
		logger.Error(ctx, "Graph interpretation failed", "err", err)
		i.broken = true
	}
}

func (i *Interpreter) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(i.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.client.Heartbeat(ctx, i.opts.ExecutorID); err != nil {
				logger.Warn(ctx, "Heartbeat failed", "err", err)
			}
		}
	}
}

// reportResults builds the report and uploads it unless the graph
// opted out of reporting.
func (i *Interpreter) reportResults(ctx context.Context) error {
	if i.report == nil {
		i.report = core.NewExecutionReport(i.results, i.tail.Lines())
		if i.broken {
			i.report.Outcome = core.Failure(i.results)
		}
	}

	if i.graph != nil && !i.graph.ReportResults {
		logger.Info(ctx, "Result reporting disabled by the graph, finishing locally")
		i.state = core.ExecutorFinished
		return nil
	}

	encoded, err := core.EncodeExecutionReport(i.report)
	if err != nil {
		return err
	}
	err = backoff.Retry(ctx, func(ctx context.Context) error {
		if err := i.client.PostReport(ctx, i.opts.ExecutorID, encoded, core.ExecutorReporting); err != nil {
			logger.Warn(ctx, "Report upload failed, retrying", "err", err)
			return err
		}
		return nil
	}, i.opts.Backoff, nil)
	if err != nil {
		return fmt.Errorf("report undeliverable: %w", err)
	}

	logger.Info(ctx, "Results reported", "success", i.report.Outcome.IsSuccess())
	i.state = core.ExecutorFinished
	return nil
}
