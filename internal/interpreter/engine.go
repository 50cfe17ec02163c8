package interpreter

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
)

// ExecuteGraph interprets the graph, running up to parallelism tasks
// concurrently (defaulting to the CPU count), and returns every result
// produced, keyed by task name with one entry per execution.
//
// A non-nil error means the interpretation itself broke down: the
// graph was invalid, it deadlocked, or the context was canceled. The
// returned results hold whatever completed by then. Task failures are
// not errors; they are regular entries in the result map.
func ExecuteGraph(ctx context.Context, g *core.ExecutionGraph, parallelism int) (core.TaskResults, error) {
	if err := g.Validate(); err != nil {
		return core.TaskResults{}, err
	}
	for _, v := range g.Vertices() {
		if v.Element != nil && v.Task() == nil {
			return core.TaskResults{}, fmt.Errorf("%w: vertex %q", core.ErrUnresolvedDispatcher, v.Name)
		}
	}
	if parallelism < 1 {
		parallelism = runtime.NumCPU()
	}
	return newEngine(g, parallelism).run(ctx)
}

// completion is what a task goroutine hands back to the engine loop.
type completion struct {
	vertex string
	result core.Result
}

// engine holds the traversal state of one graph run. All fields are
// owned by the run loop; task goroutines only communicate through the
// done channel.
type engine struct {
	graph *core.ExecutionGraph
	limit int

	edges    []core.Edge
	outEdges map[string][]int

	// strongIn maps a vertex to the sources of its incoming strong
	// edges. A vertex may start only when all of them have completed
	// at least once. Weak edges never block.
	strongIn map[string][]string

	// remaining tracks live edge counters by edge index; -1 means
	// unbounded. An edge at zero is permanently disabled.
	remaining []int

	waiting  map[string]struct{}
	finished map[string]struct{}
	running  int
	results  core.TaskResults
	done     chan completion
}

func newEngine(g *core.ExecutionGraph, limit int) *engine {
	edges := g.Edges()
	e := &engine{
		graph:     g,
		limit:     limit,
		edges:     edges,
		outEdges:  make(map[string][]int),
		strongIn:  make(map[string][]string),
		remaining: make([]int, len(edges)),
		waiting:   map[string]struct{}{core.RootVertex: {}},
		finished:  make(map[string]struct{}),
		results:   core.TaskResults{},
		done:      make(chan completion),
	}
	for i, edge := range edges {
		e.outEdges[edge.Source] = append(e.outEdges[edge.Source], i)
		if edge.Type == core.EdgeStrong {
			e.strongIn[edge.Target] = append(e.strongIn[edge.Target], edge.Source)
		}
		e.remaining[i] = -1
		if edge.Counter > 0 {
			e.remaining[i] = edge.Counter
		}
	}
	return e
}

func (e *engine) run(ctx context.Context) (results core.TaskResults, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = e.results
			err = fmt.Errorf("graph interpretation panicked: %v", r)
		}
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := errgroup.Group{}
	pool.SetLimit(e.limit)

	// stopping turns the loop into a drain: no new starts, no edge
	// firing, only collecting results of tasks already in flight.
	stopping := false
	ctxDone := ctx.Done()

	for {
		progressed := false
		if !stopping {
			for _, name := range e.startable() {
				vertex := e.graph.Vertex(name)
				task := vertex.Task()
				if task == nil {
					// Synchronization point: completes the moment its
					// dependencies do, and fires unconditionally.
					delete(e.waiting, name)
					e.finished[name] = struct{}{}
					e.fire(ctx, name, nil)
					progressed = true
					continue
				}

				previous := e.results.Clone()
				started := pool.TryGo(func() error {
					e.done <- completion{vertex: name, result: core.RunTask(taskCtx, task, previous)}
					return nil
				})
				if !started {
					// Pool is full; the vertex stays waiting until a
					// slot frees up.
					continue
				}
				delete(e.waiting, name)
				e.running++
				progressed = true
				logger.Debug(ctx, "Task started", "task", name)
			}
		}
		if progressed {
			// A sync point may have unblocked further vertices;
			// rescan before blocking.
			continue
		}

		if e.running == 0 {
			if len(e.waiting) > 0 && !stopping {
				err = fmt.Errorf("deadlock: vertices %v wait on dependencies that can never complete", e.waitingNames())
			}
			break
		}

		select {
		case c := <-e.done:
			e.running--
			e.results[c.vertex] = append(e.results[c.vertex], c.result)
			e.finished[c.vertex] = struct{}{}
			logger.Debug(ctx, "Task finished", "task", c.vertex, "success", c.result.IsSuccess())
			if stopping {
				continue
			}
			if e.fire(ctx, c.vertex, &c.result) {
				logger.Info(ctx, "Task failed with no continuation, stopping execution", "task", c.vertex)
				stopping = true
				cancel()
			}
		case <-ctxDone:
			stopping = true
			ctxDone = nil
			cancel()
		}
	}

	_ = pool.Wait()
	if ctx.Err() != nil {
		return e.results, ctx.Err()
	}
	return e.results, err
}

// fire traverses the source's outgoing edges for the given result (nil
// for synchronization points, which fire every edge) and marks the
// targets waiting. It reports whether execution must halt: a failed
// task under early stopping that fired no edge leaves nothing to
// continue with.
func (e *engine) fire(ctx context.Context, source string, result *core.Result) bool {
	fired := false
	for _, i := range e.outEdges[source] {
		edge := e.edges[i]
		if e.remaining[i] == 0 {
			continue
		}
		if result != nil && !edge.FiresOn(*result, e.graph.EarlyStopping) {
			continue
		}
		if e.remaining[i] > 0 {
			e.remaining[i]--
			if e.remaining[i] == 0 {
				logger.Debug(ctx, "Edge counter exhausted", "source", edge.Source, "target", edge.Target)
			}
		}
		fired = true
		e.waiting[edge.Target] = struct{}{}
	}
	return result != nil && !result.IsSuccess() && e.graph.EarlyStopping && !fired
}

// startable returns the waiting vertices whose strong dependencies are
// all met, sorted for deterministic dispatch order.
func (e *engine) startable() []string {
	names := make([]string, 0, len(e.waiting))
	for name := range e.waiting {
		if e.strongSatisfied(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (e *engine) strongSatisfied(name string) bool {
	for _, source := range e.strongIn[name] {
		if _, ok := e.finished[source]; !ok {
			return false
		}
	}
	return true
}

func (e *engine) waitingNames() []string {
	names := make([]string, 0, len(e.waiting))
	for name := range e.waiting {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
