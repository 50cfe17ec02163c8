package core

import (
	"fmt"
	"strconv"
)

// Pipeline is builder sugar over ExecutionGraph for the common case of
// sequential stages. Each Then call appends one stage; tasks within a
// stage run in parallel and every task must finish before the next
// stage starts. Stage boundaries are synchronization vertices, so the
// underlying graph stays a plain DAG.
type Pipeline struct {
	graph     *ExecutionGraph
	lastStage string
	stages    int

	cycle        bool
	cycleCounter int

	err error
}

// NewPipeline returns an empty pipeline. Each call of Then becomes one
// parallel stage.
func NewPipeline() *Pipeline {
	return &Pipeline{graph: NewExecutionGraph(), lastStage: RootVertex}
}

// NewCyclePipeline returns a pipeline whose whole body repeats the
// given number of times using a weak back-edge to the root. Cycles
// must be at least two; a single pass is a plain pipeline.
func NewCyclePipeline(cycles int) *Pipeline {
	p := NewPipeline()
	if cycles < 2 {
		p.err = fmt.Errorf("%w: cycle pipeline needs at least 2 cycles, got %d", ErrInvalidGraph, cycles)
		return p
	}
	p.cycle = true
	p.cycleCounter = cycles - 1
	p.addCycleEdge()
	return p
}

func (p *Pipeline) addCycleEdge() {
	p.graph.AddEdge(Edge{
		Source:  p.lastStage,
		Target:  RootVertex,
		Type:    EdgeWeak,
		Counter: p.cycleCounter,
	})
}

func (p *Pipeline) removeCycleEdge() {
	edges := p.graph.edges[:0]
	for _, e := range p.graph.edges {
		if e.Source == p.lastStage && e.Target == RootVertex && e.Type == EdgeWeak {
			continue
		}
		edges = append(edges, e)
	}
	p.graph.edges = edges
}

// Then appends a stage of tasks that run in parallel after everything
// added before. Errors (such as duplicate task names) stick to the
// pipeline and surface from Graph.
func (p *Pipeline) Then(tasks ...Task) *Pipeline {
	if p.err != nil || len(tasks) == 0 {
		return p
	}
	if p.cycle {
		p.removeCycleEdge()
	}
	previous := p.lastStage
	p.stages++
	next := "stage-" + strconv.Itoa(p.stages)
	if err := p.graph.AddSyncPoint(next); err != nil {
		p.err = err
		return p
	}
	for _, task := range tasks {
		if err := p.graph.AddTask(task); err != nil {
			p.err = err
			return p
		}
		p.graph.Connect(previous, task.Name())
		p.graph.Connect(task.Name(), next)
	}
	p.lastStage = next
	if p.cycle {
		p.addCycleEdge()
	}
	return p
}

// WithEarlyStopping toggles stop-on-first-failure for the whole run.
func (p *Pipeline) WithEarlyStopping(enabled bool) *Pipeline {
	p.graph.EarlyStopping = enabled
	return p
}

// WithReportResults toggles uploading of the final report.
func (p *Pipeline) WithReportResults(enabled bool) *Pipeline {
	p.graph.ReportResults = enabled
	return p
}

// WithEnvironment sets the environment definition for the whole graph.
func (p *Pipeline) WithEnvironment(def EnvironmentDefinition) *Pipeline {
	p.graph.EnvironmentDefinition = def
	return p
}

// Graph returns the built execution graph or the first error hit while
// building.
func (p *Pipeline) Graph() (*ExecutionGraph, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.graph, nil
}
