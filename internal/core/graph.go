package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RootVertex is the distinguished entry point every graph starts from.
const RootVertex = "root"

// EdgeType distinguishes ordering edges from loop back-edges.
type EdgeType string

const (
	// EdgeStrong edges define execution order. The graph without weak
	// edges must form a DAG covering every vertex from the root.
	EdgeStrong EdgeType = "strong"

	// EdgeWeak edges never block their target and are exempt from the
	// DAG requirement. Combined with a counter they express bounded
	// loops.
	EdgeWeak EdgeType = "weak"
)

// TraverseOn selects which task outcomes let an edge fire. It is only
// legal on edges whose source vertex holds a task.
type TraverseOn string

const (
	TraverseOnSuccess TraverseOn = "success"
	TraverseOnFailure TraverseOn = "failure"
	TraverseOnAny     TraverseOn = "any"
)

// Edge connects two vertices. Counter zero means unbounded traversals;
// a positive counter caps how many times the edge may fire before it
// is permanently disabled.
type Edge struct {
	Source     string
	Target     string
	Type       EdgeType
	Counter    int
	TraverseOn TraverseOn
}

// FiresOn reports whether the edge fires for the given task result.
// Without an explicit traversal policy the graph-wide early stopping
// flag decides: stop on failure, or fire regardless.
func (e Edge) FiresOn(r Result, earlyStopping bool) bool {
	switch e.TraverseOn {
	case TraverseOnSuccess:
		return r.IsSuccess()
	case TraverseOnFailure:
		return !r.IsSuccess()
	case TraverseOnAny:
		return true
	default:
		if earlyStopping {
			return r.IsSuccess()
		}
		return true
	}
}

type edgeJSON struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Type       EdgeType   `json:"type"`
	Counter    *int       `json:"counter,omitempty"`
	TraverseOn TraverseOn `json:"traverse_on,omitempty"`
}

func (e Edge) MarshalJSON() ([]byte, error) {
	out := edgeJSON{
		Source:     e.Source,
		Target:     e.Target,
		Type:       e.Type,
		TraverseOn: e.TraverseOn,
	}
	if out.Type == "" {
		out.Type = EdgeStrong
	}
	if e.Counter > 0 {
		out.Counter = &e.Counter
	}
	return json.Marshal(out)
}

func (e *Edge) UnmarshalJSON(data []byte) error {
	var in edgeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("edge: %w", err)
	}
	e.Source = in.Source
	e.Target = in.Target
	e.Type = in.Type
	if e.Type == "" {
		e.Type = EdgeStrong
	}
	e.TraverseOn = in.TraverseOn
	e.Counter = 0
	if in.Counter != nil {
		if *in.Counter <= 0 {
			return fmt.Errorf("edge %s->%s: counter must be positive", in.Source, in.Target)
		}
		e.Counter = *in.Counter
	}
	return nil
}

// Vertex is a named graph node. It either holds a task (or a
// dispatcher resolved to one at deployment time) or nothing, in which
// case it acts as a synchronization point.
type Vertex struct {
	Name    string
	Element TaskDispatcher
}

// Task returns the concrete task held by the vertex, or nil for sync
// points and unresolved dispatchers.
func (v *Vertex) Task() Task {
	if t, ok := v.Element.(Task); ok {
		return t
	}
	return nil
}

// ExecutionGraph is the unit of work shipped to a node: named vertices
// holding tasks, edges defining order and loops, and the environment
// the tasks need. The zero value is not usable; construct with
// NewExecutionGraph.
type ExecutionGraph struct {
	Name                  string
	EarlyStopping         bool
	ReportResults         bool
	EnvironmentDefinition EnvironmentDefinition

	order    []string
	vertices map[string]*Vertex
	edges    []Edge
}

// NewExecutionGraph returns an empty graph containing only the root
// synchronization point. Early stopping and result reporting default
// to on; the environment defaults to a built docker image.
func NewExecutionGraph() *ExecutionGraph {
	g := &ExecutionGraph{
		Name:                  uuid.NewString(),
		EarlyStopping:         true,
		ReportResults:         true,
		EnvironmentDefinition: NewDockerImage(""),
		vertices:              map[string]*Vertex{},
	}
	_ = g.AddSyncPoint(RootVertex)
	return g
}

// AddTask adds a vertex named after the task. The same name may not be
// used twice.
func (g *ExecutionGraph) AddTask(task Task) error {
	return g.addVertex(task.Name(), task)
}

// AddDispatcher adds a named vertex holding a dispatcher that resolves
// to a concrete task per node during deployment mapping.
func (g *ExecutionGraph) AddDispatcher(name string, d TaskDispatcher) error {
	return g.addVertex(name, d)
}

// AddSyncPoint adds a vertex that executes nothing and only joins
// control flow.
func (g *ExecutionGraph) AddSyncPoint(name string) error {
	return g.addVertex(name, nil)
}

func (g *ExecutionGraph) addVertex(name string, element TaskDispatcher) error {
	if name == "" {
		return fmt.Errorf("%w: empty vertex name", ErrInvalidGraph)
	}
	if _, dup := g.vertices[name]; dup {
		return fmt.Errorf("%w: duplicate vertex %q", ErrInvalidGraph, name)
	}
	g.vertices[name] = &Vertex{Name: name, Element: element}
	g.order = append(g.order, name)
	return nil
}

// AddEdge appends an edge. Structural rules are checked by Validate,
// not here, so graphs can be built in any order.
func (g *ExecutionGraph) AddEdge(e Edge) {
	if e.Type == "" {
		e.Type = EdgeStrong
	}
	g.edges = append(g.edges, e)
}

// Connect adds a plain strong edge between two vertices.
func (g *ExecutionGraph) Connect(source, target string) {
	g.AddEdge(Edge{Source: source, Target: target, Type: EdgeStrong})
}

// Vertex returns the named vertex or nil.
func (g *ExecutionGraph) Vertex(name string) *Vertex {
	return g.vertices[name]
}

// Vertices returns all vertices in insertion order.
func (g *ExecutionGraph) Vertices() []*Vertex {
	out := make([]*Vertex, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.vertices[name])
	}
	return out
}

// Edges returns the edge list in insertion order.
func (g *ExecutionGraph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Validate checks the structural rules a graph must satisfy before it
// may be deployed:
//
//   - a root vertex exists and every edge endpoint is a known vertex;
//   - no duplicate edges between the same pair of vertices;
//   - traversal policies appear only on edges leaving task vertices;
//   - the graph is weakly connected;
//   - without weak edges the graph is a DAG and every vertex is still
//     reachable from the root.
func (g *ExecutionGraph) Validate() error {
	if _, ok := g.vertices[RootVertex]; !ok {
		return fmt.Errorf("%w: missing %q vertex", ErrInvalidGraph, RootVertex)
	}

	seen := make(map[[2]string]struct{}, len(g.edges))
	for _, e := range g.edges {
		if _, ok := g.vertices[e.Source]; !ok {
			return fmt.Errorf("%w: edge references unknown vertex %q", ErrInvalidGraph, e.Source)
		}
		if _, ok := g.vertices[e.Target]; !ok {
			return fmt.Errorf("%w: edge references unknown vertex %q", ErrInvalidGraph, e.Target)
		}
		key := [2]string{e.Source, e.Target}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate edge %s->%s", ErrInvalidGraph, e.Source, e.Target)
		}
		seen[key] = struct{}{}

		switch e.Type {
		case EdgeStrong, EdgeWeak:
		default:
			return fmt.Errorf("%w: edge %s->%s has unknown type %q", ErrInvalidGraph, e.Source, e.Target, e.Type)
		}
		if e.Counter < 0 {
			return fmt.Errorf("%w: edge %s->%s has negative counter", ErrInvalidGraph, e.Source, e.Target)
		}
		if e.TraverseOn != "" {
			switch e.TraverseOn {
			case TraverseOnSuccess, TraverseOnFailure, TraverseOnAny:
			default:
				return fmt.Errorf("%w: edge %s->%s has unknown traverse_on %q", ErrInvalidGraph, e.Source, e.Target, e.TraverseOn)
			}
			if g.vertices[e.Source].Element == nil {
				return fmt.Errorf("%w: traverse_on on edge %s->%s requires a task source", ErrInvalidGraph, e.Source, e.Target)
			}
		}
	}

	if err := g.checkWeaklyConnected(); err != nil {
		return err
	}
	return g.checkStrongSkeleton()
}

func (g *ExecutionGraph) checkWeaklyConnected() error {
	if len(g.vertices) <= 1 {
		return nil
	}
	adjacent := map[string][]string{}
	for _, e := range g.edges {
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
		adjacent[e.Target] = append(adjacent[e.Target], e.Source)
	}
	visited := map[string]struct{}{RootVertex: {}}
	queue := []string{RootVertex}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[current] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	if len(visited) != len(g.vertices) {
		return fmt.Errorf("%w: graph is not weakly connected (%s)", ErrInvalidGraph, g.firstUnvisited(visited))
	}
	return nil
}

// checkStrongSkeleton verifies that the strong edges alone form a DAG
// and that the DAG reaches every vertex from the root. Weak edges are
// loop back-edges and are ignored here.
func (g *ExecutionGraph) checkStrongSkeleton() error {
	successors := map[string][]string{}
	indegree := map[string]int{}
	for name := range g.vertices {
		indegree[name] = 0
	}
	for _, e := range g.edges {
		if e.Type != EdgeStrong {
			continue
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		indegree[e.Target]++
	}

	queue := make([]string, 0, len(g.vertices))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range successors[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(g.vertices) {
		return fmt.Errorf("%w: strong edges form a cycle", ErrInvalidGraph)
	}

	reachable := map[string]struct{}{RootVertex: {}}
	walk := []string{RootVertex}
	for len(walk) > 0 {
		current := walk[0]
		walk = walk[1:]
		for _, next := range successors[current] {
			if _, ok := reachable[next]; ok {
				continue
			}
			reachable[next] = struct{}{}
			walk = append(walk, next)
		}
	}
	if len(reachable) != len(g.vertices) {
		return fmt.Errorf("%w: vertices unreachable from root over strong edges (%s)", ErrInvalidGraph, g.firstUnvisited(reachable))
	}
	return nil
}

func (g *ExecutionGraph) firstUnvisited(visited map[string]struct{}) string {
	missing := make([]string, 0, 4)
	for name := range g.vertices {
		if _, ok := visited[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return fmt.Sprintf("unreached: %v", missing)
}

type vertexJSON struct {
	Name string          `json:"name"`
	Task json.RawMessage `json:"task,omitempty"`
}

type graphJSON struct {
	Name            string          `json:"name"`
	EarlyStopping   bool            `json:"early_stopping"`
	ReportResults   bool            `json:"report_results"`
	EnvironmentType string          `json:"environment_definition_type"`
	Environment     json.RawMessage `json:"environment_definition"`
	Nodes           []vertexJSON    `json:"nodes"`
	Edges           []Edge          `json:"edges"`
}

// MarshalJSON serializes the graph. Every vertex element must be a
// concrete task by this point; unresolved dispatchers cannot travel.
func (g *ExecutionGraph) MarshalJSON() ([]byte, error) {
	if g.EnvironmentDefinition == nil {
		return nil, ErrNoEnvironmentDefinition
	}
	envBody, err := json.Marshal(g.EnvironmentDefinition)
	if err != nil {
		return nil, fmt.Errorf("graph %q: %w", g.Name, err)
	}
	out := graphJSON{
		Name:            g.Name,
		EarlyStopping:   g.EarlyStopping,
		ReportResults:   g.ReportResults,
		EnvironmentType: g.EnvironmentDefinition.Type(),
		Environment:     envBody,
		Nodes:           make([]vertexJSON, 0, len(g.order)),
		Edges:           g.edges,
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	for _, name := range g.order {
		v := g.vertices[name]
		entry := vertexJSON{Name: name}
		if v.Element != nil {
			task := v.Task()
			if task == nil {
				return nil, fmt.Errorf("graph %q: %w: vertex %q", g.Name, ErrUnresolvedDispatcher, name)
			}
			raw, err := MarshalTask(task)
			if err != nil {
				return nil, fmt.Errorf("graph %q: %w", g.Name, err)
			}
			entry.Task = raw
		}
		out.Nodes = append(out.Nodes, entry)
	}
	return json.Marshal(out)
}

func (g *ExecutionGraph) UnmarshalJSON(data []byte) error {
	var in graphJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	env, err := decodeEnvironmentDefinition(in.EnvironmentType, in.Environment)
	if err != nil {
		return err
	}
	decoded := ExecutionGraph{
		Name:                  in.Name,
		EarlyStopping:         in.EarlyStopping,
		ReportResults:         in.ReportResults,
		EnvironmentDefinition: env,
		vertices:              make(map[string]*Vertex, len(in.Nodes)),
	}
	for _, entry := range in.Nodes {
		var element TaskDispatcher
		if len(entry.Task) > 0 {
			task, err := UnmarshalTask(entry.Task)
			if err != nil {
				return fmt.Errorf("graph %q: %w", in.Name, err)
			}
			element = task
		}
		if err := decoded.addVertex(entry.Name, element); err != nil {
			return err
		}
	}
	decoded.edges = in.Edges
	*g = decoded
	return nil
}

// EncodeExecutionGraph renders the graph into the opaque base64 form
// carried inside deployments and handed to node agents.
func EncodeExecutionGraph(g *ExecutionGraph) (string, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeExecutionGraph reverses EncodeExecutionGraph.
func DecodeExecutionGraph(encoded string) (*ExecutionGraph, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	var g ExecutionGraph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
