package core

import (
	"encoding/json"
	"fmt"
)

// PropertyEnvironments is an optional node property listing the
// environment definition types the node supports. Absence means the
// node accepts any environment.
const PropertyEnvironments = "netmark-environments"

// DefaultKeepAliveTimeoutMinutes is how long an executor may stay
// silent before the watcher declares it dead, unless the deployment
// overrides it.
const DefaultKeepAliveTimeoutMinutes = 10

// Deployment binds one execution graph to one node. The graph travels
// in its opaque encoded form; the environment definition is a private
// copy extended with the requirements of every task in the graph.
type Deployment struct {
	Node *Node `json:"node"`

	// Prepared flips to true once the environment is compiled and
	// delivered to the node. Unprepared deployments are skipped by
	// start and cleanup fan-outs.
	Prepared bool `json:"prepared"`

	// ExecutorID is assigned during experiment preparation and names
	// the agent process on the node.
	ExecutorID string `json:"executor_id"`

	// Error holds the reason preparation or execution gave up on this
	// deployment.
	Error string `json:"error,omitempty"`

	// EncodedGraph is the base64 form produced by EncodeExecutionGraph.
	EncodedGraph string `json:"execution_graph"`

	KeepAliveTimeoutMinutes int  `json:"keep_alive_timeout_minutes"`
	Cleanup                 bool `json:"cleanup"`

	environment EnvironmentDefinition
}

// DeploymentOption tweaks deployment construction.
type DeploymentOption func(*Deployment)

// WithKeepAliveTimeout overrides how many minutes of executor silence
// the watcher tolerates for this deployment.
func WithKeepAliveTimeout(minutes int) DeploymentOption {
	return func(d *Deployment) { d.KeepAliveTimeoutMinutes = minutes }
}

// WithoutCleanup keeps environment artifacts (images, containers) on
// the node after the experiment finishes.
func WithoutCleanup() DeploymentOption {
	return func(d *Deployment) { d.Cleanup = false }
}

// NewDeployment maps a graph onto a node. It validates the graph,
// resolves every dispatcher against the node, folds task requirements
// into a private copy of the environment definition and freezes the
// resolved graph into its wire form.
func NewDeployment(node *Node, graph *ExecutionGraph, opts ...DeploymentOption) (*Deployment, error) {
	if node == nil {
		return nil, fmt.Errorf("deployment: %w", ErrNoNode)
	}
	if graph == nil || graph.EnvironmentDefinition == nil {
		return nil, fmt.Errorf("deployment for %s: %w", node.Name, ErrNoEnvironmentDefinition)
	}
	if !nodeSupportsEnvironment(node, graph.EnvironmentDefinition) {
		return nil, fmt.Errorf("deployment: %w: node %s does not accept %s",
			ErrEnvironmentNotSupported, node.Name, graph.EnvironmentDefinition.Type())
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	d := &Deployment{
		Node:                    node,
		KeepAliveTimeoutMinutes: DefaultKeepAliveTimeoutMinutes,
		Cleanup:                 true,
		environment:             graph.EnvironmentDefinition.Clone(),
	}
	for _, opt := range opts {
		opt(d)
	}

	resolved, err := resolveGraph(graph, node)
	if err != nil {
		return nil, err
	}
	commands := d.environment.EnvCommands()
	seen := make(map[string]struct{}, len(*commands))
	for _, c := range *commands {
		seen[c] = struct{}{}
	}
	for _, v := range resolved.Vertices() {
		task := v.Task()
		if task == nil {
			continue
		}
		// Many instances of one task type declare the same setup
		// command; it runs once.
		for _, req := range task.Requirements() {
			if _, dup := seen[req]; dup {
				continue
			}
			seen[req] = struct{}{}
			*commands = append(*commands, req)
		}
	}
	resolved.EnvironmentDefinition = d.environment

	encoded, err := EncodeExecutionGraph(resolved)
	if err != nil {
		return nil, fmt.Errorf("deployment for %s: %w", node.Name, err)
	}
	d.EncodedGraph = encoded
	return d, nil
}

// resolveGraph produces a copy of the graph with every dispatcher
// replaced by the task it picks for the node. Vertices holding plain
// tasks are shared, not copied; per-node state belongs in dispatch.
func resolveGraph(graph *ExecutionGraph, node *Node) (*ExecutionGraph, error) {
	resolved := &ExecutionGraph{
		Name:                  graph.Name,
		EarlyStopping:         graph.EarlyStopping,
		ReportResults:         graph.ReportResults,
		EnvironmentDefinition: graph.EnvironmentDefinition,
		order:                 append([]string(nil), graph.order...),
		vertices:              make(map[string]*Vertex, len(graph.vertices)),
		edges:                 append([]Edge(nil), graph.edges...),
	}
	for name, v := range graph.vertices {
		element := v.Element
		if element != nil {
			task, err := element.Dispatch(node)
			if err != nil {
				return nil, fmt.Errorf("dispatch %q for node %s: %w", name, node.Name, err)
			}
			element = task
		}
		resolved.vertices[name] = &Vertex{Name: name, Element: element}
	}
	return resolved, nil
}

func nodeSupportsEnvironment(node *Node, def EnvironmentDefinition) bool {
	raw := node.Property(PropertyEnvironments)
	if raw == nil {
		return true
	}
	list, ok := raw.([]any)
	if !ok {
		// Malformed property; do not block the deployment on it.
		return true
	}
	for _, entry := range list {
		if s, ok := entry.(string); ok && s == def.Type() {
			return true
		}
	}
	return false
}

// Environment returns the deployment's private environment definition.
func (d *Deployment) Environment() EnvironmentDefinition { return d.environment }

// SetEnvironment replaces the environment definition. Used when a
// compilation resolves a built image name for the deployment.
func (d *Deployment) SetEnvironment(def EnvironmentDefinition) { d.environment = def }

// Graph decodes the frozen execution graph.
func (d *Deployment) Graph() (*ExecutionGraph, error) {
	return DecodeExecutionGraph(d.EncodedGraph)
}

func (d *Deployment) String() string {
	return fmt.Sprintf("Deployment: Node=%s, executor_id=%s, prepared=%v, error=%q",
		d.Node.Name, d.ExecutorID, d.Prepared, d.Error)
}

type deploymentJSON struct {
	Node                    *Node           `json:"node"`
	Prepared                bool            `json:"prepared"`
	ExecutorID              string          `json:"executor_id"`
	Error                   string          `json:"error,omitempty"`
	EncodedGraph            string          `json:"execution_graph"`
	KeepAliveTimeoutMinutes int             `json:"keep_alive_timeout_minutes"`
	Cleanup                 bool            `json:"cleanup"`
	EnvironmentType         string          `json:"environment_definition_type"`
	Environment             json.RawMessage `json:"environment_definition"`
}

func (d *Deployment) MarshalJSON() ([]byte, error) {
	if d.environment == nil {
		return nil, fmt.Errorf("deployment for %s: %w", d.Node.Name, ErrNoEnvironmentDefinition)
	}
	envBody, err := json.Marshal(d.environment)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deploymentJSON{
		Node:                    d.Node,
		Prepared:                d.Prepared,
		ExecutorID:              d.ExecutorID,
		Error:                   d.Error,
		EncodedGraph:            d.EncodedGraph,
		KeepAliveTimeoutMinutes: d.KeepAliveTimeoutMinutes,
		Cleanup:                 d.Cleanup,
		EnvironmentType:         d.environment.Type(),
		Environment:             envBody,
	})
}

func (d *Deployment) UnmarshalJSON(data []byte) error {
	var in deploymentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("deployment: %w", err)
	}
	env, err := decodeEnvironmentDefinition(in.EnvironmentType, in.Environment)
	if err != nil {
		return err
	}
	*d = Deployment{
		Node:                    in.Node,
		Prepared:                in.Prepared,
		ExecutorID:              in.ExecutorID,
		Error:                   in.Error,
		EncodedGraph:            in.EncodedGraph,
		KeepAliveTimeoutMinutes: in.KeepAliveTimeoutMinutes,
		Cleanup:                 in.Cleanup,
		environment:             env,
	}
	return nil
}
