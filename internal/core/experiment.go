package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExperimentStatus tracks an experiment through its lifecycle. The
// numeric codes are part of the wire and storage format.
type ExperimentStatus int

const (
	StatusUnknown   ExperimentStatus = 0
	StatusPreparing ExperimentStatus = 1
	StatusReady     ExperimentStatus = 2
	StatusRunning   ExperimentStatus = 3
	StatusFinished  ExperimentStatus = 4
)

func (s ExperimentStatus) String() string {
	switch s {
	case StatusPreparing:
		return "PREPARING"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the code is one of the defined statuses.
func (s ExperimentStatus) Valid() bool {
	return s >= StatusUnknown && s <= StatusFinished
}

func (s ExperimentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

func (s *ExperimentStatus) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("experiment status: %w", err)
	}
	decoded := ExperimentStatus(code)
	if !decoded.Valid() {
		return fmt.Errorf("experiment status: %w: %d", ErrUnknownStatus, code)
	}
	*s = decoded
	return nil
}

// Experiment is a set of deployments submitted together, plus optional
// per-connector context passed through to the infrastructure.
type Experiment struct {
	DeploymentMap []*Deployment `json:"deployment_map"`

	// DeploymentContext maps a connector name to opaque key-value
	// pairs that the connector may interpret during deployment.
	DeploymentContext map[string]map[string]string `json:"deployment_context,omitempty"`
}

// NewExperiment returns an empty experiment.
func NewExperiment() *Experiment {
	return &Experiment{}
}

// Append maps the graph onto one node and adds the deployment.
func (e *Experiment) Append(node *Node, graph *ExecutionGraph, opts ...DeploymentOption) error {
	d, err := NewDeployment(node, graph, opts...)
	if err != nil {
		return err
	}
	e.DeploymentMap = append(e.DeploymentMap, d)
	return nil
}

// Map deploys the same graph onto every given node. The first mapping
// error aborts and leaves the experiment unchanged.
func (e *Experiment) Map(graph *ExecutionGraph, nodes []*Node, opts ...DeploymentOption) error {
	deployments := make([]*Deployment, 0, len(nodes))
	for _, node := range nodes {
		d, err := NewDeployment(node, graph, opts...)
		if err != nil {
			return err
		}
		deployments = append(deployments, d)
	}
	e.DeploymentMap = append(e.DeploymentMap, deployments...)
	return nil
}

func (e *Experiment) String() string {
	lines := make([]string, 0, len(e.DeploymentMap))
	for _, d := range e.DeploymentMap {
		lines = append(lines, " - "+d.String())
	}
	return strings.Join(lines, "\n")
}

// DeploymentExecutionResult is the per-node outcome of a finished
// experiment: the graph that ran, the encoded executor report (if one
// arrived) and the terminal error recorded for the executor.
type DeploymentExecutionResult struct {
	Node         *Node  `json:"node"`
	ExecutorID   string `json:"executor_id"`
	EncodedGraph string `json:"execution_graph"`

	// EncodedReport is the base64 executor report, empty when the
	// executor never reported.
	EncodedReport string `json:"result,omitempty"`

	Error string `json:"error,omitempty"`
}

// Report decodes the executor report, or returns nil when none was
// delivered.
func (r *DeploymentExecutionResult) Report() (*ExecutionReport, error) {
	if r.EncodedReport == "" {
		return nil, nil
	}
	return DecodeExecutionReport(r.EncodedReport)
}

// ExperimentExecutionInformation is the full answer to a status query:
// where the experiment is in its lifecycle, its definition, and the
// per-node results once it finished.
type ExperimentExecutionInformation struct {
	Status          ExperimentStatus             `json:"status"`
	Experiment      *Experiment                  `json:"experiment"`
	ExecutionResult []*DeploymentExecutionResult `json:"execution_result"`
	Error           string                       `json:"error,omitempty"`
}
