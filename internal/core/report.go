package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ExecutorState is the coarse phase of a node agent, reported with
// results so the control plane can tell a final report from a partial
// one. The numeric codes are part of the wire format.
type ExecutorState int

const (
	ExecutorLookingForGraph ExecutorState = 0
	ExecutorExecuting       ExecutorState = 1
	ExecutorReporting       ExecutorState = 2
	ExecutorFinished        ExecutorState = 3
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorLookingForGraph:
		return "LOOKING_FOR_GRAPH"
	case ExecutorExecuting:
		return "EXECUTING"
	case ExecutorReporting:
		return "REPORTING"
	case ExecutorFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("ExecutorState(%d)", int(s))
	}
}

// Terminal reports whether a result delivered in this state closes the
// executor. Reports sent while still executing are progress snapshots
// and keep the executor alive.
func (s ExecutorState) Terminal() bool {
	return s == ExecutorReporting || s == ExecutorFinished
}

// ExecutionReport is what an executor uploads when it finishes (or
// dies trying): the overall outcome wrapping the per-task results, and
// the tail of its log.
type ExecutionReport struct {
	// Outcome is Success(TaskResults) when every produced result
	// succeeded, Failure(TaskResults) otherwise.
	Outcome Result `json:"outcome"`

	// Log carries the last lines of executor output for debugging.
	Log []string `json:"log"`
}

// NewExecutionReport wraps task results into a report, deciding the
// overall outcome from the individual results.
func NewExecutionReport(results TaskResults, log []string) *ExecutionReport {
	outcome := Success(results)
	if !results.AllSuccessful() {
		outcome = Failure(results)
	}
	return &ExecutionReport{Outcome: outcome, Log: log}
}

// TaskResults decodes the per-task results out of the outcome.
func (r *ExecutionReport) TaskResults() (TaskResults, error) {
	var results TaskResults
	if err := r.Outcome.Decode(&results); err != nil {
		return nil, fmt.Errorf("execution report: %w", err)
	}
	return results, nil
}

// EncodeExecutionReport renders the report into the opaque base64 form
// posted to the gateway and stored with the experiment.
func EncodeExecutionReport(r *ExecutionReport) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("execution report: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeExecutionReport reverses EncodeExecutionReport.
func DecodeExecutionReport(encoded string) (*ExecutionReport, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("execution report: %w", err)
	}
	var r ExecutionReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("execution report: %w", err)
	}
	return &r, nil
}
