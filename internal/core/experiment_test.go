package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentStatus(t *testing.T) {
	t.Parallel()

	t.Run("WireCodesAreStable", func(t *testing.T) {
		raw, err := json.Marshal(StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, "3", string(raw))

		var decoded ExperimentStatus
		require.NoError(t, json.Unmarshal([]byte("4"), &decoded))
		assert.Equal(t, StatusFinished, decoded)
	})

	t.Run("RejectsOutOfRange", func(t *testing.T) {
		var decoded ExperimentStatus
		require.ErrorIs(t, json.Unmarshal([]byte("9"), &decoded), ErrUnknownStatus)
	})

	t.Run("Strings", func(t *testing.T) {
		assert.Equal(t, "UNKNOWN", StatusUnknown.String())
		assert.Equal(t, "PREPARING", StatusPreparing.String())
		assert.Equal(t, "READY", StatusReady.String())
		assert.Equal(t, "RUNNING", StatusRunning.String())
		assert.Equal(t, "FINISHED", StatusFinished.String())
	})
}

func TestExperiment(t *testing.T) {
	t.Parallel()

	t.Run("MapDeploysGraphOntoEveryNode", func(t *testing.T) {
		e := NewExperiment()
		nodes := []*Node{
			NewNode("n1", ArchitectureLinuxAMD64),
			NewNode("n2", ArchitectureLinuxARM64),
		}
		require.NoError(t, e.Map(testGraphWithDispatcher(t), nodes))
		require.Len(t, e.DeploymentMap, 2)
		assert.Equal(t, "n1", e.DeploymentMap[0].Node.Name)
		assert.Equal(t, "n2", e.DeploymentMap[1].Node.Name)
	})

	t.Run("MapIsAtomicOnError", func(t *testing.T) {
		e := NewExperiment()
		bad := NewNode("locked", ArchitectureLinuxAMD64)
		bad.SetProperty(PropertyEnvironments, []any{EnvTypeDockerImage})
		nodes := []*Node{NewNode("ok", ArchitectureLinuxAMD64), bad}

		require.Error(t, e.Map(testGraphWithDispatcher(t), nodes))
		assert.Empty(t, e.DeploymentMap)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		e := NewExperiment()
		e.DeploymentContext = map[string]map[string]string{
			"sshd": {"jump_host": "bastion.lab"},
		}
		require.NoError(t, e.Append(NewNode("n1", ArchitectureLinuxAMD64), testGraphWithDispatcher(t)))

		raw, err := json.Marshal(e)
		require.NoError(t, err)

		var decoded Experiment
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Len(t, decoded.DeploymentMap, 1)
		assert.Equal(t, "n1", decoded.DeploymentMap[0].Node.Name)
		assert.Equal(t, "bastion.lab", decoded.DeploymentContext["sshd"]["jump_host"])
	})
}

func TestExecutionReport(t *testing.T) {
	t.Parallel()

	t.Run("OutcomeFollowsResults", func(t *testing.T) {
		good := NewExecutionReport(TaskResults{"a": {Success(1)}}, nil)
		assert.True(t, good.Outcome.IsSuccess())

		bad := NewExecutionReport(TaskResults{"a": {Success(1), Failure("x")}}, []string{"line"})
		assert.False(t, bad.Outcome.IsSuccess())
	})

	t.Run("EncodedRoundTrip", func(t *testing.T) {
		report := NewExecutionReport(TaskResults{"ping": {Success(12.5)}}, []string{"started", "done"})

		encoded, err := EncodeExecutionReport(report)
		require.NoError(t, err)

		decoded, err := DecodeExecutionReport(encoded)
		require.NoError(t, err)
		assert.Equal(t, report.Log, decoded.Log)

		results, err := decoded.TaskResults()
		require.NoError(t, err)
		require.Len(t, results["ping"], 1)
		assert.True(t, results["ping"][0].IsSuccess())
	})

	t.Run("ExecutorStateTerminality", func(t *testing.T) {
		assert.False(t, ExecutorLookingForGraph.Terminal())
		assert.False(t, ExecutorExecuting.Terminal())
		assert.True(t, ExecutorReporting.Terminal())
		assert.True(t, ExecutorFinished.Terminal())
	})

	t.Run("ResultWithoutReport", func(t *testing.T) {
		r := &DeploymentExecutionResult{Node: NewNode("n1", ArchitectureLinuxAMD64), Error: "not responding"}
		report, err := r.Report()
		require.NoError(t, err)
		assert.Nil(t, report)
	})
}
