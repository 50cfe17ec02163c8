package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// archPickingDispatcher resolves to a different payload depending on
// the node architecture, to exercise deployment-time dispatch.
type archPickingDispatcher struct {
	name string
}

func (d *archPickingDispatcher) Dispatch(node *Node) (Task, error) {
	task := newProbeTask(d.name, string(node.Architecture))
	task.AddRequirement("install-" + string(node.Architecture))
	return task, nil
}

func testGraphWithDispatcher(t *testing.T) *ExecutionGraph {
	t.Helper()
	g := NewExecutionGraph()
	g.EnvironmentDefinition = NewShellExecution("base-setup")
	require.NoError(t, g.AddDispatcher("measure", &archPickingDispatcher{name: "measure"}))
	g.Connect(RootVertex, "measure")
	return g
}

func TestNewDeployment(t *testing.T) {
	t.Parallel()

	t.Run("ResolvesDispatcherPerNode", func(t *testing.T) {
		node := NewNode("arm-node", ArchitectureLinuxARM64)
		d, err := NewDeployment(node, testGraphWithDispatcher(t))
		require.NoError(t, err)

		resolved, err := d.Graph()
		require.NoError(t, err)
		task := resolved.Vertex("measure").Task()
		require.NotNil(t, task)

		result := RunTask(context.Background(), task, nil)
		require.True(t, result.IsSuccess())

		var payload string
		require.NoError(t, result.Decode(&payload))
		assert.Equal(t, "linux/arm64", payload)
	})

	t.Run("FoldsTaskRequirementsIntoEnvironment", func(t *testing.T) {
		node := NewNode("n1", ArchitectureLinuxAMD64)
		graph := testGraphWithDispatcher(t)

		d, err := NewDeployment(node, graph)
		require.NoError(t, err)

		env := d.Environment().(*ShellExecution)
		assert.Equal(t, []string{"base-setup", "install-linux/amd64"}, env.Commands)

		// The original graph's definition stays untouched.
		assert.Equal(t, []string{"base-setup"}, graph.EnvironmentDefinition.(*ShellExecution).Commands)
	})

	t.Run("DeduplicatesRequirements", func(t *testing.T) {
		g := NewExecutionGraph()
		g.EnvironmentDefinition = NewShellExecution("base-setup")
		first := newProbeTask("first", "a")
		first.AddRequirement("apt-get install -y iperf3")
		second := newProbeTask("second", "b")
		second.AddRequirement("apt-get install -y iperf3")
		require.NoError(t, g.AddTask(first))
		require.NoError(t, g.AddTask(second))
		g.Connect(RootVertex, "first")
		g.Connect("first", "second")

		d, err := NewDeployment(NewNode("n1", ArchitectureLinuxAMD64), g)
		require.NoError(t, err)
		env := d.Environment().(*ShellExecution)
		assert.Equal(t, []string{"base-setup", "apt-get install -y iperf3"}, env.Commands)
	})

	t.Run("DefaultsKeepAliveAndCleanup", func(t *testing.T) {
		d, err := NewDeployment(NewNode("n1", ArchitectureLinuxAMD64), testGraphWithDispatcher(t))
		require.NoError(t, err)
		assert.Equal(t, DefaultKeepAliveTimeoutMinutes, d.KeepAliveTimeoutMinutes)
		assert.True(t, d.Cleanup)

		d, err = NewDeployment(NewNode("n2", ArchitectureLinuxAMD64), testGraphWithDispatcher(t),
			WithKeepAliveTimeout(1), WithoutCleanup())
		require.NoError(t, err)
		assert.Equal(t, 1, d.KeepAliveTimeoutMinutes)
		assert.False(t, d.Cleanup)
	})

	t.Run("RejectsUnsupportedEnvironment", func(t *testing.T) {
		node := NewNode("locked-down", ArchitectureLinuxAMD64)
		node.SetProperty(PropertyEnvironments, []any{EnvTypeDockerImage})

		_, err := NewDeployment(node, testGraphWithDispatcher(t))
		require.ErrorIs(t, err, ErrEnvironmentNotSupported)
	})

	t.Run("RejectsInvalidGraph", func(t *testing.T) {
		g := NewExecutionGraph()
		require.NoError(t, g.AddTask(newProbeTask("orphan", "")))
		_, err := NewDeployment(NewNode("n1", ArchitectureLinuxAMD64), g)
		require.ErrorIs(t, err, ErrInvalidGraph)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		d, err := NewDeployment(NewNode("n1", ArchitectureLinuxAMD64), testGraphWithDispatcher(t),
			WithKeepAliveTimeout(7))
		require.NoError(t, err)
		d.ExecutorID = "exec-42"
		d.Prepared = true

		raw, err := json.Marshal(d)
		require.NoError(t, err)

		var decoded Deployment
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "n1", decoded.Node.Name)
		assert.Equal(t, "exec-42", decoded.ExecutorID)
		assert.True(t, decoded.Prepared)
		assert.Equal(t, 7, decoded.KeepAliveTimeoutMinutes)
		assert.Equal(t, d.EncodedGraph, decoded.EncodedGraph)
		require.IsType(t, &ShellExecution{}, decoded.Environment())

		resolved, err := decoded.Graph()
		require.NoError(t, err)
		require.NoError(t, resolved.Validate())
	})
}
