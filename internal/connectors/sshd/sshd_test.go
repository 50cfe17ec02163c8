package sshd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("HostsFromSettings", func(t *testing.T) {
		t.Parallel()
		c, err := New(connectors.Options{
			Name:    "fleet",
			Gateway: "http://gateway:26512",
			Settings: map[string]any{
				"working_dir": "/opt/netmark",
				"hosts": []map[string]any{
					{"name": "probe-1", "host": "10.0.0.1", "user": "netmark", "password": "hunter2"},
					{"name": "probe-2", "host": "10.0.0.2", "port": 2222, "user": "netmark", "password": "hunter2"},
				},
			},
		})
		require.NoError(t, err)

		sc := c.(*Connector)
		assert.Equal(t, "/opt/netmark", sc.workingDir)
		assert.Equal(t, []string{"probe-1", "probe-2"}, sc.hostNames())
		assert.Equal(t, "10.0.0.1:22", sc.hosts["probe-1"].hostPort)
		assert.Equal(t, "10.0.0.2:2222", sc.hosts["probe-2"].hostPort)
	})

	t.Run("NoHosts", func(t *testing.T) {
		t.Parallel()
		_, err := New(connectors.Options{Name: "fleet"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no hosts")
	})

	t.Run("DuplicateHostName", func(t *testing.T) {
		t.Parallel()
		_, err := New(connectors.Options{
			Name: "fleet",
			Settings: map[string]any{
				"hosts": []map[string]any{
					{"name": "probe", "host": "10.0.0.1", "user": "a", "password": "x"},
					{"name": "probe", "host": "10.0.0.2", "user": "a", "password": "x"},
				},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate host name")
	})

	t.Run("HostWithoutName", func(t *testing.T) {
		t.Parallel()
		_, err := New(connectors.Options{
			Name: "fleet",
			Settings: map[string]any{
				"hosts": []map[string]any{
					{"host": "10.0.0.1", "user": "a", "password": "x"},
				},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no name")
	})

	t.Run("MissingKeyFile", func(t *testing.T) {
		t.Parallel()
		_, err := New(connectors.Options{
			Name: "fleet",
			Settings: map[string]any{
				"hosts": []map[string]any{
					{"name": "probe", "host": "10.0.0.1", "user": "a", "key": "/nonexistent/id_rsa"},
				},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load ssh key")
	})
}

func TestParseUname(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want core.Architecture
	}{
		{"LinuxAMD64", "Linux x86_64\n", core.ArchitectureLinuxAMD64},
		{"LinuxARM64", "Linux aarch64\n", core.ArchitectureLinuxARM64},
		{"Darwin", "Darwin arm64\n", core.ArchitectureUnknown},
		{"Garbage", "command not found", core.ArchitectureUnknown},
		{"Empty", "", core.ArchitectureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseUname(tt.out))
		})
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'/tmp/netmark/exec-1'", shellQuote("/tmp/netmark/exec-1"))
}

func TestEnvString(t *testing.T) {
	t.Parallel()

	c, err := New(connectors.Options{
		Name:    "fleet",
		Gateway: "http://gateway:26512",
		Settings: map[string]any{
			"hosts": []map[string]any{
				{"name": "probe", "host": "10.0.0.1", "user": "a", "password": "x"},
			},
		},
	})
	require.NoError(t, err)

	d := &core.Deployment{ExecutorID: "exec-1"}
	d.SetEnvironment(&core.ShellExecution{})

	got := c.(*Connector).envString(connectors.Request{ExperimentID: "exp-1"}, d)
	assert.Contains(t, got, connectors.EnvExecutorID+"='exec-1'")
	assert.Contains(t, got, connectors.EnvExperimentID+"='exp-1'")
	assert.Contains(t, got, connectors.EnvGatewayEndpoint+"='http://gateway:26512'")
}
