// Package localhost implements the connector that runs executors as
// plain processes on the orchestrator host. It exists for development
// and single-machine experiments; the node it exposes is the host
// itself.
package localhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
)

// TypeTag is the config `type` value selecting this connector.
const TypeTag = "localhost"

// GraphFileName is the file the agent looks for in its working
// directory before falling back to the gateway.
const GraphFileName = "netmark.graph"

func init() {
	connectors.RegisterType(TypeTag, New)
}

type settings struct {
	WorkingDir  string `mapstructure:"working_dir"`
	NodeName    string `mapstructure:"node_name"`
	AgentBinary string `mapstructure:"agent_binary"`
}

// Connector runs executors as child processes. Their pids are kept in
// a JSON registry file so a restarted orchestrator can still stop
// them.
type Connector struct {
	name    string
	gateway string

	nodeName   string
	workingDir string
	agentBin   string

	pids *pidRegistry
}

// New builds the connector from configuration. No I/O happens here;
// directories and the agent binary are resolved in Initialize.
func New(opts connectors.Options) (connectors.Connector, error) {
	var cfg settings
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{Result: &cfg, WeaklyTypedInput: true},
	)
	if err != nil {
		return nil, fmt.Errorf("localhost: create decoder: %w", err)
	}
	if err := decoder.Decode(opts.Settings); err != nil {
		return nil, fmt.Errorf("localhost: decode settings: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Join(os.TempDir(), "netmark-localhost")
	}
	return &Connector{
		name:       opts.Name,
		gateway:    opts.Gateway,
		nodeName:   cfg.NodeName,
		workingDir: cfg.WorkingDir,
		agentBin:   cfg.AgentBinary,
	}, nil
}

func (c *Connector) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.workingDir, 0o755); err != nil {
		return fmt.Errorf("localhost: create working dir: %w", err)
	}
	if c.nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("localhost: resolve hostname: %w", err)
		}
		c.nodeName = hostname
	}
	if c.agentBin == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("localhost: resolve agent binary: %w", err)
		}
		c.agentBin = self
	}
	c.pids = newPIDRegistry(c.workingDir)
	return nil
}

func (c *Connector) Health(context.Context) (bool, string) {
	if _, err := os.Stat(c.workingDir); err != nil {
		return false, fmt.Sprintf("working dir unavailable: %v", err)
	}
	return true, "local processes on " + c.nodeName
}

func (c *Connector) Shutdown(context.Context) error { return nil }

// GetNodes exposes the host as a single node. Hardware properties are
// sampled fresh on every call so users see current load.
func (c *Connector) GetNodes(ctx context.Context, _ string, _ map[string]string) (core.NodePool, error) {
	node := core.NewNode(c.nodeName, core.ParseArchitecture(runtime.GOOS, runtime.GOARCH))

	// Only shell environments run here; there is no container runtime
	// between the agent and the host.
	node.SetProperty(core.PropertyEnvironments, []any{core.EnvTypeShellExecution})

	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		node.SetProperty("cpu_count", count)
	}
	if stat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		node.SetProperty("memory_bytes", stat.Total)
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		node.SetProperty("os", info.OS)
		node.SetProperty("kernel_version", info.KernelVersion)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		node.SetProperty("load_1m", avg.Load1)
	}

	return core.NewCountableNodePool(node), nil
}

// Deploy stages the execution graph into a per-executor directory and
// runs the environment setup commands. Docker environments are
// rejected per executor.
func (c *Connector) Deploy(ctx context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.deployOne(ctx, d)
	}
	return results, nil
}

func (c *Connector) deployOne(ctx context.Context, d *core.Deployment) core.Result {
	env, ok := d.Environment().(*core.ShellExecution)
	if !ok {
		return core.Failuref("environment %s is not supported on localhost", d.Environment().Type())
	}

	dir := c.executorDir(d.ExecutorID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Failuref("stage directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, GraphFileName), []byte(d.EncodedGraph), 0o644); err != nil {
		return core.Failuref("stage graph: %v", err)
	}

	for _, command := range env.Commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return core.Failuref("setup command %q: %v: %s", command, err, strings.TrimSpace(string(out)))
		}
	}
	return core.Success(d.Node.Name)
}

// Execute spawns one agent process per deployment and records its pid.
func (c *Connector) Execute(_ context.Context, req connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.executeOne(req, d)
	}
	return results, nil
}

func (c *Connector) executeOne(req connectors.Request, d *core.Deployment) core.Result {
	dir := c.executorDir(d.ExecutorID)

	logFile, err := os.OpenFile(filepath.Join(dir, "agent.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return core.Failuref("open agent log: %v", err)
	}
	defer logFile.Close()

	var extraArgs []string
	if env, ok := d.Environment().(*core.ShellExecution); ok {
		extraArgs = env.RuntimeContext.AdditionalArguments
	}

	cmd := exec.Command(c.agentBin, append([]string{"agent"}, extraArgs...)...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), c.envPairs(req, d)...)

	if err := cmd.Start(); err != nil {
		return core.Failuref("start agent: %v", err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	if err := c.pids.put(d.ExecutorID, pid); err != nil {
		return core.Failuref("record agent pid: %v", err)
	}
	return core.Success(pid)
}

func (c *Connector) envPairs(req connectors.Request, d *core.Deployment) []string {
	env := connectors.ExecutorEnv(c.gateway, d.ExecutorID, req.ExperimentID)
	if shell, ok := d.Environment().(*core.ShellExecution); ok {
		for k, v := range shell.RuntimeContext.EnvironmentVariables {
			env[k] = v
		}
	}
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

// StopExecutors kills the recorded agent processes. An executor whose
// process already exited counts as stopped.
func (c *Connector) StopExecutors(_ context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(targets))
	for _, target := range targets {
		results[target.ExecutorID] = c.stopOne(target.ExecutorID)
	}
	return results, nil
}

func (c *Connector) stopOne(executorID string) core.Result {
	pid, ok, err := c.pids.take(executorID)
	if err != nil {
		return core.Failuref("pid registry: %v", err)
	}
	if !ok {
		return core.Failuref("no process recorded for executor %s", executorID)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return core.Failuref("find process %d: %v", pid, err)
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return core.Failuref("kill process %d: %v", pid, err)
	}
	return core.Success(pid)
}

// Cleanup removes the staged per-executor directories and forgets any
// remaining pids.
func (c *Connector) Cleanup(_ context.Context, _ string, deployments []*core.Deployment) error {
	var errs []error
	for _, d := range deployments {
		if _, _, err := c.pids.take(d.ExecutorID); err != nil {
			errs = append(errs, err)
		}
		if err := os.RemoveAll(c.executorDir(d.ExecutorID)); err != nil {
			errs = append(errs, fmt.Errorf("remove stage dir of %s: %w", d.ExecutorID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) executorDir(executorID string) string {
	return filepath.Join(c.workingDir, executorID)
}
