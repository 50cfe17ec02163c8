// Package sshd implements the connector for plain remote hosts reached
// over SSH. Hosts are declared in configuration; the agent binary is
// expected to be installed on each of them. Graph files travel over
// SFTP and the agent is started detached with nohup.
package sshd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/crypto/ssh"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
)

// TypeTag is the config `type` value selecting this connector.
const TypeTag = "sshd"

// GraphFileName matches the file the agent looks for in its working
// directory.
const GraphFileName = "netmark.graph"

func init() {
	connectors.RegisterType(TypeTag, New)
}

type settings struct {
	WorkingDir  string         `mapstructure:"working_dir"`
	AgentBinary string         `mapstructure:"agent_binary"`
	Hosts       []hostSettings `mapstructure:"hosts"`
}

type hostSettings struct {
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Key           string `mapstructure:"key"`
	Password      string `mapstructure:"password"`
	StrictHostKey bool   `mapstructure:"strict_host_key"`
	KnownHostFile string `mapstructure:"known_host_file"`
}

// Connector manages a fixed fleet of SSH-reachable hosts.
type Connector struct {
	name    string
	gateway string

	workingDir string
	agentBin   string

	hosts map[string]*hostClient
}

func New(opts connectors.Options) (connectors.Connector, error) {
	var cfg settings
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{Result: &cfg, WeaklyTypedInput: true},
	)
	if err != nil {
		return nil, fmt.Errorf("sshd: create decoder: %w", err)
	}
	if err := decoder.Decode(opts.Settings); err != nil {
		return nil, fmt.Errorf("sshd: decode settings: %w", err)
	}
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("sshd: no hosts configured")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/tmp/netmark"
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "netmark"
	}

	c := &Connector{
		name:       opts.Name,
		gateway:    opts.Gateway,
		workingDir: cfg.WorkingDir,
		agentBin:   cfg.AgentBinary,
		hosts:      make(map[string]*hostClient, len(cfg.Hosts)),
	}
	for _, h := range cfg.Hosts {
		hc, err := newHostClient(h)
		if err != nil {
			return nil, fmt.Errorf("sshd: host %q: %w", h.Name, err)
		}
		if _, dup := c.hosts[hc.name]; dup {
			return nil, fmt.Errorf("sshd: duplicate host name %q", hc.name)
		}
		c.hosts[hc.name] = hc
	}
	return c, nil
}

// Initialize probes every host and records its architecture from
// uname. An unreachable host fails initialization so the operator
// notices broken fleet config at startup, not mid-experiment.
func (c *Connector) Initialize(ctx context.Context) error {
	for _, name := range c.hostNames() {
		hc := c.hosts[name]
		out, err := hc.run(ctx, "uname -s -m")
		if err != nil {
			return fmt.Errorf("sshd: probe host %q: %w", name, err)
		}
		hc.arch = parseUname(out)
	}
	return nil
}

func (c *Connector) Health(ctx context.Context) (bool, string) {
	reachable := 0
	for _, name := range c.hostNames() {
		if _, err := c.hosts[name].run(ctx, "true"); err == nil {
			reachable++
		}
	}
	healthy := reachable == len(c.hosts)
	return healthy, fmt.Sprintf("%d/%d hosts reachable", reachable, len(c.hosts))
}

func (c *Connector) Shutdown(context.Context) error { return nil }

// GetNodes lists the configured hosts. Only shell environments are
// supported; there is no container runtime contract with the fleet.
func (c *Connector) GetNodes(_ context.Context, _ string, _ map[string]string) (core.NodePool, error) {
	pool := &core.CountableNodePool{}
	for _, name := range c.hostNames() {
		hc := c.hosts[name]
		node := core.NewNode(name, hc.arch)
		node.SetProperty(core.PropertyEnvironments, []any{core.EnvTypeShellExecution})
		node.SetProperty("address", hc.hostPort)
		node.SetProperty("user", hc.user)
		pool.AppendNode(node)
	}
	return pool, nil
}

// Deploy uploads the graph file and runs the environment setup
// commands on each deployment's host.
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
		return core.Failuref("environment %s is not supported over ssh", d.Environment().Type())
	}
	hc, ok := c.hosts[d.Node.Name]
	if !ok {
		return core.Failuref("host %q is not configured", d.Node.Name)
	}

	dir := c.executorDir(d.ExecutorID)
	if err := hc.upload(ctx, dir+"/"+GraphFileName, []byte(d.EncodedGraph)); err != nil {
		return core.Failuref("stage graph: %v", err)
	}

	for _, command := range env.Commands {
		out, err := hc.run(ctx, fmt.Sprintf("cd %s && %s", shellQuote(dir), command))
		if err != nil {
			return core.Failuref("setup command %q: %v: %s", command, err, strings.TrimSpace(out))
		}
	}
	return core.Success(d.Node.Name)
}

// Execute starts the agent detached on each host. The executor ID is
// passed both in the environment and as a flag so the process can be
// found again by pattern.
func (c *Connector) Execute(ctx context.Context, req connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.executeOne(ctx, req, d)
	}
	return results, nil
}

func (c *Connector) executeOne(ctx context.Context, req connectors.Request, d *core.Deployment) core.Result {
	hc, ok := c.hosts[d.Node.Name]
	if !ok {
		return core.Failuref("host %q is not configured", d.Node.Name)
	}

	dir := c.executorDir(d.ExecutorID)
	command := fmt.Sprintf(
		"cd %s && nohup env %s %s agent --executor-id %s > agent.log 2>&1 < /dev/null & echo $!",
		shellQuote(dir),
		c.envString(req, d),
		shellQuote(c.agentBin),
		shellQuote(d.ExecutorID),
	)
	out, err := hc.run(ctx, command)
	if err != nil {
		return core.Failuref("start agent: %v: %s", err, strings.TrimSpace(out))
	}
	return core.Success(strings.TrimSpace(out))
}

func (c *Connector) envString(req connectors.Request, d *core.Deployment) string {
	env := connectors.ExecutorEnv(c.gateway, d.ExecutorID, req.ExperimentID)
	if shell, ok := d.Environment().(*core.ShellExecution); ok {
		for k, v := range shell.RuntimeContext.EnvironmentVariables {
			env[k] = v
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+shellQuote(env[k]))
	}
	return strings.Join(pairs, " ")
}

// StopExecutors kills agents by the executor-id flag they were started
// with. A pattern that matches nothing means the agent already exited.
func (c *Connector) StopExecutors(ctx context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(targets))
	for _, target := range targets {
		results[target.ExecutorID] = c.stopOne(ctx, target)
	}
	return results, nil
}

func (c *Connector) stopOne(ctx context.Context, target connectors.StopRequest) core.Result {
	hc, ok := c.hosts[target.NodeName]
	if !ok {
		return core.Failuref("host %q is not configured", target.NodeName)
	}
	out, err := hc.run(ctx, fmt.Sprintf("pkill -f -- %s", shellQuote("--executor-id "+target.ExecutorID)))
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 {
			return core.Success("no matching process")
		}
		return core.Failuref("pkill: %v: %s", err, strings.TrimSpace(out))
	}
	return core.Success(target.ExecutorID)
}

// Cleanup removes the staged per-executor directories.
func (c *Connector) Cleanup(ctx context.Context, _ string, deployments []*core.Deployment) error {
	var errs []error
	for _, d := range deployments {
		hc, ok := c.hosts[d.Node.Name]
		if !ok {
			continue
		}
		dir := c.executorDir(d.ExecutorID)
		if out, err := hc.run(ctx, "rm -rf "+shellQuote(dir)); err != nil {
			errs = append(errs, fmt.Errorf("sshd: remove %s on %s: %w: %s", dir, d.Node.Name, err, strings.TrimSpace(out)))
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) executorDir(executorID string) string {
	return c.workingDir + "/" + executorID
}

func (c *Connector) hostNames() []string {
	names := make([]string, 0, len(c.hosts))
	for name := range c.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseUname maps `uname -s -m` output to an architecture.
func parseUname(out string) core.Architecture {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return core.ArchitectureUnknown
	}
	return core.ParseArchitecture(strings.ToLower(fields[0]), fields[1])
}

// shellQuote wraps a value in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
