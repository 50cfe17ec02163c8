// Package docker implements the connector that runs executors as
// containers on a single docker host. The host appears as one node;
// images are pulled at deploy time and one container per executor is
// started at execution time.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/go-viper/mapstructure/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
)

// TypeTag is the config `type` value selecting this connector.
const TypeTag = "docker"

// LabelExperiment marks every container this connector creates so
// cleanup can find them by experiment.
const LabelExperiment = "netmark.experiment"

func init() {
	connectors.RegisterType(TypeTag, New)
}

type settings struct {
	Endpoint string `mapstructure:"endpoint"`
	NodeName string `mapstructure:"node_name"`
	Network  string `mapstructure:"network"`
}

// Connector drives one docker daemon.
type Connector struct {
	name    string
	gateway string

	endpoint string
	nodeName string
	network  string

	cli      *client.Client
	platform ocispec.Platform
	arch     core.Architecture
}

func New(opts connectors.Options) (connectors.Connector, error) {
	var cfg settings
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{Result: &cfg, WeaklyTypedInput: true},
	)
	if err != nil {
		return nil, fmt.Errorf("docker: create decoder: %w", err)
	}
	if err := decoder.Decode(opts.Settings); err != nil {
		return nil, fmt.Errorf("docker: decode settings: %w", err)
	}
	return &Connector{
		name:     opts.Name,
		gateway:  opts.Gateway,
		endpoint: cfg.Endpoint,
		nodeName: cfg.NodeName,
		network:  cfg.Network,
	}, nil
}

// Initialize connects to the daemon and resolves the host platform,
// which decides the architecture compilations target.
func (c *Connector) Initialize(ctx context.Context) error {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if c.endpoint != "" {
		clientOpts = append(clientOpts, client.WithHost(c.endpoint))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return fmt.Errorf("docker: create client: %w", err)
	}

	info, err := cli.Info(ctx)
	if err != nil {
		_ = cli.Close()
		return fmt.Errorf("docker: daemon info: %w", err)
	}

	c.cli = cli
	c.platform = platforms.Normalize(ocispec.Platform{OS: info.OSType, Architecture: info.Architecture})
	c.arch = core.ParseArchitecture(info.OSType, info.Architecture)
	if c.nodeName == "" {
		c.nodeName = info.Name
	}
	return nil
}

func (c *Connector) Health(ctx context.Context) (bool, string) {
	if c.cli == nil {
		return false, "not initialized"
	}
	if _, err := c.cli.Ping(ctx); err != nil {
		return false, fmt.Sprintf("daemon unreachable: %v", err)
	}
	return true, "docker daemon on " + c.nodeName
}

func (c *Connector) Shutdown(context.Context) error {
	if c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// GetNodes exposes the docker host as a single node accepting docker
// image environments.
func (c *Connector) GetNodes(_ context.Context, _ string, _ map[string]string) (core.NodePool, error) {
	node := core.NewNode(c.nodeName, c.arch)
	node.SetProperty(core.PropertyEnvironments, []any{core.EnvTypeDockerImage})
	node.SetProperty("platform", platforms.Format(c.platform))
	return core.NewCountableNodePool(node), nil
}

// Deploy pulls the image of every deployment. Shell environments have
// no place on a container host and fail per executor.
func (c *Connector) Deploy(ctx context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.deployOne(ctx, d)
	}
	return results, nil
}

func (c *Connector) deployOne(ctx context.Context, d *core.Deployment) core.Result {
	env, ok := d.Environment().(*core.DockerImage)
	if !ok {
		return core.Failuref("environment %s is not supported on docker hosts", d.Environment().Type())
	}
	if env.Image == "" {
		return core.Failure("deployment has no image assigned")
	}

	reader, err := c.cli.ImagePull(ctx, env.Image, image.PullOptions{Platform: platforms.Format(c.platform)})
	if err != nil {
		return core.Failuref("pull image %q: %v", env.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return core.Failuref("pull image %q: %v", env.Image, err)
	}
	return core.Success(env.Image)
}

// Execute creates and starts one container per deployment, named after
// the executor. Runtime context supplies extra environment variables,
// port bindings and command arguments.
func (c *Connector) Execute(ctx context.Context, req connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.executeOne(ctx, req, d)
	}
	return results, nil
}

func (c *Connector) executeOne(ctx context.Context, req connectors.Request, d *core.Deployment) core.Result {
	env, ok := d.Environment().(*core.DockerImage)
	if !ok {
		return core.Failuref("environment %s is not supported on docker hosts", d.Environment().Type())
	}

	exposed, bindings := portBindings(env.RuntimeContext.PortsMapping)
	containerConfig := &container.Config{
		Image:        env.Image,
		Env:          envSlice(c.gateway, req.ExperimentID, d.ExecutorID, env.RuntimeContext.EnvironmentVariables),
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelExperiment: req.ExperimentID,
		},
	}
	if len(env.RuntimeContext.AdditionalArguments) > 0 {
		containerConfig.Cmd = env.RuntimeContext.AdditionalArguments
	}
	hostConfig := &container.HostConfig{PortBindings: bindings}
	if c.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(c.network)
	}

	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, &c.platform, d.ExecutorID)
	if err != nil {
		return core.Failuref("create container: %v", err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return core.Failuref("start container: %v", err)
	}
	return core.Success(resp.ID)
}

func envSlice(gateway, experimentID, executorID string, extra map[string]string) []string {
	env := connectors.ExecutorEnv(gateway, executorID, experimentID)
	for k, v := range extra {
		env[k] = v
	}
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

// portBindings converts the runtime context host-to-container port map
// into docker's exposed-ports and binding structures.
func portBindings(ports map[int]int) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for hostPort, containerPort := range ports {
		natPort := nat.Port(strconv.Itoa(containerPort) + "/tcp")
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)},
		}
	}
	return exposed, bindings
}

// StopExecutors stops and removes the executor containers. A container
// that is already gone counts as stopped.
func (c *Connector) StopExecutors(ctx context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(targets))
	for _, target := range targets {
		results[target.ExecutorID] = c.stopOne(ctx, target.ExecutorID)
	}
	return results, nil
}

func (c *Connector) stopOne(ctx context.Context, executorID string) core.Result {
	if err := c.cli.ContainerStop(ctx, executorID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return core.Success("container already gone")
		}
		return core.Failuref("stop container: %v", err)
	}
	if err := c.cli.ContainerRemove(ctx, executorID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return core.Failuref("remove container: %v", err)
	}
	return core.Success(executorID)
}

// Cleanup force-removes every container labelled with the experiment
// and then drops the experiment's images. Images still used by other
// containers are left alone.
func (c *Connector) Cleanup(ctx context.Context, experimentID string, deployments []*core.Deployment) error {
	listFilters := filters.NewArgs()
	listFilters.Add("label", LabelExperiment+"="+experimentID)

	containersFound, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		return fmt.Errorf("docker: list experiment containers: %w", err)
	}

	var errs []error
	for _, found := range containersFound {
		if err := c.cli.ContainerRemove(ctx, found.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("docker: remove container %s: %w", found.ID, err))
		}
	}

	for _, ref := range experimentImages(deployments) {
		_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
		if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			errs = append(errs, fmt.Errorf("docker: remove image %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

func experimentImages(deployments []*core.Deployment) []string {
	seen := make(map[string]struct{}, len(deployments))
	var refs []string
	for _, d := range deployments {
		env, ok := d.Environment().(*core.DockerImage)
		if !ok || env.Image == "" {
			continue
		}
		if _, dup := seen[env.Image]; dup {
			continue
		}
		seen[env.Image] = struct{}{}
		refs = append(refs, env.Image)
	}
	return refs
}
