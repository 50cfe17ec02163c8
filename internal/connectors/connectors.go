// Package connectors defines the infrastructure connector protocol and
// the registry that fronts heterogeneous infrastructures. A connector
// adapts one infrastructure (local processes, docker, remote hosts,
// kubernetes) to a fixed capability set; the orchestrator fans
// deployment and execution work out to connectors and never talks to
// infrastructure directly.
//
// Connectors report per-executor failures as core.Result values. A
// returned error (or a panic, which callers convert via Call/Do) is a
// connector-wide fault and leads to eviction from the registry.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/netmark-org/netmark/internal/build"
	"github.com/netmark-org/netmark/internal/core"
)

var (
	// ErrUnknownType is returned when no factory is registered for a
	// connector type tag.
	ErrUnknownType = errors.New("connectors: unknown connector type")

	// ErrNotRegistered is returned when a named connector is not in
	// the active registry (never added, or evicted).
	ErrNotRegistered = errors.New("connectors: connector not registered")
)

// Environment variables the execute operation must set for the agent
// process on the node.
var (
	EnvGatewayEndpoint = build.EnvVar("GATEWAY_ENDPOINT")
	EnvExecutorID      = build.EnvVar("EXECUTOR_ID")
	EnvExperimentID    = build.EnvVar("EXPERIMENT_ID")
)

// ExecutorEnv assembles the agent environment for one deployment.
func ExecutorEnv(gateway, executorID, experimentID string) map[string]string {
	return map[string]string{
		EnvGatewayEndpoint: gateway,
		EnvExecutorID:      executorID,
		EnvExperimentID:    experimentID,
	}
}

// Request carries the caller identity and the opaque context maps
// forwarded verbatim to the infrastructure. Context holds the
// per-connector slice of the experiment's deployment context; Auth
// holds the per-connector authentication material. Either may be nil.
type Request struct {
	Username     string
	ExperimentID string
	Context      map[string]string
	Auth         map[string]string
}

// StopRequest names one executor to stop and the node it runs on.
type StopRequest struct {
	ExecutorID string `json:"executor_id"`
	NodeName   string `json:"node_name"`
}

// Connector is the capability set every infrastructure adapter
// implements. All methods must be safe for concurrent use on distinct
// inputs. Deploy, Execute and StopExecutors report per-executor
// outcomes in the returned map keyed by executor ID; the error return
// is reserved for connector-wide faults and triggers eviction.
type Connector interface {
	// Initialize completes async setup (clients, pools). Called once
	// right after construction.
	Initialize(ctx context.Context) error

	// Health reports liveness and a human-readable description. It
	// must not fail; degraded connectors return (false, reason).
	Health(ctx context.Context) (bool, string)

	// Shutdown releases resources. Idempotent.
	Shutdown(ctx context.Context) error

	// GetNodes returns the node pool visible to the user. Every node
	// carries this connector's name in its connector property.
	GetNodes(ctx context.Context, username string, auth map[string]string) (core.NodePool, error)

	Deploy(ctx context.Context, req Request, deployments []*core.Deployment) (map[string]core.Result, error)

	// Execute starts the agent for each deployment with the
	// environment from ExecutorEnv.
	Execute(ctx context.Context, req Request, deployments []*core.Deployment) (map[string]core.Result, error)

	StopExecutors(ctx context.Context, req Request, targets []StopRequest) (map[string]core.Result, error)

	// Cleanup releases per-experiment resources. Idempotent and
	// best-effort: failures are logged by the caller, never surfaced
	// to users.
	Cleanup(ctx context.Context, experimentID string, deployments []*core.Deployment) error
}

// Options parameterizes connector construction from configuration.
type Options struct {
	// Name is the system-wide unique connector name from config.
	Name string

	// Gateway is the endpoint executors started by this connector
	// report back to.
	Gateway string

	// Settings is the free-form connector configuration (inline
	// settings merged over the connector's config file).
	Settings map[string]any
}

// Factory builds a connector instance from options. Factories must not
// perform I/O; that belongs in Initialize.
type Factory func(opts Options) (Connector, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterType makes a connector type available for configuration.
// It is called from init functions of connector packages and panics on
// duplicate tags.
func RegisterType(typeTag string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[typeTag]; dup {
		panic(fmt.Sprintf("connectors: type %q registered twice", typeTag))
	}
	factories[typeTag] = factory
}

// RegisteredTypes returns the known type tags, sorted.
func RegisteredTypes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	tags := make([]string, 0, len(factories))
	for tag := range factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// New constructs a connector of the given type.
func New(typeTag string, opts Options) (Connector, error) {
	factoriesMu.RLock()
	factory, ok := factories[typeTag]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownType, typeTag, RegisteredTypes())
	}
	return factory(opts)
}

// Call invokes fn and converts a panic into an error, so a misbehaving
// connector cannot take down the calling service. Use it around every
// result-returning connector method.
func Call[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()
	return fn()
}

// Do is Call for methods returning only an error.
func Do(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()
	return fn()
}
