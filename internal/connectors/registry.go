package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// ReasonUnavailable is recorded on every in-flight executor of an
// evicted connector.
const ReasonUnavailable = "connector unavailable"

// Health is one connector's health report.
type Health struct {
	Healthy     bool
	Description string
}

// Registry holds the active connector instances. Eviction is the only
// mutating operation after startup: a connector whose method returned
// a connector-wide fault is removed and all of its unfinished
// executors are failed, so one misbehaving infrastructure cannot stall
// the rest.
type Registry struct {
	mu     sync.RWMutex
	active map[string]Connector

	store storage.Store
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		active: make(map[string]Connector),
		store:  store,
	}
}

// Declaration is one configured connector to instantiate.
type Declaration struct {
	Name    string
	Type    string
	Gateway string
	// Settings is the connector's merged free-form configuration.
	Settings map[string]any
}

// Build instantiates and initializes the declared connectors. An
// unknown type tag is a configuration error and aborts startup; a
// connector that fails Initialize is logged and skipped, matching the
// eviction policy for running connectors.
func (r *Registry) Build(ctx context.Context, declarations []Declaration) error {
	for _, decl := range declarations {
		connector, err := New(decl.Type, Options{
			Name:     decl.Name,
			Gateway:  decl.Gateway,
			Settings: decl.Settings,
		})
		if err != nil {
			return fmt.Errorf("connector %q: %w", decl.Name, err)
		}

		if err := Do(func() error { return connector.Initialize(ctx) }); err != nil {
			logger.Error(ctx, "Connector failed to initialize, skipping",
				"connector", decl.Name, "err", err)
			continue
		}

		r.Add(decl.Name, connector)
		logger.Info(ctx, "Connector initialized", "connector", decl.Name, "type", decl.Type)
	}
	return nil
}

// Add registers a live connector under its name.
func (r *Registry) Add(name string, connector Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[name] = connector
}

// Get returns the named connector if it is live.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connector, ok := r.active[name]
	return connector, ok
}

// Names returns the live connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evict removes the connector, shuts it down best-effort, and marks
// every unfinished executor routed through it as finished with
// "connector unavailable". Re-registration requires a process restart.
func (r *Registry) Evict(ctx context.Context, name, reason string) {
	r.mu.Lock()
	connector, ok := r.active[name]
	delete(r.active, name)
	r.mu.Unlock()
	if !ok {
		return
	}

	logger.Error(ctx, "Connector evicted", "connector", name, "reason", reason)

	if err := Do(func() error { return connector.Shutdown(ctx) }); err != nil {
		logger.Warn(ctx, "Evicted connector shutdown failed", "connector", name, "err", err)
	}

	executors, err := r.store.UnfinishedExecutorsByConnector(ctx, name)
	if err != nil {
		logger.Error(ctx, "Failed to list executors of evicted connector",
			"connector", name, "err", err)
		return
	}
	for _, executor := range executors {
		if err := r.store.FinishExecutor(ctx, executor.ExecutorID, ReasonUnavailable); err != nil {
			logger.Error(ctx, "Failed to fail executor of evicted connector",
				"connector", name, "executor", executor.ExecutorID, "err", err)
		}
	}
}

// HealthReport collects every live connector's health. Connectors
// whose Health panics are reported unhealthy and evicted.
func (r *Registry) HealthReport(ctx context.Context) map[string]Health {
	report := make(map[string]Health, len(r.active))
	for _, name := range r.Names() {
		connector, ok := r.Get(name)
		if !ok {
			continue
		}
		status, err := Call(func() (Health, error) {
			healthy, description := connector.Health(ctx)
			return Health{Healthy: healthy, Description: description}, nil
		})
		if err != nil {
			r.Evict(ctx, name, err.Error())
			status = Health{Healthy: false, Description: err.Error()}
		}
		report[name] = status
	}
	return report
}

// GetNodes aggregates the node pools of all live connectors into one
// countable pool, tagging every node with its connector name. The auth
// argument maps connector names to that connector's authentication
// context. A connector that fails is evicted and its pool skipped.
func (r *Registry) GetNodes(ctx context.Context, username string, auth map[string]map[string]string) (*core.CountableNodePool, error) {
	combined := &core.CountableNodePool{}
	for _, name := range r.Names() {
		connector, ok := r.Get(name)
		if !ok {
			continue
		}
		pool, err := Call(func() (core.NodePool, error) {
			return connector.GetNodes(ctx, username, auth[name])
		})
		if err != nil {
			r.Evict(ctx, name, err.Error())
			continue
		}
		if pool == nil {
			continue
		}
		pool.SetProperty(core.PropertyConnector, name)
		combined.AppendPool(pool)
	}
	return combined, nil
}
