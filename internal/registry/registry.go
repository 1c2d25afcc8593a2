// Package registry manages plugin lifecycle: registration, dependency resolution,
// initialization, and shutdown of SunLink modules.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	order    []string // topological order after Validate
	disabled map[string]bool
	unsubs   []func()
	logger   *zap.Logger
}

// New creates a new plugin registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a plugin to the registry. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	name := info.Name

	if name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}

	r.plugins[name] = p
	r.infos[name] = info
	r.logger.Info("plugin registered",
		zap.String("name", name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// disable marks an optional plugin as disabled, or returns err for a required one.
// Callers must hold r.mu.
func (r *Registry) disable(name string, err error, msg string) error {
	if r.infos[name].Required {
		return err
	}
	r.logger.Warn(msg, zap.String("name", name), zap.Error(err))
	r.disabled[name] = true
	return nil
}

// Validate checks API version compatibility, resolves dependencies via
// topological sort, and verifies there are no cycles or missing dependencies.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		if err := r.checkAPIVersion(name, r.infos[name].APIVersion); err != nil {
			if err := r.disable(name, err, "disabling plugin due to API version incompatibility"); err != nil {
				return err
			}
		}
	}

	for _, name := range r.sortedNames() {
		if r.disabled[name] {
			continue
		}
		for _, dep := range r.infos[name].Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				err := fmt.Errorf("plugin %q depends on %q which is not registered", name, dep)
				if err := r.disable(name, err, "disabling plugin due to missing dependency"); err != nil {
					return err
				}
				break
			}
		}
	}

	// Cascade: a disabled plugin disables everything that depends on it.
	for changed := true; changed; {
		changed = false
		for _, name := range r.sortedNames() {
			if r.disabled[name] {
				continue
			}
			for _, dep := range r.infos[name].Dependencies {
				if !r.disabled[dep] {
					continue
				}
				err := fmt.Errorf("required plugin %q cannot start: dependency %q is disabled", name, dep)
				if err := r.disable(name, err, "cascade disabling plugin"); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.topologicalSort()
	if err != nil {
		return err
	}
	r.order = order

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", r.order),
		zap.Int("active", len(r.order)),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

// active snapshots the enabled plugins in dependency order. Lifecycle calls
// run on the snapshot without holding r.mu, since plugins resolve each other
// during Init and Start.
func (r *Registry) active() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			out = append(out, r.plugins[name])
		}
	}
	return out
}

// fail records a lifecycle failure: optional plugins are disabled, required
// ones abort with err.
func (r *Registry) fail(name string, err error, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disable(name, err, msg)
}

// InitAll initializes all active plugins in dependency order, validates their
// configuration, and wires declared event subscriptions onto deps.Bus.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	for _, p := range r.active() {
		name := p.Info().Name
		if r.IsDisabled(name) {
			continue
		}
		// An earlier Init failure may have disabled a dependency.
		if r.dependencyDisabled(name) {
			if err := r.fail(name, fmt.Errorf("required plugin %q cannot initialize: a dependency is disabled", name),
				"dependency disabled, disabling plugin"); err != nil {
				return err
			}
			continue
		}

		r.logger.Info("initializing plugin", zap.String("name", name))
		deps := depsFn(name)
		if err := safeRun(name, "Init", func() error { return p.Init(ctx, deps) }); err != nil {
			err = fmt.Errorf("required plugin %q failed to initialize: %w", name, err)
			if err := r.fail(name, err, "optional plugin failed to initialize, disabling"); err != nil {
				return err
			}
			continue
		}

		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				err = fmt.Errorf("required plugin %q config validation failed: %w", name, err)
				if err := r.fail(name, err, "optional plugin config validation failed, disabling"); err != nil {
					return err
				}
				continue
			}
		}

		if es, ok := p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, sub := range es.Subscriptions() {
				unsub := deps.Bus.Subscribe(sub.Topic, sub.Handler)
				r.mu.Lock()
				r.unsubs = append(r.unsubs, unsub)
				r.mu.Unlock()
				r.logger.Debug("wired event subscription",
					zap.String("plugin", name),
					zap.String("topic", sub.Topic),
				)
			}
		}
	}
	return nil
}

// dependencyDisabled reports whether any declared dependency of name has
// been disabled.
func (r *Registry) dependencyDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range r.infos[name].Dependencies {
		if r.disabled[dep] {
			return true
		}
	}
	return false
}

// StartAll starts all initialized plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, p := range r.active() {
		name := p.Info().Name
		if r.IsDisabled(name) {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := safeRun(name, "Start", func() error { return p.Start(ctx) }); err != nil {
			err = fmt.Errorf("required plugin %q failed to start: %w", name, err)
			if err := r.fail(name, err, "optional plugin failed to start, disabling"); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll stops all active plugins in reverse dependency order. A failing or
// panicking plugin never prevents the rest from stopping.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	plugins := r.active()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		name := p.Info().Name
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := safeRun(name, "Stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Health collects HealthChecker reports from active plugins. Plugins without
// a checker report "healthy".
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]plugin.HealthStatus, len(r.order))
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hc, ok := r.plugins[name].(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
			continue
		}
		out[name] = plugin.HealthStatus{Status: "healthy"}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if ok && r.disabled[name] {
		return nil, false
	}
	return p, ok
}

// All returns all active (non-disabled) plugins in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// AllRoutes returns HTTP routes from all active plugins implementing HTTPProvider.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// Resolve returns a plugin by name (implements plugin.PluginResolver).
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns all active plugins that declare the given role.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []plugin.Plugin
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		for _, pluginRole := range r.infos[name].Roles {
			if pluginRole == role {
				result = append(result, r.plugins[name])
				break
			}
		}
	}
	return result
}

// IsDisabled returns whether a plugin has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// safeRun converts a lifecycle panic into an error.
func safeRun(name, phase string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked during %s: %v", name, phase, rec)
		}
	}()
	return fn()
}

// checkAPIVersion validates a plugin's API version against the server's range.
func (r *Registry) checkAPIVersion(name string, apiVersion int) error {
	if apiVersion < plugin.APIVersionMin {
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server requires v%d or newer (current: v%d)",
			name, apiVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
	}
	if apiVersion > plugin.APIVersionCurrent {
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server only supports up to v%d",
			name, apiVersion, plugin.APIVersionCurrent)
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// topologicalSort returns plugin names in dependency order using Kahn's
// algorithm. Ties are broken alphabetically so start order is reproducible.
func (r *Registry) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string) // dep -> plugins that depend on it

	var active []string
	for _, name := range r.sortedNames() {
		if !r.disabled[name] {
			active = append(active, name)
			inDegree[name] = 0
		}
	}
	for _, name := range active {
		for _, dep := range r.infos[name].Dependencies {
			if _, ok := inDegree[dep]; ok {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	var queue []string
	for _, name := range active {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(active) {
		var cycled []string
		for _, name := range active {
			if inDegree[name] > 0 {
				cycled = append(cycled, name)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected among plugins: %v", cycled)
	}
	return order, nil
}
