// Package pjrt implements the safety boundary between a host program and
// a PJRT-style accelerator plugin: a versioned struct-of-function-pointers
// API with an extension chain, callback-driven completion events and
// explicit ownership hand-off of byte buffers.
//
// The package owns four tightly coupled pieces:
//
//   - Capability discovery over the plugin's extension chain
//     (Plugin.RawTransfer, Plugin.StreamTransfer).
//   - The Event completion bridge, which turns the plugin's one-shot
//     completion callback into something that can be polled, selected on
//     or blocked on.
//   - The ownership transfer protocol (TransferOut, DeleterInvoke,
//     TransferIn), which moves allocations across the boundary so that
//     each one is freed by exactly one side, exactly once, by the
//     allocator that created it.
//   - The ChunkedTransfer manager, which streams large payloads in
//     granule-sized pieces with local validation, backpressure and
//     progress reporting.
//
// Plugins are registered explicitly in a Registry: there is no ambient
// process-wide plugin state, so tests construct isolated instances.
package pjrt

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry holds loaded plugins by name.
//
// A Registry is an explicit object rather than package state so that
// callers (and tests) can keep independent plugin sets. NewRegistry
// returns an empty one; DefaultRegistry is the shared instance most
// programs use.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]*Plugin
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// DefaultRegistry is the registry used by the package-level Register and
// GetPlugin helpers.
var DefaultRegistry = NewRegistry()

// Register validates api and adds it to the registry under name.
// Registering the same name with the same API table returns the
// already-registered plugin, mirroring how a dynamic library is only
// loaded once per process. The same name with a different table is a
// name collision and fails: silently handing back a plugin backed by
// someone else's functions would be far worse than the error.
func (r *Registry) Register(name string, api *API) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, found := r.plugins[name]; found {
		if p.api != api {
			return nil, errors.Errorf("plugin %q already registered with a different API table", name)
		}
		klog.V(1).Infof("plugin %q already registered, reusing it", name)
		return p, nil
	}
	p, err := newPlugin(name, api)
	if err != nil {
		return nil, errors.WithMessagef(err, "registering plugin %q", name)
	}
	r.plugins[name] = p
	klog.V(1).Infof("registered plugin %q (API v%d.%d)", name, api.Version.Major, api.Version.Minor)
	return p, nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, found := r.plugins[name]
	if !found {
		return nil, errors.Errorf("plugin %q not registered (available: %v)", name, r.namesLocked())
	}
	return p, nil
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a plugin to the DefaultRegistry.
func Register(name string, api *API) (*Plugin, error) {
	return DefaultRegistry.Register(name, api)
}

// GetPlugin returns a plugin from the DefaultRegistry.
func GetPlugin(name string) (*Plugin, error) {
	return DefaultRegistry.Get(name)
}
