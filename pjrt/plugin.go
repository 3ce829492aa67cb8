package pjrt

import (
	"fmt"
	"maps"
	"unsafe"
)

// Plugin is the root handle to a registered plugin. It keeps the API
// table and the extension chain alive: typed capability handles resolved
// from it borrow this lifetime and must not outlive it.
type Plugin struct {
	name string
	api  *API

	// chainHead is the snapshot of the plugin's capability chain taken at
	// registration. The chain is immutable and plugin-owned; the head is
	// deliberately unexported so discovery can only happen through the
	// resolver in extensions.go.
	chainHead unsafe.Pointer

	attributes map[string]any
}

func newPlugin(name string, api *API) (*Plugin, error) {
	if err := api.validate(); err != nil {
		return nil, err
	}
	p := &Plugin{
		name:      name,
		api:       api,
		chainHead: api.ExtensionStart,
	}
	if api.PluginAttributes != nil {
		p.attributes = api.PluginAttributes()
	}
	return p, nil
}

// Name returns the name the plugin was registered under.
func (p *Plugin) Name() string { return p.name }

// Version returns the API version the plugin implements.
func (p *Plugin) Version() APIVersion { return p.api.Version }

// Attributes returns a copy of the plugin's descriptive metadata.
func (p *Plugin) Attributes() map[string]any {
	if p.attributes == nil {
		return nil
	}
	return maps.Clone(p.attributes)
}

// String implements fmt.Stringer.
func (p *Plugin) String() string {
	return fmt.Sprintf("%s (API v%d.%d)", p.name, p.api.Version.Major, p.api.Version.Minor)
}
