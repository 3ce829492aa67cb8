package pjrt

// WrapEventForTesting exposes event wrapping to the external tests, so
// completion delivery can be driven by a hand-built plugin table.
func WrapEventForTesting(p *Plugin, native EventHandle) (*Event, error) {
	return wrapEvent(p, native)
}
