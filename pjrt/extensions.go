package pjrt

// Capability discovery over the plugin's extension chain.
//
// The chain is a singly linked list of records, each starting with an
// ExtensionHeader. All discovery goes through findExtension: it always
// walks from the head and it gates every match on the record's declared
// StructSize, so no caller can grab the head node and assume it is the
// capability it wants, and no caller can read fields past what the
// plugin actually allocated.

import (
	"unsafe"

	"k8s.io/klog/v2"
)

// findExtension walks the chain for a record of the target type whose
// declared size can hold at least minSize bytes. It returns nil when
// absent. The walk is read-only and re-entrant.
//
// A record whose type matches but whose StructSize is too small is
// skipped, not read: it was produced for an older revision of the
// capability and the fields this host wants do not exist in it.
func (p *Plugin) findExtension(target ExtensionType, minSize uintptr) unsafe.Pointer {
	headerSize := unsafe.Sizeof(ExtensionHeader{})
	for node := p.chainHead; node != nil; {
		header := (*ExtensionHeader)(node)
		if header.StructSize < headerSize {
			klog.Warningf("plugin %q: extension node with struct_size %d smaller than the common header, stopping walk",
				p.name, header.StructSize)
			return nil
		}
		if header.Type == target {
			if header.StructSize >= minSize {
				return node
			}
			klog.V(1).Infof("plugin %q: %s extension struct_size %d < required %d, treating as absent",
				p.name, target, header.StructSize, minSize)
		}
		node = header.Next
	}
	return nil
}

// resolveExtension returns the typed record for the target capability,
// or nil when the plugin does not advertise a compatible one.
func resolveExtension[E any](p *Plugin, target ExtensionType) *E {
	var record E
	node := p.findExtension(target, unsafe.Sizeof(record))
	if node == nil {
		return nil
	}
	return (*E)(node)
}

// HasExtension reports whether the chain contains a node of the given
// type, regardless of its size. Useful for diagnostics; actual use goes
// through the typed accessors, which also gate on size.
func (p *Plugin) HasExtension(target ExtensionType) bool {
	return p.findExtension(target, unsafe.Sizeof(ExtensionHeader{})) != nil
}

// RawTransfer is the typed handle for the whole-buffer transfer
// capability. It borrows the plugin's lifetime.
type RawTransfer struct {
	plugin *Plugin
	ext    *RawTransferExtension
}

// RawTransfer resolves the whole-buffer transfer capability. The second
// result is false when the plugin does not advertise it; absence is an
// expected outcome, not an error.
func (p *Plugin) RawTransfer() (*RawTransfer, bool) {
	ext := resolveExtension[RawTransferExtension](p, ExtensionTypeRawTransfer)
	if ext == nil {
		return nil, false
	}
	return &RawTransfer{plugin: p, ext: ext}, true
}

// StreamTransfer is the typed handle for the chunked streaming
// capability. It borrows the plugin's lifetime.
type StreamTransfer struct {
	plugin *Plugin
	ext    *StreamTransferExtension
}

// StreamTransfer resolves the chunked streaming capability.
func (p *Plugin) StreamTransfer() (*StreamTransfer, bool) {
	ext := resolveExtension[StreamTransferExtension](p, ExtensionTypeStreamTransfer)
	if ext == nil {
		return nil, false
	}
	return &StreamTransfer{plugin: p, ext: ext}, true
}

// Example is the typed handle for the example capability, only
// advertised by test plugins.
type Example struct {
	plugin *Plugin
	ext    *ExampleExtension
}

// Example resolves the example capability.
func (p *Plugin) Example() (*Example, bool) {
	ext := resolveExtension[ExampleExtension](p, ExtensionTypeExample)
	if ext == nil {
		return nil, false
	}
	return &Example{plugin: p, ext: ext}, true
}

// Value calls through to the plugin's example entry point.
func (e *Example) Value() int {
	return e.ext.Value()
}
