package pjrt

// This file defines the in-process representation of the plugin's C-ABI
// shaped contract: the versioned function table, the extension chain
// records and the callback signatures. Handles (integers) stand in for
// every opaque object the plugin owns; the host never hands the plugin a
// Go pointer, only handles from pkg/support/handles and pinned data
// pointers whose lifetime is tracked by the transfer protocol.

import (
	"unsafe"

	"github.com/gomlx/pjrtbridge/pkg/support/handles"
)

// ErrorHandle is an opaque reference to a plugin-owned error object.
// Zero means "no error". It must be translated (and thereby destroyed)
// with the plugin's error functions exactly once.
type ErrorHandle uintptr

// EventHandle is an opaque reference to a plugin-owned completion
// primitive. The plugin signals it exactly once.
type EventHandle uintptr

// DeviceHandle is an opaque reference to a plugin device.
type DeviceHandle uintptr

// StreamHandle is an opaque reference to an open chunked-transfer stream.
type StreamHandle uintptr

// Deleter frees a boundary-crossing allocation. It is invoked by
// whichever side currently owns the allocation, with the data pointer
// and the opaque context that was paired with it at hand-off time.
//
// A Deleter must never panic: it may be called from a plugin-controlled
// context with no Go frame prepared to recover.
type Deleter func(data unsafe.Pointer, deleterArg handles.Handle)

// CompletionCallback signals that an asynchronous plugin operation
// finished. errHandle is zero on success. The plugin invokes it exactly
// once per registration, possibly from a thread the host runtime does
// not control.
type CompletionCallback func(errHandle ErrorHandle, userArg handles.Handle)

// APIVersion identifies the boundary contract the plugin implements.
type APIVersion struct {
	Major int
	Minor int
}

// The contract major version this package implements. Plugins with a
// different major version are rejected at registration.
const apiMajorVersion = 1

// API is the versioned struct of function pointers a plugin exposes.
// All fields except ExtensionStart and PluginAttributes are required.
type API struct {
	Version APIVersion

	// ExtensionStart is the head of the plugin's capability chain, or nil.
	// The chain is owned by the plugin for its whole lifetime; the host
	// only ever reads it, through Plugin's resolver.
	ExtensionStart unsafe.Pointer

	// PluginAttributes returns descriptive plugin metadata. Optional.
	PluginAttributes func() map[string]any

	// Error translation. ErrorDestroy must be called exactly once per
	// non-zero handle; errorFromHandle takes care of that.
	ErrorMessage func(err ErrorHandle) string
	ErrorCode    func(err ErrorHandle) ErrorCode
	ErrorDestroy func(err ErrorHandle)

	// EventOnReady registers callback to be invoked exactly once when
	// event completes. If registration fails (non-zero return), the
	// callback will never be invoked and userArg remains owned by the
	// host, which must reclaim it.
	EventOnReady func(event EventHandle, callback CompletionCallback, userArg handles.Handle) ErrorHandle

	// EventDestroy releases the plugin-side event object.
	EventDestroy func(event EventHandle) ErrorHandle
}

func (api *API) validate() error {
	if api == nil {
		return errInvalid("nil API table")
	}
	if api.Version.Major != apiMajorVersion {
		return errInvalid("plugin implements API v%d.%d, host requires major version %d",
			api.Version.Major, api.Version.Minor, apiMajorVersion)
	}
	if api.ErrorMessage == nil || api.ErrorCode == nil || api.ErrorDestroy == nil {
		return errInvalid("API table is missing error translation entries")
	}
	if api.EventOnReady == nil || api.EventDestroy == nil {
		return errInvalid("API table is missing event entries")
	}
	return nil
}

// Chunk is the wire shape of one streamed payload piece: the data
// pointer, its size, and the deleter closure the receiving side must
// invoke exactly once when it is done with the data.
type Chunk struct {
	Data       unsafe.Pointer
	Size       int
	Deleter    Deleter
	DeleterArg handles.Handle
}

// ExtensionType tags a capability record in the plugin's extension chain.
type ExtensionType int32

const (
	ExtensionTypeInvalid ExtensionType = iota
	ExtensionTypeRawTransfer
	ExtensionTypeStreamTransfer
	ExtensionTypeExample
)

// String implements fmt.Stringer.
func (t ExtensionType) String() string {
	switch t {
	case ExtensionTypeRawTransfer:
		return "RawTransfer"
	case ExtensionTypeStreamTransfer:
		return "StreamTransfer"
	case ExtensionTypeExample:
		return "Example"
	}
	return "InvalidExtensionType"
}

// ExtensionHeader is the common prefix of every capability record in the
// chain. Type must be validated and StructSize checked against the full
// record size before any field past the header is read.
type ExtensionHeader struct {
	Type       ExtensionType
	StructSize uintptr
	Next       unsafe.Pointer
}

// RawTransferExtension is the capability record for whole-buffer copies
// between host and device memory. Both directions hand ownership across
// the boundary with a deleter closure.
type RawTransferExtension struct {
	Header ExtensionHeader

	// CopyHostToDevice takes ownership of data (n bytes) and frees it by
	// invoking deleter(data, deleterArg) once the copy is done. The
	// returned event completes when the device holds the data.
	CopyHostToDevice func(device DeviceHandle, data unsafe.Pointer, n int,
		deleter Deleter, deleterArg handles.Handle) (EventHandle, ErrorHandle)

	// CopyDeviceToHost returns a plugin-owned region of n bytes. The
	// host must not free it directly; it calls the returned deleter
	// exactly once when done.
	CopyDeviceToHost func(device DeviceHandle, n int) (data unsafe.Pointer,
		deleter Deleter, deleterArg handles.Handle, err ErrorHandle)
}

// StreamTransferExtension is the capability record for chunked streaming
// transfers with a device-defined granule size.
type StreamTransferExtension struct {
	Header ExtensionHeader

	// OpenStream starts a transfer of totalBytes to device.
	OpenStream func(device DeviceHandle, totalBytes int) (StreamHandle, ErrorHandle)

	// GranuleSize is the plugin's minimum chunk unit in bytes for this
	// stream. Every chunk except the last must be a multiple of it.
	GranuleSize func(stream StreamHandle) int

	// AddChunk hands one chunk to the plugin. On success the plugin owns
	// the chunk's data (it will invoke the chunk's deleter) and the
	// returned event completes when that chunk has been consumed. On
	// error the chunk was not taken and its deleter will not be called.
	AddChunk func(stream StreamHandle, chunk *Chunk) (EventHandle, ErrorHandle)

	// CloseStream releases the stream once all chunks were added.
	CloseStream func(stream StreamHandle) ErrorHandle
}

// ExampleExtension is a minimal capability record. Production plugins do
// not implement it; it exists to exercise discovery.
type ExampleExtension struct {
	Header ExtensionHeader
	Value  func() int
}
