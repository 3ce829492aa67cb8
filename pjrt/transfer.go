package pjrt

// Ownership transfer protocol.
//
// Host-originated bytes cross the boundary through TransferOut, which
// consumes the Allocation and pairs the raw pointer with a deleter
// context recorded in a handle table. The plugin frees the bytes by
// invoking HostDeleter (backed by DeleterInvoke) with that context,
// exactly once; the table turns double-invocations into logged errors
// instead of corruption, and its live count lets tests verify that no
// context leaks and none is reclaimed twice.
//
// Plugin-originated regions come back through TransferIn as a
// NativeBuffer, released exactly once through the plugin's own deleter.
//
// Empty-buffer convention, enforced on both directions: an empty region
// is always (nil pointer, zero length), never one without the other.

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/pjrtbridge/dtypes"
	"github.com/gomlx/pjrtbridge/pkg/support/handles"
)

// Allocation is a host-owned contiguous byte region together with its
// element-layout provenance, staged for a hand-off to the plugin.
// It is consumed by TransferOut and must not be used afterwards.
type Allocation struct {
	mu       sync.Mutex
	data     []byte
	dtype    dtypes.DType
	length   int // element count, not byte count
	consumed bool
}

// NewAllocation stages a typed slice for transfer. The values are copied
// into a fresh byte-granularity region, so the caller keeps ownership of
// values; the copy is what crosses the boundary.
func NewAllocation[T dtypes.Supported](values []T) *Allocation {
	return &Allocation{
		data:   dtypes.FlatToBytes(values),
		dtype:  dtypes.FromGoType[T](),
		length: len(values),
	}
}

// NewByteAllocation stages raw bytes for transfer, taking ownership of
// data: the caller must not touch the slice after a successful hand-off.
func NewByteAllocation(data []byte) *Allocation {
	return &Allocation{data: data, dtype: dtypes.Uint8, length: len(data)}
}

// DType returns the element layout of the staged data.
func (a *Allocation) DType() dtypes.DType { return a.dtype }

// Len returns the element count (not bytes).
func (a *Allocation) Len() int { return a.length }

// SizeBytes returns the byte size of the staged data, 0 after hand-off.
func (a *Allocation) SizeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Bytes returns the staged bytes. It panics if the allocation was
// already handed off.
func (a *Allocation) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consumed {
		exceptions.Panicf("Allocation.Bytes after the allocation was handed off")
	}
	return a.data
}

// deleterContext is what the handle encodes: exactly the information
// needed to account for the original allocation at deletion time.
type deleterContext struct {
	data   []byte
	dtype  dtypes.DType
	length int
}

// transferContexts is the ledger of deleter contexts currently live on
// the other side of the boundary.
var transferContexts = handles.NewTable()

// TransferContextsLive returns the number of host allocations whose
// ownership is currently on the plugin side of the boundary. Intended
// for leak assertions in tests.
func TransferContextsLive() int {
	return transferContexts.Live()
}

// TransferOut consumes alloc and returns the triple to hand to the
// plugin: the raw data pointer, the byte length, and the deleter
// context. After it returns, the allocation belongs to the other side;
// the plugin frees it by invoking HostDeleter with deleterArg, exactly
// once. A second TransferOut of the same allocation fails.
//
// An empty allocation yields (nil, 0, ctx): the context is still real
// and the deleter must still be invoked once to reclaim it.
func TransferOut(alloc *Allocation) (data unsafe.Pointer, n int, deleterArg handles.Handle, err error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	if alloc.consumed {
		return nil, 0, 0, errFailedState("allocation already handed off")
	}
	alloc.consumed = true
	ctx := &deleterContext{data: alloc.data, dtype: alloc.dtype, length: alloc.length}
	alloc.data = nil
	deleterArg = transferContexts.Acquire(ctx)
	if len(ctx.data) == 0 {
		return nil, 0, deleterArg, nil
	}
	return unsafe.Pointer(&ctx.data[0]), len(ctx.data), deleterArg, nil
}

// HostDeleter is the Deleter handed to plugins for host-originated
// allocations.
var HostDeleter Deleter = DeleterInvoke

// DeleterInvoke releases a host-originated allocation previously handed
// out by TransferOut. It is invoked by the plugin, from whatever context
// the plugin chooses: it never panics, and a second invocation with the
// same context is a logged error, not a double free.
func DeleterInvoke(data unsafe.Pointer, deleterArg handles.Handle) {
	_ = captureFault("deleter", func() {
		value, err := transferContexts.Release(deleterArg)
		if err != nil {
			klog.Errorf("deleter invoked with invalid context %d (double delete?): %v", deleterArg, err)
			return
		}
		ctx := value.(*deleterContext)
		if len(ctx.data) == 0 {
			if data != nil {
				klog.Warningf("deleter for empty allocation invoked with non-nil pointer %p", data)
			}
			return
		}
		if data != unsafe.Pointer(&ctx.data[0]) {
			klog.Errorf("deleter invoked with pointer %p, context records %p; releasing the recorded allocation",
				data, unsafe.Pointer(&ctx.data[0]))
		}
		// Dropping the last reference returns the bytes to the host
		// allocator that created them.
		ctx.data = nil
	})
}

// NativeBuffer wraps a plugin-owned byte region handed to the host. The
// host must not free it directly: Release calls back through the
// plugin's deleter, exactly once, after which the region must not be
// touched.
type NativeBuffer struct {
	mu         sync.Mutex
	data       unsafe.Pointer
	n          int
	deleter    Deleter
	deleterArg handles.Handle
	released   bool
}

// TransferIn wraps a plugin-owned region of n bytes with its deleter
// closure. It rejects regions that violate the empty-buffer convention.
func TransferIn(data unsafe.Pointer, n int, deleter Deleter, deleterArg handles.Handle) (*NativeBuffer, error) {
	if (data == nil) != (n == 0) {
		return nil, errInvalid("native region violates the empty-buffer convention: pointer=%p, length=%d", data, n)
	}
	if n < 0 {
		return nil, errInvalid("negative native region length %d", n)
	}
	return &NativeBuffer{data: data, n: n, deleter: deleter, deleterArg: deleterArg}, nil
}

// Len returns the byte length of the region.
func (b *NativeBuffer) Len() int { return b.n }

// Bytes returns a view of the native region, valid only until Release.
func (b *NativeBuffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, errFailedState("native buffer already released")
	}
	if b.n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(b.data), b.n), nil
}

// Release hands the region back to the plugin through its deleter.
// Exactly once: a second call is an error and does not invoke the
// deleter again.
func (b *NativeBuffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return errFailedState("native buffer already released")
	}
	b.released = true
	data, deleter, deleterArg := b.data, b.deleter, b.deleterArg
	b.data = nil
	b.mu.Unlock()
	if deleter != nil {
		deleter(data, deleterArg)
	}
	return nil
}

// NativeToFlat copies a native buffer into a freshly allocated typed
// slice. The native region carries only byte alignment, so the bytes are
// always copied into a correctly-aligned allocation of T, never
// reinterpreted in place. The buffer stays owned by the plugin; the
// caller still must Release it.
func NativeToFlat[T dtypes.Supported](b *NativeBuffer) ([]T, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return dtypes.BytesToFlat[T](raw)
}

// CopyHostToDevice stages alloc through the ownership protocol and hands
// it to the plugin's whole-buffer entry point. On success the plugin
// owns the data and the returned event completes when the device holds
// it; on failure the plugin never took ownership and the deleter context
// is reclaimed here. The caller owns the returned event and should
// Destroy it once done, releasing the plugin-side event object.
func (rt *RawTransfer) CopyHostToDevice(device DeviceHandle, alloc *Allocation) (*Event, error) {
	data, n, deleterArg, err := TransferOut(alloc)
	if err != nil {
		return nil, err
	}
	evh, errh := rt.ext.CopyHostToDevice(device, data, n, HostDeleter, deleterArg)
	if errh != 0 {
		DeleterInvoke(data, deleterArg)
		return nil, errorFromHandle(rt.plugin.api, errh)
	}
	return wrapEvent(rt.plugin, evh)
}

// CopyDeviceToHost asks the plugin for n bytes of device data and wraps
// the returned plugin-owned region.
func (rt *RawTransfer) CopyDeviceToHost(device DeviceHandle, n int) (*NativeBuffer, error) {
	data, deleter, deleterArg, errh := rt.ext.CopyDeviceToHost(device, n)
	if errh != 0 {
		return nil, errorFromHandle(rt.plugin.api, errh)
	}
	return TransferIn(data, n, deleter, deleterArg)
}
