// Package stub implements a complete in-process plugin: a pure-Go
// implementation of the boundary contract in package pjrt.
//
// It behaves like a well-formed native plugin — it advertises a
// capability chain, consumes chunks, invokes deleters exactly once and
// signals completions exactly once — while offering knobs to misbehave
// on demand (fail callback registration, fail a specific chunk, invoke a
// deleter twice), which is what the safety runtime's behavioral tests
// need. It is also the backend of cmd/pjrtstream, so the whole stack can
// be exercised without loading a real plugin.
package stub

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/pjrtbridge/pjrt"
	"github.com/gomlx/pjrtbridge/pkg/support/handles"
)

// DefaultGranuleSize is the chunk unit reported for streams unless
// overridden with WithGranule.
const DefaultGranuleSize = 100

// Option configures a Stub.
type Option func(*Stub)

// WithGranule sets the granule size reported for every stream.
func WithGranule(n int) Option {
	return func(s *Stub) { s.granule = n }
}

// WithManualCompletion makes operations complete only when the test
// calls CompleteNext or CompleteAll, instead of synchronously.
func WithManualCompletion() Option {
	return func(s *Stub) { s.manual = true }
}

// WithRegistrationFailure makes every EventOnReady call fail, without
// ever invoking the callback. Exercises the host's context-reclamation
// path.
func WithRegistrationFailure() Option {
	return func(s *Stub) { s.failOnReady = true }
}

// WithChunkFailureAt makes the i-th AddChunk (1-based) complete with an
// error after consuming the chunk.
func WithChunkFailureAt(i int) Option {
	return func(s *Stub) { s.failChunkAt = i }
}

// WithChunkRejectionAt makes the i-th AddChunk (1-based) fail
// synchronously: the chunk is not taken and its deleter never runs.
func WithChunkRejectionAt(i int) Option {
	return func(s *Stub) { s.rejectChunkAt = i }
}

// WithDoubleDelete makes the stub invoke each chunk deleter twice, like
// a buggy plugin would. The host side must survive it.
func WithDoubleDelete() Option {
	return func(s *Stub) { s.doubleDelete = true }
}

// WithoutStreamTransfer removes the stream-transfer capability from the
// advertised chain.
func WithoutStreamTransfer() Option {
	return func(s *Stub) { s.withoutStream = true }
}

// WithoutRawTransfer removes the raw-transfer capability from the
// advertised chain.
func WithoutRawTransfer() Option {
	return func(s *Stub) { s.withoutRaw = true }
}

type stubError struct {
	code pjrt.ErrorCode
	msg  string
}

type stubEvent struct {
	resolved  bool       // result decided
	result    *stubError // nil on success
	cb        pjrt.CompletionCallback
	userArg   handles.Handle
	notified  bool
	destroyed bool
}

type stubStream struct {
	device  pjrt.DeviceHandle
	total   int
	current int
	closed  bool
}

// Stub is one in-process plugin instance. Create the host-side Plugin by
// registering s.API() in a pjrt.Registry.
type Stub struct {
	granule       int
	manual        bool
	failOnReady   bool
	failChunkAt   int
	rejectChunkAt int
	doubleDelete  bool
	withoutStream bool
	withoutRaw    bool

	mu         sync.Mutex
	errors     map[pjrt.ErrorHandle]*stubError
	nextErr    pjrt.ErrorHandle
	events     map[pjrt.EventHandle]*stubEvent
	nextEvent  pjrt.EventHandle
	streams    map[pjrt.StreamHandle]*stubStream
	nextStream pjrt.StreamHandle
	devices    map[pjrt.DeviceHandle][]byte
	nextDevice pjrt.DeviceHandle
	pending    []pjrt.EventHandle // events awaiting manual completion, in order
	resolvers  map[pjrt.EventHandle]func() *stubError
	chunksSeen int

	// Plugin-owned regions handed to the host via CopyDeviceToHost.
	nativeAllocs *handles.Table

	api *pjrt.API
	// The chain records must stay referenced for the plugin's lifetime.
	exampleExt *pjrt.ExampleExtension
	rawExt     *pjrt.RawTransferExtension
	streamExt  *pjrt.StreamTransferExtension
}

// New returns a fresh stub plugin.
func New(opts ...Option) *Stub {
	s := &Stub{
		granule:      DefaultGranuleSize,
		errors:       make(map[pjrt.ErrorHandle]*stubError),
		events:       make(map[pjrt.EventHandle]*stubEvent),
		streams:      make(map[pjrt.StreamHandle]*stubStream),
		devices:      make(map[pjrt.DeviceHandle][]byte),
		resolvers:    make(map[pjrt.EventHandle]func() *stubError),
		nativeAllocs: handles.NewTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buildChain()
	s.api = &pjrt.API{
		Version:          pjrt.APIVersion{Major: 1, Minor: 0},
		ExtensionStart:   s.chainHead(),
		PluginAttributes: s.attributes,
		ErrorMessage:     s.errorMessage,
		ErrorCode:        s.errorCode,
		ErrorDestroy:     s.errorDestroy,
		EventOnReady:     s.eventOnReady,
		EventDestroy:     s.eventDestroy,
	}
	return s
}

// API returns the plugin's function table, ready for pjrt.Register.
func (s *Stub) API() *pjrt.API { return s.api }

func (s *Stub) buildChain() {
	// Deliberately put the capabilities the host usually wants at the
	// tail, behind the example record: discovery has to walk.
	if !s.withoutStream {
		s.streamExt = &pjrt.StreamTransferExtension{
			OpenStream:  s.openStream,
			GranuleSize: s.granuleSize,
			AddChunk:    s.addChunk,
			CloseStream: s.closeStream,
		}
		s.streamExt.Header = pjrt.ExtensionHeader{
			Type:       pjrt.ExtensionTypeStreamTransfer,
			StructSize: unsafe.Sizeof(*s.streamExt),
		}
	}
	if !s.withoutRaw {
		s.rawExt = &pjrt.RawTransferExtension{
			CopyHostToDevice: s.copyHostToDevice,
			CopyDeviceToHost: s.copyDeviceToHost,
		}
		s.rawExt.Header = pjrt.ExtensionHeader{
			Type:       pjrt.ExtensionTypeRawTransfer,
			StructSize: unsafe.Sizeof(*s.rawExt),
		}
		if s.streamExt != nil {
			s.rawExt.Header.Next = unsafe.Pointer(s.streamExt)
		}
	}
	s.exampleExt = &pjrt.ExampleExtension{
		Value: func() int { return 42 },
	}
	s.exampleExt.Header = pjrt.ExtensionHeader{
		Type:       pjrt.ExtensionTypeExample,
		StructSize: unsafe.Sizeof(*s.exampleExt),
	}
	switch {
	case s.rawExt != nil:
		s.exampleExt.Header.Next = unsafe.Pointer(s.rawExt)
	case s.streamExt != nil:
		s.exampleExt.Header.Next = unsafe.Pointer(s.streamExt)
	}
}

func (s *Stub) chainHead() unsafe.Pointer {
	return unsafe.Pointer(s.exampleExt)
}

func (s *Stub) attributes() map[string]any {
	return map[string]any{
		"plugin_name":  "stub",
		"granule_size": s.granule,
	}
}

// NewDevice allocates a fresh device with empty memory.
func (s *Stub) NewDevice() pjrt.DeviceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDevice++
	d := s.nextDevice
	s.devices[d] = nil
	return d
}

// DeviceBytes returns a copy of the bytes the device has received.
func (s *Stub) DeviceBytes(d pjrt.DeviceHandle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.devices[d]...)
}

// SetDeviceBytes seeds device memory, for device-to-host tests.
func (s *Stub) SetDeviceBytes(d pjrt.DeviceHandle, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d] = append([]byte(nil), data...)
}

// NativeAllocationsLive returns the number of plugin-owned regions
// currently lent to the host.
func (s *Stub) NativeAllocationsLive() int {
	return s.nativeAllocs.Live()
}

// LiveEvents returns the number of event objects not yet destroyed.
func (s *Stub) LiveEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := 0
	for _, ev := range s.events {
		if !ev.destroyed {
			live++
		}
	}
	return live
}

// ---- error objects ----

func (s *Stub) newError(code pjrt.ErrorCode, format string, args ...any) pjrt.ErrorHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr++
	s.errors[s.nextErr] = &stubError{code: code, msg: fmt.Sprintf(format, args...)}
	return s.nextErr
}

func (s *Stub) errorMessage(h pjrt.ErrorHandle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, found := s.errors[h]; found {
		return e.msg
	}
	return fmt.Sprintf("unknown error handle %d", h)
}

func (s *Stub) errorCode(h pjrt.ErrorHandle) pjrt.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, found := s.errors[h]; found {
		return e.code
	}
	return pjrt.UNKNOWN
}

func (s *Stub) errorDestroy(h pjrt.ErrorHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, h)
}

// ---- events ----

// newEvent creates a pending event. resolve decides its result; in
// synchronous mode that happens immediately, otherwise the event waits
// in the pending queue for CompleteNext/CompleteAll.
func (s *Stub) newEvent(resolve func() *stubError) pjrt.EventHandle {
	s.mu.Lock()
	s.nextEvent++
	h := s.nextEvent
	ev := &stubEvent{}
	s.events[h] = ev
	if s.manual {
		s.pending = append(s.pending, h)
		s.resolvers[h] = resolve
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()
	s.resolveEvent(h, resolve)
	return h
}

// resolveEvent runs the operation, stores the result, and notifies the
// registered callback if there is one. Exactly one notification per
// event.
func (s *Stub) resolveEvent(h pjrt.EventHandle, resolve func() *stubError) {
	result := resolve()
	s.mu.Lock()
	ev := s.events[h]
	ev.resolved = true
	ev.result = result
	cb, userArg := ev.cb, ev.userArg
	shouldNotify := cb != nil && !ev.notified
	if shouldNotify {
		ev.notified = true
	}
	s.mu.Unlock()
	if shouldNotify {
		s.notify(cb, result, userArg)
	}
}

func (s *Stub) notify(cb pjrt.CompletionCallback, result *stubError, userArg handles.Handle) {
	var errh pjrt.ErrorHandle
	if result != nil {
		errh = s.newError(result.code, "%s", result.msg)
	}
	cb(errh, userArg)
}

func (s *Stub) eventOnReady(h pjrt.EventHandle, cb pjrt.CompletionCallback, userArg handles.Handle) pjrt.ErrorHandle {
	if s.failOnReady {
		return s.newError(pjrt.RESOURCE_EXHAUSTED, "callback registration rejected")
	}
	s.mu.Lock()
	ev, found := s.events[h]
	if !found {
		s.mu.Unlock()
		return s.newError(pjrt.INVALID_ARGUMENT, "unknown event handle %d", h)
	}
	if ev.cb != nil {
		s.mu.Unlock()
		return s.newError(pjrt.FAILED_PRECONDITION, "event %d already has a callback", h)
	}
	ev.cb = cb
	ev.userArg = userArg
	shouldNotify := ev.resolved && !ev.notified
	if shouldNotify {
		ev.notified = true
	}
	result := ev.result
	s.mu.Unlock()
	if shouldNotify {
		s.notify(cb, result, userArg)
	}
	return 0
}

func (s *Stub) eventDestroy(h pjrt.EventHandle) pjrt.ErrorHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, found := s.events[h]
	if !found {
		return 0
	}
	ev.destroyed = true
	return 0
}

// CompleteNext resolves the oldest pending operation. It reports false
// when nothing is pending. Only meaningful with WithManualCompletion;
// call it from any goroutine to simulate completions delivered on a
// foreign thread.
func (s *Stub) CompleteNext() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	h := s.pending[0]
	s.pending = s.pending[1:]
	resolve := s.resolvers[h]
	delete(s.resolvers, h)
	s.mu.Unlock()
	s.resolveEvent(h, resolve)
	return true
}

// CompleteAll resolves every pending operation in order and returns how
// many there were.
func (s *Stub) CompleteAll() int {
	count := 0
	for s.CompleteNext() {
		count++
	}
	return count
}

// ---- raw transfer extension ----

func (s *Stub) copyHostToDevice(device pjrt.DeviceHandle, data unsafe.Pointer, n int,
	deleter pjrt.Deleter, deleterArg handles.Handle) (pjrt.EventHandle, pjrt.ErrorHandle) {
	s.mu.Lock()
	_, found := s.devices[device]
	s.mu.Unlock()
	if !found {
		// Ownership not taken: the host keeps the allocation.
		return 0, s.newError(pjrt.NOT_FOUND, "unknown device %d", device)
	}
	ev := s.newEvent(func() *stubError {
		var payload []byte
		if n > 0 {
			payload = append([]byte(nil), unsafe.Slice((*byte)(data), n)...)
		}
		s.mu.Lock()
		s.devices[device] = append(s.devices[device], payload...)
		s.mu.Unlock()
		s.invokeDeleter(deleter, data, deleterArg)
		return nil
	})
	return ev, 0
}

func (s *Stub) copyDeviceToHost(device pjrt.DeviceHandle, n int) (unsafe.Pointer, pjrt.Deleter, handles.Handle, pjrt.ErrorHandle) {
	s.mu.Lock()
	mem, found := s.devices[device]
	s.mu.Unlock()
	if !found {
		return nil, nil, 0, s.newError(pjrt.NOT_FOUND, "unknown device %d", device)
	}
	if n > len(mem) {
		return nil, nil, 0, s.newError(pjrt.OUT_OF_RANGE, "device holds %d bytes, %d requested", len(mem), n)
	}
	if n == 0 {
		// The empty convention: nil pointer, zero length, real context.
		arg := s.nativeAllocs.Acquire([]byte(nil))
		return nil, s.nativeDeleter, arg, 0
	}
	region := append([]byte(nil), mem[:n]...)
	arg := s.nativeAllocs.Acquire(region)
	return unsafe.Pointer(&region[0]), s.nativeDeleter, arg, 0
}

func (s *Stub) nativeDeleter(data unsafe.Pointer, arg handles.Handle) {
	if _, err := s.nativeAllocs.Release(arg); err != nil {
		panic(fmt.Sprintf("stub: native region released twice: %v", err))
	}
}

func (s *Stub) invokeDeleter(deleter pjrt.Deleter, data unsafe.Pointer, arg handles.Handle) {
	if deleter == nil {
		return
	}
	deleter(data, arg)
	if s.doubleDelete {
		deleter(data, arg)
	}
}

// ---- stream transfer extension ----

func (s *Stub) openStream(device pjrt.DeviceHandle, totalBytes int) (pjrt.StreamHandle, pjrt.ErrorHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.devices[device]; !found {
		return 0, s.newError(pjrt.NOT_FOUND, "unknown device %d", device)
	}
	s.nextStream++
	s.streams[s.nextStream] = &stubStream{device: device, total: totalBytes}
	return s.nextStream, 0
}

func (s *Stub) granuleSize(stream pjrt.StreamHandle) int {
	return s.granule
}

func (s *Stub) addChunk(stream pjrt.StreamHandle, chunk *pjrt.Chunk) (pjrt.EventHandle, pjrt.ErrorHandle) {
	s.mu.Lock()
	st, found := s.streams[stream]
	if !found || st.closed {
		s.mu.Unlock()
		return 0, s.newError(pjrt.FAILED_PRECONDITION, "stream %d not open", stream)
	}
	if st.current+chunk.Size > st.total {
		s.mu.Unlock()
		return 0, s.newError(pjrt.INVALID_ARGUMENT,
			"chunk overruns the stream: %d+%d > %d", st.current, chunk.Size, st.total)
	}
	s.chunksSeen++
	chunkIndex := s.chunksSeen
	if s.rejectChunkAt == chunkIndex {
		s.mu.Unlock()
		return 0, s.newError(pjrt.UNAVAILABLE, "chunk %d rejected before hand-off", chunkIndex)
	}
	st.current += chunk.Size
	device := st.device
	s.mu.Unlock()

	// From here on the chunk belongs to the plugin: its deleter runs
	// exactly once (twice under WithDoubleDelete), whatever the outcome.
	data, size, deleter, deleterArg := chunk.Data, chunk.Size, chunk.Deleter, chunk.DeleterArg
	ev := s.newEvent(func() *stubError {
		var payload []byte
		if size > 0 {
			payload = append([]byte(nil), unsafe.Slice((*byte)(data), size)...)
		}
		s.mu.Lock()
		s.devices[device] = append(s.devices[device], payload...)
		s.mu.Unlock()
		s.invokeDeleter(deleter, data, deleterArg)
		if s.failChunkAt == chunkIndex {
			return &stubError{code: pjrt.DATA_LOSS, msg: fmt.Sprintf("injected failure at chunk %d", chunkIndex)}
		}
		return nil
	})
	return ev, 0
}

func (s *Stub) closeStream(stream pjrt.StreamHandle) pjrt.ErrorHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.streams[stream]
	if !found {
		return s.newError(pjrt.NOT_FOUND, "unknown stream %d", stream)
	}
	if st.closed {
		return s.newError(pjrt.FAILED_PRECONDITION, "stream %d already closed", stream)
	}
	st.closed = true
	return 0
}
