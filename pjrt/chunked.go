package pjrt

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// TransferState is the per-transfer state machine:
// TransferCreated -> TransferStreaming -> TransferCompleted or
// TransferFailed. Completed and Failed are terminal.
type TransferState int32

const (
	TransferCreated TransferState = iota
	TransferStreaming
	TransferCompleted
	TransferFailed
)

// String implements fmt.Stringer.
func (s TransferState) String() string {
	switch s {
	case TransferCreated:
		return "Created"
	case TransferStreaming:
		return "Streaming"
	case TransferCompleted:
		return "Completed"
	case TransferFailed:
		return "Failed"
	}
	return "InvalidTransferState"
}

// DefaultMaxInFlightChunks is the default bound on chunks handed to the
// plugin whose completion events have not resolved yet.
const DefaultMaxInFlightChunks = 4

// ChunkedTransfer streams a payload too large (or too slow-producing)
// for a single call to a device, in granule-sized chunks.
//
// Every AddChunk is validated locally — granule multiple, running total
// within the declared size — before anything crosses the boundary, so an
// inconsistent byte count can never reach the plugin. Chunks are offered
// in AddChunk call order; AddChunk itself is not safe for concurrent use
// on the same transfer, callers that want concurrent submission must
// serialize it. Any chunk failure is terminal for the whole transfer.
//
// Chunks may be pipelined: the transfer reaches Completed only once the
// full byte count was handed off AND every per-chunk completion event
// has resolved successfully. A failure of any in-flight chunk, however
// late it arrives, moves the transfer to Failed.
type ChunkedTransfer struct {
	id      uuid.UUID
	st      *StreamTransfer
	stream  StreamHandle
	granule int
	total   int

	inFlight   *semaphore.Weighted
	progressFn func(sentBytes, totalBytes int)

	mu           sync.Mutex
	state        TransferState
	sent         int
	outstanding  int // chunks handed off whose events have not resolved
	failure      error
	streamClosed bool
}

// NewChunkedTransfer opens a stream of totalBytes to device.
func (st *StreamTransfer) NewChunkedTransfer(device DeviceHandle, totalBytes int) (*ChunkedTransfer, error) {
	if totalBytes < 0 {
		return nil, errInvalid("negative transfer size %d", totalBytes)
	}
	stream, errh := st.ext.OpenStream(device, totalBytes)
	if errh != 0 {
		return nil, errorFromHandle(st.plugin.api, errh)
	}
	granule := st.ext.GranuleSize(stream)
	if granule <= 0 {
		if closeErrh := st.ext.CloseStream(stream); closeErrh != 0 {
			klog.Warningf("closing stream after bad granule size: %v", errorFromHandle(st.plugin.api, closeErrh))
		}
		return nil, errInvalid("plugin reported granule size %d", granule)
	}
	c := &ChunkedTransfer{
		id:       uuid.New(),
		st:       st,
		stream:   stream,
		granule:  granule,
		total:    totalBytes,
		inFlight: semaphore.NewWeighted(DefaultMaxInFlightChunks),
	}
	klog.V(1).Infof("transfer %s: streaming %s to device %#x, granule %s",
		c.id, humanize.IBytes(uint64(totalBytes)), uintptr(device), humanize.IBytes(uint64(granule)))
	return c, nil
}

// SetProgressFunc registers fn to be called after each accepted chunk
// with the running byte count. Must be set before the first AddChunk.
func (c *ChunkedTransfer) SetProgressFunc(fn func(sentBytes, totalBytes int)) {
	c.progressFn = fn
}

// SetMaxInFlight replaces the in-flight chunk bound. Must be set before
// the first AddChunk.
func (c *ChunkedTransfer) SetMaxInFlight(n int) {
	if n < 1 {
		n = 1
	}
	c.inFlight = semaphore.NewWeighted(int64(n))
}

// AddChunk validates data locally, hands it across the boundary through
// the ownership protocol, and returns the event that resolves when the
// plugin has consumed that specific chunk. On success the chunk's bytes
// belong to the plugin: the caller must not reuse data, even before the
// event resolves.
//
// Validation failures are returned synchronously and leave the transfer
// in its prior state. ctx only bounds the wait for an in-flight slot
// (backpressure); it does not cancel chunks already handed off.
func (c *ChunkedTransfer) AddChunk(ctx context.Context, data []byte) (*Event, error) {
	n := len(data)
	c.mu.Lock()
	switch c.state {
	case TransferFailed:
		err := c.failure
		c.mu.Unlock()
		return nil, errFailedState("transfer %s already failed: %v", c.id, err)
	case TransferCompleted:
		c.mu.Unlock()
		return nil, errFailedState("transfer %s already completed", c.id)
	}
	if c.sent+n > c.total {
		sent, total := c.sent, c.total
		c.mu.Unlock()
		return nil, errInvalid("chunk of %d bytes would exceed the declared total: %d of %d bytes already sent",
			n, sent, total)
	}
	final := c.sent+n == c.total
	if n == 0 && !final {
		c.mu.Unlock()
		return nil, errInvalid("empty chunk")
	}
	if !final && n%c.granule != 0 {
		c.mu.Unlock()
		return nil, errInvalid("chunk size %d is not a multiple of the granule size %d", n, c.granule)
	}
	c.mu.Unlock()

	// Backpressure: wait for one of the in-flight slots.
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	data2, size, deleterArg, err := TransferOut(NewByteAllocation(data))
	if err != nil {
		c.inFlight.Release(1)
		return nil, err
	}
	chunk := &Chunk{Data: data2, Size: size, Deleter: HostDeleter, DeleterArg: deleterArg}
	evh, errh := c.st.ext.AddChunk(c.stream, chunk)
	if errh != 0 {
		// The plugin did not take the chunk, so its deleter will never
		// run; reclaim the context here.
		DeleterInvoke(data2, deleterArg)
		c.inFlight.Release(1)
		opErr := errorFromHandle(c.st.plugin.api, errh)
		c.fail(opErr)
		return nil, opErr
	}
	ev, err := wrapEvent(c.st.plugin, evh)
	if err != nil {
		// The chunk itself is owned by the plugin now (its deleter will
		// still run); only the completion is lost.
		c.inFlight.Release(1)
		c.fail(err)
		return nil, err
	}

	c.mu.Lock()
	if c.state == TransferCreated {
		c.state = TransferStreaming
	}
	c.sent += n
	sent := c.sent
	c.outstanding++
	c.mu.Unlock()

	ev.addDoneHook(func(opErr *Error) {
		c.inFlight.Release(1)
		c.chunkDone(opErr)
		// The plugin has signaled; the native event object is the
		// manager's to release. The caller's Event stays queryable.
		if err := ev.Destroy(); err != nil {
			klog.Warningf("transfer %s: destroying chunk event: %v", c.id, err)
		}
	})

	if c.progressFn != nil {
		c.progressFn(sent, c.total)
	}
	klog.V(2).Infof("transfer %s: %s / %s", c.id,
		humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(c.total)))
	return ev, nil
}

// chunkDone accounts for one resolved chunk event. The transition to
// Completed happens here, not at hand-off time: with pipelined chunks an
// earlier chunk may still fail after the last one was handed off, and
// that failure must win.
func (c *ChunkedTransfer) chunkDone(opErr *Error) {
	if opErr != nil {
		c.mu.Lock()
		c.outstanding--
		c.mu.Unlock()
		c.fail(opErr)
		return
	}
	c.mu.Lock()
	c.outstanding--
	completed := c.state == TransferStreaming && c.sent == c.total && c.outstanding == 0
	if completed {
		c.state = TransferCompleted
	}
	c.mu.Unlock()
	if completed {
		c.closeStream()
	}
}

// fail moves the transfer to its terminal Failed state. A failure
// arriving after completion is logged and otherwise ignored.
func (c *ChunkedTransfer) fail(err error) {
	c.mu.Lock()
	if c.state == TransferFailed {
		c.mu.Unlock()
		return
	}
	if c.state == TransferCompleted {
		c.mu.Unlock()
		klog.Warningf("transfer %s: late chunk failure after completion: %v", c.id, err)
		return
	}
	c.state = TransferFailed
	c.failure = err
	c.mu.Unlock()
	klog.Warningf("transfer %s failed: %v", c.id, err)
	c.closeStream()
}

func (c *ChunkedTransfer) closeStream() {
	c.mu.Lock()
	if c.streamClosed {
		c.mu.Unlock()
		return
	}
	c.streamClosed = true
	c.mu.Unlock()
	if errh := c.st.ext.CloseStream(c.stream); errh != 0 {
		klog.Warningf("transfer %s: closing stream: %v", c.id, errorFromHandle(c.st.plugin.api, errh))
	}
}

// Close aborts a transfer that has not completed, moving it to Failed
// and releasing the stream. Closing a completed transfer is a no-op.
func (c *ChunkedTransfer) Close() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != TransferCompleted && state != TransferFailed {
		c.fail(&Error{Code: CANCELLED, Message: "transfer closed before completion"})
	}
	c.closeStream()
	return nil
}

// ID returns the transfer's unique id.
func (c *ChunkedTransfer) ID() uuid.UUID { return c.id }

// CurrentProgress returns the bytes accepted so far. Pure query, valid
// in any state.
func (c *ChunkedTransfer) CurrentProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// TotalSize returns the declared total byte size. Pure query.
func (c *ChunkedTransfer) TotalSize() int { return c.total }

// GranuleSize returns the plugin's chunk unit for this stream.
func (c *ChunkedTransfer) GranuleSize() int { return c.granule }

// State returns the current transfer state.
func (c *ChunkedTransfer) State() TransferState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal failure, or nil.
func (c *ChunkedTransfer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}
