package pjrt_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/pjrtbridge/pjrt"
	"github.com/gomlx/pjrtbridge/pjrt/stub"
	"github.com/gomlx/pjrtbridge/pkg/support/handles"
)

// hostToDevice kicks off a raw transfer of data and returns its event.
func hostToDevice(t *testing.T, s *stub.Stub, p *pjrt.Plugin, data []byte) *pjrt.Event {
	t.Helper()
	rt, found := p.RawTransfer()
	require.True(t, found)
	ev, err := rt.CopyHostToDevice(s.NewDevice(), pjrt.NewByteAllocation(data))
	require.NoError(t, err)
	return ev
}

func TestEventSynchronousCompletion(t *testing.T) {
	s, p := registerStub(t)
	ev := hostToDevice(t, s, p, []byte{1, 2, 3})

	assert.Equal(t, pjrt.EventReady, ev.State())
	assert.NoError(t, ev.Err())
	done, err := ev.Poll(nil)
	assert.True(t, done)
	assert.NoError(t, err)
	// Terminal polls are repeatable.
	done, err = ev.Poll(nil)
	assert.True(t, done)
	assert.NoError(t, err)
	require.NoError(t, ev.Destroy())
	require.NoError(t, ev.Destroy()) // idempotent
}

func TestEventPollReplacesWaiter(t *testing.T) {
	s, p := registerStub(t, stub.WithManualCompletion())
	ev := hostToDevice(t, s, p, []byte{1, 2, 3})
	assert.Equal(t, pjrt.EventPending, ev.State())

	var wokeA, wokeB atomic.Int32
	done, err := ev.Poll(func() { wokeA.Add(1) })
	require.False(t, done)
	require.NoError(t, err)
	done, err = ev.Poll(func() { wokeB.Add(1) })
	require.False(t, done)
	require.NoError(t, err)

	require.True(t, s.CompleteNext())

	// Only the most recent waker is notified, exactly once.
	assert.Equal(t, int32(0), wokeA.Load())
	assert.Equal(t, int32(1), wokeB.Load())
	done, err = ev.Poll(nil)
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestEventAwaitAndDone(t *testing.T) {
	s, p := registerStub(t, stub.WithManualCompletion())
	ev := hostToDevice(t, s, p, []byte{9})

	select {
	case <-ev.Done():
		t.Fatal("done channel closed while pending")
	default:
	}

	// Completion delivered from another goroutine, as a real plugin
	// would from one of its own threads.
	go s.CompleteNext()
	require.NoError(t, ev.Await(context.Background()))
	<-ev.Done()
	assert.Equal(t, pjrt.EventReady, ev.State())
}

func TestEventAwaitCancellation(t *testing.T) {
	s, p := registerStub(t, stub.WithManualCompletion())
	ev := hostToDevice(t, s, p, []byte{9})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ev.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Detaching does not cancel the operation: it still completes.
	require.True(t, s.CompleteNext())
	assert.Equal(t, pjrt.EventReady, ev.State())
}

func TestEventBlockUntilReady(t *testing.T) {
	s, p := registerStub(t, stub.WithManualCompletion())
	ev := hostToDevice(t, s, p, []byte{9})

	err := ev.BlockUntilReady(20 * time.Millisecond)
	var bErr *pjrt.Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, pjrt.DEADLINE_EXCEEDED, bErr.Code)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.CompleteNext()
	}()
	require.NoError(t, ev.BlockUntilReady(0)) // <= 0 waits forever
}

func TestEventRegistrationFailureReclaimsContext(t *testing.T) {
	s, p := registerStub(t, stub.WithRegistrationFailure())
	baseline := handles.Default.Live()

	rt, found := p.RawTransfer()
	require.True(t, found)
	_, err := rt.CopyHostToDevice(s.NewDevice(), pjrt.NewByteAllocation([]byte{1, 2}))
	require.ErrorContains(t, err, "registering completion callback")
	var bErr *pjrt.Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, pjrt.RESOURCE_EXHAUSTED, bErr.Code)

	// The callback will never fire; the context it would have released
	// must have been reclaimed on the failure path.
	assert.Equal(t, baseline, handles.Default.Live())
	// And the plugin-side event object was destroyed.
	assert.Zero(t, s.LiveEvents())
}

// manualEventAPI is a minimal plugin table that hands the registered
// callback back to the test, so delivery can be driven by hand.
type manualEventAPI struct {
	mu  sync.Mutex
	cbs map[pjrt.EventHandle]func(pjrt.ErrorHandle)
}

func newManualEventAPI() (*manualEventAPI, *pjrt.API) {
	m := &manualEventAPI{cbs: make(map[pjrt.EventHandle]func(pjrt.ErrorHandle))}
	api := &pjrt.API{
		Version:      pjrt.APIVersion{Major: 1},
		ErrorMessage: func(pjrt.ErrorHandle) string { return "manual error" },
		ErrorCode:    func(pjrt.ErrorHandle) pjrt.ErrorCode { return pjrt.DATA_LOSS },
		ErrorDestroy: func(pjrt.ErrorHandle) {},
		EventOnReady: func(ev pjrt.EventHandle, cb pjrt.CompletionCallback, userArg handles.Handle) pjrt.ErrorHandle {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.cbs[ev] = func(errh pjrt.ErrorHandle) { cb(errh, userArg) }
			return 0
		},
		EventDestroy: func(pjrt.EventHandle) pjrt.ErrorHandle { return 0 },
	}
	return m, api
}

func (m *manualEventAPI) deliver(ev pjrt.EventHandle, errh pjrt.ErrorHandle) {
	m.mu.Lock()
	cb := m.cbs[ev]
	m.mu.Unlock()
	cb(errh)
}

func TestEventDuplicateCompletionDiscarded(t *testing.T) {
	m, api := newManualEventAPI()
	p, err := pjrt.NewRegistry().Register("manual", api)
	require.NoError(t, err)
	ev, err := pjrt.WrapEventForTesting(p, 1)
	require.NoError(t, err)

	m.deliver(1, 0)
	assert.Equal(t, pjrt.EventReady, ev.State())

	// A buggy plugin signals again, this time with an error: the first
	// transition is final and the duplicate must be discarded without
	// panicking or changing state.
	require.NotPanics(t, func() { m.deliver(1, 7) })
	assert.Equal(t, pjrt.EventReady, ev.State())
	assert.NoError(t, ev.Err())
}

func TestEventFailureCarriesPluginError(t *testing.T) {
	m, api := newManualEventAPI()
	p, err := pjrt.NewRegistry().Register("manual", api)
	require.NoError(t, err)
	ev, err := pjrt.WrapEventForTesting(p, 1)
	require.NoError(t, err)

	m.deliver(1, 7)
	assert.Equal(t, pjrt.EventFailed, ev.State())
	var bErr *pjrt.Error
	require.ErrorAs(t, ev.Err(), &bErr)
	assert.Equal(t, pjrt.DATA_LOSS, bErr.Code)
	assert.Contains(t, bErr.Message, "manual error")
}

func TestEventConcurrentCompletionSingleFire(t *testing.T) {
	m, api := newManualEventAPI()
	p, err := pjrt.NewRegistry().Register("manual", api)
	require.NoError(t, err)
	ev, err := pjrt.WrapEventForTesting(p, 1)
	require.NoError(t, err)

	var woke atomic.Int32
	done, err := ev.Poll(func() { woke.Add(1) })
	require.False(t, done)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.deliver(1, 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), woke.Load())
	assert.Equal(t, pjrt.EventReady, ev.State())
}
