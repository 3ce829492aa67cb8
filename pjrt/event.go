package pjrt

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/pjrtbridge/pkg/support/handles"
	"github.com/gomlx/pjrtbridge/pkg/support/xsync"
)

// EventState is the completion state machine: EventPending transitions
// once to either EventReady or EventFailed and never changes again.
type EventState int32

const (
	EventPending EventState = iota
	EventReady
	EventFailed
)

// String implements fmt.Stringer.
func (s EventState) String() string {
	switch s {
	case EventPending:
		return "Pending"
	case EventReady:
		return "Ready"
	case EventFailed:
		return "Failed"
	}
	return "InvalidEventState"
}

// Event bridges the plugin's one-shot completion callback into the
// host's concurrency model. The plugin may deliver the completion from
// a thread the host runtime does not control, so the state transition is
// guarded by a mutex and happens exactly once; late or duplicate
// deliveries are discarded.
//
// An Event can be consumed three ways, which must not be mixed on the
// same event:
//
//   - Poll, for cooperative schedulers that supply a (possibly
//     different) wake function on every poll.
//   - Done/Err or Await, for select-based code.
//   - BlockUntilReady, the synchronous escape hatch.
type Event struct {
	plugin *Plugin
	native EventHandle

	mu     sync.Mutex
	state  EventState
	err    *Error
	waiter func()
	hooks  []func(opErr *Error)

	done *xsync.Latch
}

// wrapEvent wraps a plugin event handle and registers the completion
// callback on it. If registration fails, the context already handed to
// the plugin is reclaimed here — the callback will never fire to do it —
// and the native event is destroyed.
func wrapEvent(p *Plugin, native EventHandle) (*Event, error) {
	ev := &Event{
		plugin: p,
		native: native,
		done:   xsync.NewLatch(),
	}
	userArg := handles.Default.Acquire(ev)
	errh := p.api.EventOnReady(native, completionTrampoline, userArg)
	if errh == 0 {
		return ev, nil
	}
	if _, relErr := handles.Default.Release(userArg); relErr != nil {
		klog.Errorf("reclaiming callback context after failed registration: %v", relErr)
	}
	if destroyErrh := p.api.EventDestroy(native); destroyErrh != 0 {
		klog.Warningf("destroying event after failed registration: %v", errorFromHandle(p.api, destroyErrh))
	}
	return nil, errors.WithMessage(errorFromHandle(p.api, errh), "registering completion callback")
}

// completionTrampoline is the CompletionCallback handed to plugins. It
// is the outermost host frame of the delivery: whatever faults inside is
// captured and converted to an error state, never allowed to unwind into
// the plugin's calling context.
func completionTrampoline(errh ErrorHandle, userArg handles.Handle) {
	var ev *Event
	var opErr *Error
	fault := captureFault("completion callback", func() {
		value, err := handles.Default.Release(userArg)
		if err != nil {
			klog.Errorf("completion callback delivered a stale or reused context %d: %v", userArg, err)
			return
		}
		ev = value.(*Event)
		opErr = errorFromHandle(ev.plugin.api, errh)
	})
	if ev == nil {
		return
	}
	if fault != nil {
		opErr = fault
	}
	ev.complete(opErr)
}

// complete performs the single terminal transition and notifies the
// latest waiter, if any. Safe to call from any goroutine; all calls
// after the first are no-ops.
func (e *Event) complete(opErr *Error) {
	e.mu.Lock()
	if e.state != EventPending {
		e.mu.Unlock()
		klog.V(1).Infof("duplicate completion for event %#x discarded", e.native)
		return
	}
	if opErr == nil {
		e.state = EventReady
	} else {
		e.state = EventFailed
		e.err = opErr
	}
	waiter := e.waiter
	e.waiter = nil
	hooks := e.hooks
	e.hooks = nil
	e.mu.Unlock()

	e.done.Trigger()
	for _, hook := range hooks {
		if fault := captureFault("completion hook", func() { hook(opErr) }); fault != nil {
			klog.Errorf("completion hook failed: %v", fault)
		}
	}
	if waiter != nil {
		// Still inside the plugin's calling context: the waiter must not
		// be allowed to fault across either.
		if fault := captureFault("waiter wake", waiter); fault != nil {
			klog.Errorf("waiter wake failed: %v", fault)
		}
	}
}

// Poll checks for completion. If the event is terminal it returns
// (true, result) and is safe to call again any number of times. If
// still pending, it stores waker — replacing any previously stored one —
// to be invoked once when the event completes, and returns (false, nil).
//
// Cooperative schedulers may supply a different waker on every poll;
// only the most recent one is ever notified.
func (e *Event) Poll(waker func()) (done bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EventPending {
		return true, e.errLocked()
	}
	e.waiter = waker
	return false, nil
}

// State returns the current state.
func (e *Event) State() EventState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure, or nil while pending or after success.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errLocked()
}

func (e *Event) errLocked() error {
	if e.err == nil {
		return nil
	}
	return e.err
}

// Done returns a channel closed when the event reaches a terminal state.
func (e *Event) Done() <-chan struct{} {
	return e.done.WaitChan()
}

// Await waits for completion or context cancellation. Cancelling does
// not cancel the underlying plugin operation — no such primitive exists —
// it only detaches: when the completion eventually arrives it finds no
// waiter and is discarded.
func (e *Event) Await(ctx context.Context) error {
	if err := e.done.WaitContext(ctx); err != nil {
		return err
	}
	return e.Err()
}

// BlockUntilReady is the synchronous variant for non-cooperative
// callers. A timeout <= 0 waits forever. It must not be mixed with
// cooperative polling of the same event.
func (e *Event) BlockUntilReady(timeout time.Duration) error {
	if !e.done.WaitTimeout(timeout) {
		return &Error{Code: DEADLINE_EXCEEDED,
			Message: "event not ready after " + timeout.String()}
	}
	return e.Err()
}

// addDoneHook registers fn to run when the event completes. If the
// event is already terminal, fn runs immediately.
func (e *Event) addDoneHook(fn func(opErr *Error)) {
	e.mu.Lock()
	if e.state == EventPending {
		e.hooks = append(e.hooks, fn)
		e.mu.Unlock()
		return
	}
	opErr := e.err
	e.mu.Unlock()
	fn(opErr)
}

// Destroy releases the plugin-side event object. Idempotent. The Event
// remains queryable afterwards; only the native handle is gone.
func (e *Event) Destroy() error {
	e.mu.Lock()
	native := e.native
	e.native = 0
	e.mu.Unlock()
	if native == 0 {
		return nil
	}
	if errh := e.plugin.api.EventDestroy(native); errh != 0 {
		return errors.WithMessage(errorFromHandle(e.plugin.api, errh), "destroying event")
	}
	return nil
}
