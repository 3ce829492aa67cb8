// Package handles maps Go values to opaque integer handles that can be
// handed across a foreign boundary as a context argument.
//
// Foreign code must never receive a Go pointer directly: the garbage
// collector does not know about references held on the other side. A
// Handle is a plain integer standing in for the value; the value stays
// referenced by the table until the handle is released, and the foreign
// side eventually passes the handle back so the value can be recovered.
//
// Each handle is released exactly once. Releasing a handle twice, or a
// handle that was never acquired, returns an error instead of corrupting
// the table, so double-release bugs surface as errors rather than
// use-after-free. Live counts how many handles are currently
// outstanding, which lets tests assert that every context handed out was
// reclaimed.
package handles

import (
	"sync"

	"github.com/pkg/errors"
)

// Handle is an opaque reference to a value stored in a Table.
//
// The zero Handle is never returned by Acquire and can be used as a
// "no context" sentinel at the boundary.
type Handle int

type entry struct {
	value any
	used  bool
}

// Table stores values on behalf of handles that were handed across the
// boundary. Construct isolated tables with NewTable; a package-level
// Default table is provided for the common case.
//
// Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	slots []entry
	free  []int
	live  int
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{}
}

// Default is the shared table used when no isolated table is needed.
var Default = NewTable()

// Acquire stores value and returns a new non-zero handle for it.
// The value stays referenced until Release is called with the handle.
func (t *Table) Acquire(value any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live++
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx] = entry{value: value, used: true}
		return Handle(idx + 1) // Slot 0 maps to handle 1.
	}
	t.slots = append(t.slots, entry{value: value, used: true})
	return Handle(len(t.slots))
}

// Value returns the value associated with h without releasing it.
// It returns an error if h is not a live handle of this table.
func (t *Table) Value(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.indexLocked(h)
	if err != nil {
		return nil, err
	}
	return t.slots[idx].value, nil
}

// Release removes h from the table and returns the value it referred to.
// A second Release of the same handle fails: the slot may have been
// reused, and the caller's bug would otherwise free someone else's
// context.
func (t *Table) Release(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.indexLocked(h)
	if err != nil {
		return nil, err
	}
	value := t.slots[idx].value
	t.slots[idx] = entry{}
	t.free = append(t.free, idx)
	t.live--
	return value, nil
}

// Live returns the number of handles currently outstanding.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Table) indexLocked(h Handle) (int, error) {
	idx := int(h) - 1
	if idx < 0 || idx >= len(t.slots) {
		return 0, errors.Errorf("handles: invalid handle %d", h)
	}
	if !t.slots[idx].used {
		return 0, errors.Errorf("handles: handle %d already released", h)
	}
	return idx, nil
}
