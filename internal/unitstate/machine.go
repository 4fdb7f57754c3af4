// Package unitstate implements the per-unit state machine that reconciles
// out-of-order D-Bus messages using systemd's monotonic timestamps.
package unitstate

import "github.com/rathix/buswatch/internal/activestate"

// Change describes a transition observed by a Machine. Old is nil exactly
// when the Machine was just created.
type Change struct {
	Unit    string
	Old     *activestate.State
	New     activestate.State
	StampUS uint64
}

// OnChange is invoked once at creation and again for every subsequent
// transition that changes State. It is never invoked for a bare timestamp
// advance.
type OnChange func(Change)

// Machine holds the (state, monotonic timestamp) pair for a single unit.
// It is not safe for concurrent use; a bus watcher owns one Machine per
// unit name in a private map, accessed only from its own goroutine.
type Machine struct {
	unit    string
	state   activestate.State
	stampUS uint64
}

// New constructs a Machine and unconditionally fires onChange once, with
// Old == nil. This is the distinguished none -> state edge.
func New(unit string, state activestate.State, stampUS uint64, onChange OnChange) *Machine {
	m := &Machine{unit: unit, state: state, stampUS: stampUS}
	onChange(Change{Unit: unit, Old: nil, New: state, StampUS: stampUS})
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() activestate.State { return m.state }

// Timestamp returns the current monotonic timestamp.
func (m *Machine) Timestamp() uint64 { return m.stampUS }

// Update applies a newly observed (state, timestamp) pair.
//
// If stampUS is not strictly newer than the stored timestamp, the call is a
// no-op: both state and timestamp are left untouched and onChange is not
// invoked, even if state differs from the current state. This is what lets
// the watcher discard a stale bootstrap reply that arrives after a fresher
// signal already advanced the machine.
//
// Otherwise the timestamp is always advanced, and onChange fires iff the
// new state differs from the old one.
func (m *Machine) Update(state activestate.State, stampUS uint64, onChange OnChange) {
	if stampUS <= m.stampUS {
		return
	}
	m.stampUS = stampUS
	if state == m.state {
		return
	}
	old := m.state
	m.state = state
	onChange(Change{Unit: m.unit, Old: &old, New: state, StampUS: stampUS})
}
