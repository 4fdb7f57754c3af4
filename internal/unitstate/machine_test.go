package unitstate

import (
	"testing"

	"github.com/rathix/buswatch/internal/activestate"
)

func TestNewAlwaysFiresWithNilOld(t *testing.T) {
	var got *Change
	New("a.service", activestate.Active, 100, func(c Change) {
		got = &c
	})
	if got == nil {
		t.Fatal("onChange not invoked on construction")
	}
	if got.Old != nil {
		t.Errorf("Old = %v, want nil", *got.Old)
	}
	if got.New != activestate.Active || got.StampUS != 100 {
		t.Errorf("unexpected change: %+v", got)
	}
}

func TestUpdateNoopOnStaleOrEqualTimestamp(t *testing.T) {
	m := New("a.service", activestate.Active, 100, func(Change) {})
	fired := false
	m.Update(activestate.Failed, 100, func(Change) { fired = true })
	if fired {
		t.Error("onChange fired on equal timestamp")
	}
	if m.State() != activestate.Active || m.Timestamp() != 100 {
		t.Errorf("state mutated on equal-timestamp update: %v %d", m.State(), m.Timestamp())
	}

	m.Update(activestate.Failed, 50, func(Change) { fired = true })
	if fired {
		t.Error("onChange fired on stale (older) timestamp")
	}
	if m.State() != activestate.Active || m.Timestamp() != 100 {
		t.Errorf("state mutated on stale update: %v %d", m.State(), m.Timestamp())
	}
}

func TestUpdateFiresOnlyWhenStateChanges(t *testing.T) {
	m := New("a.service", activestate.Active, 100, func(Change) {})

	fired := false
	m.Update(activestate.Active, 200, func(Change) { fired = true })
	if fired {
		t.Error("onChange fired despite state being unchanged")
	}
	if m.Timestamp() != 200 {
		t.Errorf("timestamp not advanced on same-state update: got %d, want 200", m.Timestamp())
	}

	var got *Change
	m.Update(activestate.Deactivating, 300, func(c Change) { got = &c })
	if got == nil {
		t.Fatal("onChange did not fire on state change")
	}
	if got.Old == nil || *got.Old != activestate.Active {
		t.Errorf("Old = %v, want Active", got.Old)
	}
	if got.New != activestate.Deactivating || got.StampUS != 300 {
		t.Errorf("unexpected change: %+v", got)
	}
	if m.State() != activestate.Deactivating || m.Timestamp() != 300 {
		t.Errorf("machine not updated: %v %d", m.State(), m.Timestamp())
	}
}

func TestUpdateMonotonicAcrossMultipleTransitions(t *testing.T) {
	var history []activestate.State
	m := New("a.service", activestate.Activating, 10, func(c Change) { history = append(history, c.New) })
	m.Update(activestate.Active, 20, func(c Change) { history = append(history, c.New) })
	// Out-of-order stale message for a state that would otherwise differ.
	m.Update(activestate.Failed, 15, func(c Change) { history = append(history, c.New) })
	m.Update(activestate.Deactivating, 30, func(c Change) { history = append(history, c.New) })
	m.Update(activestate.Inactive, 40, func(c Change) { history = append(history, c.New) })

	want := []activestate.State{activestate.Activating, activestate.Active, activestate.Deactivating, activestate.Inactive}
	if len(history) != len(want) {
		t.Fatalf("history = %v, want %v", history, want)
	}
	for i, s := range want {
		if history[i] != s {
			t.Errorf("history[%d] = %v, want %v", i, history[i], s)
		}
	}
	if m.Timestamp() != 40 {
		t.Errorf("final timestamp = %d, want 40", m.Timestamp())
	}
}
