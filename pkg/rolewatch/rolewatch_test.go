package rolewatch

import (
	"testing"

	"corekv/pkg/types"
)

func newTestWatcher() *Watcher {
	return &Watcher{out: make(chan RoleEvent, 8)}
}

func drain(t *testing.T, w *Watcher) []RoleEvent {
	t.Helper()
	close(w.out)
	var events []RoleEvent
	for ev := range w.out {
		events = append(events, ev)
	}
	return events
}

func TestIdleToPrimaryEmitsBecamePrimary(t *testing.T) {
	w := newTestWatcher()
	next := w.emitTransitions(types.RoleIdle, assignment{Role: "primary", Clock: 5})
	if next != types.RolePrimary {
		t.Fatalf("next role = %v, want primary", next)
	}
	events := drain(t, w)
	if len(events) != 1 || events[0].Kind != BecamePrimary {
		t.Fatalf("events = %v, want [BecamePrimary]", events)
	}
	if events[0].Clock != 5 {
		t.Fatalf("clock = %d, want 5", events[0].Clock)
	}
}

func TestPrimaryToBackEmitsLostPrimaryThenBecameBack(t *testing.T) {
	w := newTestWatcher()
	next := w.emitTransitions(types.RolePrimary, assignment{Role: "back", Clock: 10})
	if next != types.RoleBack {
		t.Fatalf("next role = %v, want back", next)
	}
	events := drain(t, w)
	if len(events) != 2 {
		t.Fatalf("events = %v, want 2", events)
	}
	if events[0].Kind != LostPrimary {
		t.Fatalf("first event = %v, want LostPrimary", events[0].Kind)
	}
	if events[1].Kind != BecameBack {
		t.Fatalf("second event = %v, want BecameBack", events[1].Kind)
	}
}

func TestSameRoleEmitsNothing(t *testing.T) {
	w := newTestWatcher()
	next := w.emitTransitions(types.RoleMirror, assignment{Role: "mirror", Clock: 1})
	if next != types.RoleMirror {
		t.Fatalf("next role = %v, want mirror", next)
	}
	if events := drain(t, w); len(events) != 0 {
		t.Fatalf("events = %v, want none", events)
	}
}

func TestDecodeAssignmentEmptyPayloadIsIdle(t *testing.T) {
	a, err := decodeAssignment(nil)
	if err != nil {
		t.Fatalf("decodeAssignment: %v", err)
	}
	if a.role() != types.RoleIdle {
		t.Fatalf("role = %v, want idle", a.role())
	}
}

func TestDecodeAssignmentMalformedPayloadErrors(t *testing.T) {
	if _, err := decodeAssignment([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
