package strategy

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, sm.Current())
	}
	if sm.Apply(EventStart) != StateRunning {
		t.Fatalf("expected %s, got %s", StateRunning, sm.Current())
	}
	if sm.Apply(EventStop) != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, sm.Current())
	}
	if sm.Apply(EventStart) != StateRunning {
		t.Fatalf("expected restart to reach %s, got %s", StateRunning, sm.Current())
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if sm.CanApply(EventStop) {
		t.Fatalf("stop should be illegal while stopped")
	}
	if sm.Apply(EventStop) != StateStopped {
		t.Fatalf("invalid transition should not change state")
	}
	sm.Apply(EventStart)
	if sm.CanApply(EventStart) {
		t.Fatalf("start should be illegal while running")
	}
	if sm.Apply(EventStart) != StateRunning {
		t.Fatalf("invalid transition should not change state")
	}
}
