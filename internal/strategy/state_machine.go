package strategy

import "sync"

// StateMachine tracks whether the control loop is running. Illegal events
// leave the state unchanged.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateStopped}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanApply reports whether event is legal from the current state.
func (s *StateMachine) CanApply(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextState(s.state, event) != s.state
}

func nextState(current State, event Event) State {
	switch current {
	case StateStopped:
		if event == EventStart {
			return StateRunning
		}
	case StateRunning:
		if event == EventStop {
			return StateStopped
		}
	}
	return current
}
