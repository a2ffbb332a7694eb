package job

import (
	"fmt"
	"sync"
)

// FSM is a single job's state machine. It is safe for concurrent use; Fire
// serializes all transitions under a mutex.
type FSM struct {
	mu        sync.Mutex
	state     State
	suspended State // state Paused resumes to
}

func newFSM() *FSM {
	return &FSM{state: StateNone}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// Fire applies event, optionally disambiguating the target when a state
// allows more than one destination (e.g. Scanning--ok-->{BackingUp,
// Restoring}). target is ignored when (state, event) has exactly one
// allowed destination.
func (f *FSM) Fire(event Event, target State) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch event {
	case EventFatal:
		f.state = StateError
		return f.state, nil

	case EventDisable:
		if !CanMutate(f.state) {
			return f.state, fmt.Errorf("job: cannot disable from state %q", f.state)
		}

		f.state = StateDisabled

		return f.state, nil

	case EventResume:
		if f.state != StatePaused {
			return f.state, &errInvalidTransition{from: f.state, event: event}
		}

		f.state = f.suspended

		return f.state, nil
	}

	allowed, ok := transitions[f.state][event]
	if !ok {
		return f.state, &errInvalidTransition{from: f.state, event: event}
	}

	next := allowed[0]

	if len(allowed) > 1 {
		found := false

		for _, s := range allowed {
			if s == target {
				next = s
				found = true

				break
			}
		}

		if !found {
			return f.state, fmt.Errorf(
				"job: target state %q not among %v for event %q from %q", target, allowed, event, f.state)
		}
	}

	if event == EventPause {
		f.suspended = f.state
	}

	f.state = next

	return f.state, nil
}
