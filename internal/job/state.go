// Package job implements the job controller (spec §4.8): a per-job state
// machine, a single global worker loop that serializes runs, and a cron
// schedule registry. It orchestrates the scanner, index cache, remote
// client, reconciler, and upload engine (spec §2: "H orchestrates B/E/G/F").
package job

import "fmt"

// State is one node of the job state machine (spec §4.8).
type State int

// States named in the spec §4.8 transition diagram.
const (
	StateNone State = iota
	StateInitializing
	StateStarting
	StateIdle
	StateQueued
	StateScanning
	StateBackingUp
	StateRestoring
	StateVerifying
	StatePaused
	StateCancelling
	StateCancelled
	StateDisabled
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateScanning:
		return "scanning"
	case StateBackingUp:
		return "backing_up"
	case StateRestoring:
		return "restoring"
	case StateVerifying:
		return "verifying"
	case StatePaused:
		return "paused"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateDisabled:
		return "disabled"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a trigger the controller fires against a job's FSM.
type Event int

// Events named in the spec §4.8 transition diagram.
const (
	EventInitialize Event = iota
	EventOk
	EventEnqueue
	EventRun
	EventPause
	EventResume
	EventCancel
	EventDrained
	EventDisable
	EventEnable
	EventFatal
)

func (e Event) String() string {
	switch e {
	case EventInitialize:
		return "initialize"
	case EventOk:
		return "ok"
	case EventEnqueue:
		return "enqueue"
	case EventRun:
		return "run"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventCancel:
		return "cancel"
	case EventDrained:
		return "drained"
	case EventDisable:
		return "disable"
	case EventEnable:
		return "enable"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// mutableStates is the set configuration mutations (and Disable) are
// permitted in (spec §4.8 invariants: "configuration mutations are rejected
// unless state ∈ {Idle, Error, Cancelled, Disabled, Completed}").
var mutableStates = map[State]bool{
	StateIdle:      true,
	StateError:     true,
	StateCancelled: true,
	StateDisabled:  true,
	StateCompleted: true,
}

// CanMutate reports whether a Config may be changed while a job sits in s.
func CanMutate(s State) bool {
	return mutableStates[s]
}

// transitions maps (state, event) to the set of states Fire may move to.
// EventFatal (valid from any state) and EventDisable/EventResume (resolved
// against mutableStates or the suspended state) are handled directly in
// FSM.Fire rather than repeated here for every state.
var transitions = map[State]map[Event][]State{
	StateNone:         {EventInitialize: {StateInitializing}},
	StateInitializing: {EventOk: {StateStarting}},
	StateStarting:     {EventOk: {StateIdle}},
	StateIdle:         {EventEnqueue: {StateQueued}},
	StateQueued: {
		EventRun:    {StateScanning},
		EventCancel: {StateCancelling},
	},
	StateScanning: {
		EventOk:     {StateBackingUp, StateRestoring},
		EventCancel: {StateCancelling},
	},
	StateBackingUp: {
		EventOk:     {StateVerifying},
		EventPause:  {StatePaused},
		EventCancel: {StateCancelling},
	},
	StateRestoring: {
		EventOk:     {StateVerifying},
		EventPause:  {StatePaused},
		EventCancel: {StateCancelling},
	},
	StateVerifying: {
		EventOk: {StateIdle, StateCompleted},
	},
	StatePaused: {
		EventCancel: {StateCancelling},
	},
	StateCancelling: {EventDrained: {StateCancelled}},
	StateCancelled:  {EventOk: {StateIdle}},
	StateError:      {EventOk: {StateIdle}},
	StateDisabled:   {EventEnable: {StateNone}},
}

// errInvalidTransition reports an event fired from a state that does not
// permit it.
type errInvalidTransition struct {
	from  State
	event Event
}

func (e *errInvalidTransition) Error() string {
	return fmt.Sprintf("job: event %q not valid from state %q", e.event, e.from)
}
