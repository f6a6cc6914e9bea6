// Package channel implements the call-leg state machine: the two-phase
// state/running-state model with its transition table, flags, caller
// profiles, variables, DTMF buffering and lifecycle events.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/looplab/fsm"
)

// State is a channel state. The order is significant: everything at or past
// StateHangup is on the way out.
type State int

const (
	StateNew State = iota
	StateInit
	StateRouting
	StateTransmit
	StateExecute
	StateLoopback
	StatePark
	StateHold
	StateHibernate
	StateReset
	StateHangup
	StateDone
	stateCount
)

var stateNames = [stateCount]string{
	StateNew:       "CS_NEW",
	StateInit:      "CS_INIT",
	StateRouting:   "CS_ROUTING",
	StateTransmit:  "CS_TRANSMIT",
	StateExecute:   "CS_EXECUTE",
	StateLoopback:  "CS_LOOPBACK",
	StatePark:      "CS_PARK",
	StateHold:      "CS_HOLD",
	StateHibernate: "CS_HIBERNATE",
	StateReset:     "CS_RESET",
	StateHangup:    "CS_HANGUP",
	StateDone:      "CS_DONE",
}

func (s State) String() string {
	if s < 0 || s >= stateCount {
		return "CS_UNKNOWN"
	}
	return stateNames[s]
}

// ParseState accepts "CS_EXECUTE", "execute" and the legacy alias "RING".
func ParseState(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "CS_")
	if n == "RING" {
		return StateRouting, nil
	}
	for i, s := range stateNames {
		if s[len("CS_"):] == n {
			return State(i), nil
		}
	}
	return StateNew, fmt.Errorf("unknown channel state %q", name)
}

// everything a live channel can move to
var liveStates = []State{
	StateInit, StateRouting, StateTransmit, StateExecute, StateLoopback,
	StatePark, StateHold, StateHibernate, StateReset,
}

// successors is the validated transition table. StateHangup is absent from
// every live row: hangup is forced through Hangup and never validated.
var successors = map[State][]State{
	StateNew:       liveStates,
	StateReset:     liveStates,
	StateInit:      {StateTransmit, StateLoopback, StateRouting, StateExecute, StatePark, StateHold, StateHibernate, StateReset},
	StateTransmit:  {StateLoopback, StateRouting, StateExecute, StatePark, StateHold, StateHibernate, StateReset},
	StateLoopback:  {StateTransmit, StateRouting, StateExecute, StatePark, StateHold, StateHibernate, StateReset},
	StateRouting:   {StateTransmit, StateExecute, StateLoopback, StatePark, StateHold, StateHibernate, StateReset},
	StateExecute:   {StateTransmit, StateLoopback, StateRouting, StatePark, StateHold, StateHibernate, StateReset},
	StatePark:      {StateTransmit, StateRouting, StateExecute, StateLoopback, StateHold, StateHibernate, StateReset},
	StateHold:      {StateTransmit, StateRouting, StateExecute, StateLoopback, StatePark, StateHibernate, StateReset},
	StateHibernate: {StateTransmit, StateInit, StateRouting, StateExecute, StateLoopback, StatePark, StateHold, StateReset},
	StateHangup:    {StateDone},
	StateDone:      nil,
}

// CanTransition reports whether from → to is in the validated table.
func CanTransition(from, to State) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionEvents has one fsm event per destination state, named after it.
var transitionEvents = buildTransitionEvents()

func buildTransitionEvents() fsm.Events {
	events := make(fsm.Events, 0, stateCount)
	for to := State(0); to < stateCount; to++ {
		var src []string
		for from := State(0); from < stateCount; from++ {
			if CanTransition(from, to) {
				src = append(src, from.String())
			}
		}
		if len(src) > 0 {
			events = append(events, fsm.EventDesc{Name: to.String(), Src: src, Dst: to.String()})
		}
	}
	return events
}

func newStateMachine(initial State) *fsm.FSM {
	return fsm.NewFSM(initial.String(), transitionEvents, fsm.Callbacks{})
}

var (
	ErrInvalidTransition = errors.New("invalid channel state transition")
	ErrChannelDown       = errors.New("channel is hung up")
)

// TransitionError describes a rejected SetState.
type TransitionError struct {
	UUID string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("channel %s: %s -> %s: %v", e.UUID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ViolationHandler is called for an invalid transition requested before
// hangup. Such a request is a caller bug; the default handler panics.
type ViolationHandler func(ch *Channel, err *TransitionError)

// PanicOnViolation is the default ViolationHandler.
func PanicOnViolation(_ *Channel, err *TransitionError) {
	panic(err)
}
