// Package fsm implements the closed lifecycle state machine shared by
// every game: a fixed transition table, an append-only transition
// history, and the deterministic projection from a Room's high-level
// gameLifecycleState to an FSM state.
package fsm

import "time"

// State is one of the closed set of lifecycle phases.
type State string

const (
	StateLobby      State = "lobby"
	StateSetup      State = "setup"
	StateRoundStart State = "round_start"
	StateRoundEnd   State = "round_end"
	StateScoreboard State = "scoreboard"
	StateNextRound  State = "next_round"
	StateGameEnd    State = "game_end"
)

// table is the closed adjacency list; any edge not listed is rejected.
var table = map[State][]State{
	StateLobby:      {StateSetup},
	StateSetup:      {StateRoundStart, StateLobby},
	StateRoundStart: {StateRoundEnd, StateGameEnd},
	StateRoundEnd:   {StateScoreboard, StateGameEnd},
	StateScoreboard: {StateNextRound, StateGameEnd},
	StateNextRound:  {StateRoundStart, StateGameEnd},
	StateGameEnd:    {StateLobby},
}

// Transition is one entry in the append-only history.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Machine tracks the current state, an append-only transition history,
// and whether the machine is currently paused. Not goroutine-safe by
// itself: callers (the room actor) are expected to serialize access.
type Machine struct {
	current State
	history []Transition
	paused  bool
}

// New builds a Machine starting at StateLobby.
func New() *Machine {
	return &Machine{current: StateLobby}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// Paused reports whether the modifier flag is set.
func (m *Machine) Paused() bool {
	return m.paused
}

// SetPaused sets the pause modifier without altering the current FSM
// state, per the design decision that pause is orthogonal to the state
// machine rather than a state of its own.
func (m *Machine) SetPaused(paused bool) {
	m.paused = paused
}

// History returns the append-only transition history.
func (m *Machine) History() []Transition {
	return m.history
}

// Transition attempts to move from the current state to to. An invalid
// edge is a no-op returning false. A valid transition updates the
// current state, appends to history, and returns true so the caller can
// emit an fsm_transition message.
func (m *Machine) Transition(to State, reason string, at time.Time) bool {
	if !m.CanTransition(to) {
		return false
	}
	m.history = append(m.history, Transition{From: m.current, To: to, Timestamp: at, Reason: reason})
	m.current = to
	return true
}

// CanTransition reports whether to is a valid edge from the current state.
func (m *Machine) CanTransition(to State) bool {
	for _, candidate := range table[m.current] {
		if candidate == to {
			return true
		}
	}
	return false
}

// LifecycleState is the high-level state carried on Room.gameLifecycleState.
type LifecycleState string

const (
	LifecycleLobby    LifecycleState = "lobby"
	LifecycleStarting LifecycleState = "starting"
	LifecyclePlaying  LifecycleState = "playing"
	LifecycleRoundEnd LifecycleState = "round_end"
	LifecycleGameEnd  LifecycleState = "game_end"
	LifecyclePaused   LifecycleState = "paused"
)

// Project deterministically maps a high-level lifecycle state and the
// current FSM state to the FSM state driving the current substate. paused never
// yields its own FSM state: it is reported as the modifier preserving
// whatever state was active when the game was paused.
func Project(lifecycle LifecycleState, fsmState State) State {
	switch lifecycle {
	case LifecycleLobby:
		return StateLobby
	case LifecycleStarting:
		return StateSetup
	case LifecyclePlaying:
		if fsmState == StateNextRound {
			return StateNextRound
		}
		return StateRoundStart
	case LifecycleRoundEnd:
		return StateRoundEnd
	case LifecycleGameEnd:
		return StateGameEnd
	case LifecyclePaused:
		return fsmState
	default:
		return StateLobby
	}
}
