// Package plugin declares the contract every game implements and the
// closed registry of known game kinds that stand in for dynamic
// dispatch across an ABI boundary. The plugin set is closed at build
// time: adding a game means adding a GameType and registering it, not
// loading code at runtime.
package plugin

import (
	"fmt"
	"sync"

	"github.com/partyhall/roomengine/internal/v1/fsm"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// Context is passed to Validate and OnIntent: the current room
// reference, serialized game state, players, and lifecycle position. The
// plugin must not mutate the room directly outside event application.
type Context struct {
	Room       *types.RoomState
	GameState  types.BaseGameState
	Players    map[types.PlayerID]types.Player
	GameType   types.GameType
	FSMState   fsm.State
	Round      int
	MaxRounds  int
}

// Plugin is the contract every game implements.
type Plugin interface {
	// Init is called once per game start with the room reference.
	Init(room *types.RoomState) error

	// Validate performs structural and rules validation of an intent.
	Validate(intent types.Intent, ctx Context) bool

	// OnIntent executes the intent and returns its result. Must be
	// deterministic given (intent, ctx).
	OnIntent(intent types.Intent, ctx Context) types.IntentResult

	// ApplyEvent applies an event to in-memory game state. Must be
	// idempotent on repeat application.
	ApplyEvent(event types.Event, ctx Context)

	// SerializeState produces the view state for broadcast, optionally
	// personalized for a given player (e.g. hiding a correct answer from
	// non-hosts). An empty playerID means the unpersonalized view.
	SerializeState(room *types.RoomState, playerID types.PlayerID) types.BaseGameState

	// GetRenderDescriptor returns the opaque-to-core layout hint for displays.
	GetRenderDescriptor() types.RenderDescriptor

	// Cleanup releases timers and references.
	Cleanup(room *types.RoomState)

	// MigratePlayer moves a player's game-specific data from oldID to
	// newID during reconnection. Default behavior (moving the players
	// map entry and score) is handled by the room runtime; this hook
	// only needs to move plugin-private data.
	MigratePlayer(oldID, newID types.PlayerID)
}

// Factory constructs a fresh Plugin instance for one room's game.
type Factory func() Plugin

// Registry is the closed, build-time set of known game kinds.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.GameType]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.GameType]Factory)}
}

// Register adds a game kind to the closed registry. Intended to be
// called at startup only, not at runtime per-room.
func (r *Registry) Register(kind types.GameType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New instantiates a fresh Plugin for kind, or an error if kind is unknown.
func (r *Registry) New(kind types.GameType) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown game type %q", kind)
	}
	return factory(), nil
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind types.GameType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}
