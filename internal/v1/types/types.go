// Package types defines the shared domain model and cross-package
// interfaces for the room engine: rooms, players, intents, events,
// snapshots, and the collaborator interfaces (plugin, bus, token
// validator, persistence) that let the leaf packages stay decoupled from
// each other.
package types

import (
	"context"
	"time"
)

// RoomCode identifies a room: a short, uppercase, confusable-free code.
type RoomCode string

// PlayerID identifies a player within a room.
type PlayerID string

// GameType tags which plugin governs a room's current game.
type GameType string

// ConnectionRole is the role a transport connection authenticated as.
type ConnectionRole string

const (
	ConnectionRolePlayer      ConnectionRole = "player"
	ConnectionRoleHostControl ConnectionRole = "host-control"
	ConnectionRoleHostDisplay ConnectionRole = "host-display"
)

// PlayerStatus is the connectedness of a Player record.
type PlayerStatus string

const (
	PlayerStatusConnected    PlayerStatus = "connected"
	PlayerStatusDisconnected PlayerStatus = "disconnected"
	PlayerStatusSpectating   PlayerStatus = "spectating"
)

// Player is a member of a Room. The Room owns Players; a Player only
// refers back to its room by code, never by pointer, so ownership is
// never cyclic.
type Player struct {
	ID        PlayerID     `json:"id"`
	Name      string       `json:"name"`
	Avatar    string       `json:"avatar,omitempty"`
	Status    PlayerStatus `json:"status"`
	Score     int          `json:"score"`
	JoinedAt  time.Time    `json:"joinedAt"`
	LastSeen  time.Time    `json:"lastSeen"`
	Language  string       `json:"language,omitempty"`
}

// Settings are the host-configurable parameters of a Room.
type Settings struct {
	MaxPlayers int            `json:"maxPlayers"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// RoomState is the serializable snapshot of a Room's core fields (data
// model §3). The runtime Room (internal/v1/room) keeps these fields
// itself and builds a RoomState from them on demand.
type RoomState struct {
	Code                RoomCode            `json:"code"`
	HostID              PlayerID            `json:"hostId"`
	CreatedAt           time.Time           `json:"createdAt"`
	ExpiresAt           time.Time           `json:"expiresAt"`
	CurrentGame         GameType            `json:"currentGame,omitempty"`
	GameLifecycleState  string              `json:"gameLifecycleState"`
	Players             map[PlayerID]Player `json:"players"`
	Settings            Settings            `json:"settings"`
	Version             uint64              `json:"version"`
	LastMutation        time.Time           `json:"lastMutation"`
	Paused              bool                `json:"paused"`
	Round               int                 `json:"round"`
	MaxRounds           int                 `json:"maxRounds"`
}

// Expired reports whether the room has passed its TTL.
func (rs *RoomState) Expired(now time.Time) bool {
	return now.After(rs.ExpiresAt)
}

// IntentStatus is the lifecycle state of a submitted Intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusApproved  IntentStatus = "approved"
	IntentStatusRejected  IntentStatus = "rejected"
	IntentStatusProcessed IntentStatus = "processed"
)

// Intent is a client's request to change room state. Immutable after
// submission except for Status, which only the intent pipeline mutates.
type Intent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PlayerID   PlayerID        `json:"playerId"`
	RoomCode   RoomCode        `json:"roomCode"`
	Action     string          `json:"action"`
	Data       map[string]any  `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Version    *uint64         `json:"version,omitempty"`
	Status     IntentStatus    `json:"status"`
	IdemKey    string          `json:"idempotencyKey,omitempty"`
}

// Event is the authoritative, ordered record of a state change.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RoomCode  RoomCode       `json:"roomCode"`
	Timestamp time.Time      `json:"timestamp"`
	Version   uint64         `json:"version"`
	Data      map[string]any `json:"data,omitempty"`
	IntentID  string         `json:"intentId,omitempty"`
}

// Snapshot is a full, versioned, optionally compressed capture of a
// room's state.
type Snapshot struct {
	RoomCode   RoomCode  `json:"roomCode"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	Compressed bool      `json:"compressed"`
	Data       []byte    `json:"data"`
}

// IntentResult is what the plugin returns from onIntent, and what the
// intent pipeline relays back to the submitter.
type IntentResult struct {
	Success  bool   `json:"success"`
	IntentID string `json:"intentId"`
	EventID  string `json:"eventId,omitempty"`
	Version  uint64 `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RenderDescriptor is an opaque-to-core layout hint for displays.
type RenderDescriptor struct {
	Layout string         `json:"layout"`
	Data   map[string]any `json:"data,omitempty"`
}

// BaseGameState is the view-state a plugin serializes for broadcast; it
// may be personalized per player (e.g. hiding the correct answer).
type BaseGameState map[string]any

// TokenValidator authenticates a bearer token into claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (Claims, error)
}

// Claims is the minimal set of authenticated facts the room engine needs
// about a connection, independent of the JWT library used to produce it.
type Claims struct {
	Subject string
	Name    string
	Email   string
	Role    ConnectionRole
}

// BusService is the optional cross-instance fan-out interface. A nil
// BusService (or one backed by no real broker) must leave the engine
// fully functional in single-instance mode.
type BusService interface {
	Publish(ctx context.Context, roomCode string, event string, payload any) error
	Subscribe(ctx context.Context, roomCode string, handler func(event string, payload []byte))
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store is the narrow persistence interface the core consumes. The core
// must function in-memory-only if every method is a no-op.
type Store interface {
	LoadActiveRooms(ctx context.Context) ([]RoomState, error)
	UpsertRoom(ctx context.Context, state RoomState) error
	DeleteRoom(ctx context.Context, code RoomCode) error
	LoadPlayerTokens(ctx context.Context, code RoomCode) ([]PlayerToken, error)
	SavePlayerToken(ctx context.Context, token PlayerToken) error
}

// PlayerToken binds a reconnect token to a player identity within a room,
// so a dropped connection can be resolved back to its Player record.
type PlayerToken struct {
	Token    string   `json:"token"`
	RoomCode RoomCode `json:"roomCode"`
	PlayerID PlayerID `json:"playerId"`
	IssuedAt time.Time `json:"issuedAt"`
}

// ErrorCode is one of the stable taxonomy codes from spec §7.
type ErrorCode string

const (
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrDuplicate        ErrorCode = "DUPLICATE"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrInternal         ErrorCode = "INTERNAL"
	ErrExpired          ErrorCode = "EXPIRED"
)

// RoomError is the structured error type carried through the pipeline so
// every boundary (transport, dispatcher, intent pipeline) can surface a
// stable code instead of matching on error strings.
type RoomError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *RoomError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RoomError) Unwrap() error {
	return e.Err
}

// NewError builds a RoomError with no wrapped cause.
func NewError(code ErrorCode, message string) *RoomError {
	return &RoomError{Code: code, Message: message}
}

// WrapError builds a RoomError wrapping an underlying cause.
func WrapError(code ErrorCode, message string, err error) *RoomError {
	return &RoomError{Code: code, Message: message, Err: err}
}
