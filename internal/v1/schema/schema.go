// Package schema declares the closed set of wire message kinds and
// validates every inbound message against a struct-tag grammar before
// any effectful work happens. Grammar() exports that grammar as a
// language-neutral description external clients can generate parsers
// from, replacing a protoc-based toolchain with something that needs no
// codegen step.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind is one of the closed set of message kinds carried by the envelope.
type Kind string

const (
	KindHandshake      Kind = "handshake"
	KindIntent         Kind = "intent"
	KindIntentResult   Kind = "intent_result"
	KindEvent          Kind = "event"
	KindStateSync      Kind = "state_sync"
	KindAck            Kind = "ack"
	KindReplayRequest  Kind = "replay_request"
	KindReplayResponse Kind = "replay_response"
	KindFSMTransition  Kind = "fsm_transition"
	KindError          Kind = "error"
)

// Envelope is the common wire wrapper for every message kind.
type Envelope struct {
	Type      Kind            `json:"type" validate:"required,oneof=handshake intent intent_result event state_sync ack replay_request replay_response fsm_transition error"`
	RoomCode  string          `json:"roomCode,omitempty" validate:"omitempty,min=4,max=8,alphanum"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// Handshake is the first message a connection must send.
type Handshake struct {
	Token string `json:"token" validate:"required"`
	Role  string `json:"role" validate:"required,oneof=player host-control host-display"`
}

// Intent is a client's request to mutate room state.
type Intent struct {
	ID        string         `json:"id" validate:"required,uuid4"`
	Action    string         `json:"action" validate:"required"`
	PlayerID  string         `json:"playerId" validate:"required"`
	Data      map[string]any `json:"data,omitempty"`
	Version   *uint64        `json:"version,omitempty"`
	IdemKey   string         `json:"idempotencyKey,omitempty"`
}

// IntentResult relays the outcome of a processed intent to its submitter.
type IntentResult struct {
	Success  bool   `json:"success"`
	IntentID string `json:"intentId" validate:"required"`
	EventID  string `json:"eventId,omitempty"`
	Version  uint64 `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event is the authoritative record of a state change.
type Event struct {
	ID       string         `json:"id" validate:"required"`
	Type     string         `json:"type" validate:"required"`
	Version  uint64         `json:"version" validate:"required"`
	Data     map[string]any `json:"data,omitempty"`
	IntentID string         `json:"intentId,omitempty"`
}

// StateSync carries a full or delta state broadcast.
type StateSync struct {
	Version     uint64         `json:"version" validate:"required"`
	Full        bool           `json:"full"`
	State       map[string]any `json:"state,omitempty"`
	Patch       map[string]any `json:"patch,omitempty"`
	DeletedKeys []string       `json:"deletedKeys,omitempty"`
}

// Ack acknowledges receipt of a version.
type Ack struct {
	Version         uint64 `json:"version" validate:"required"`
	MessageType     string `json:"messageType" validate:"required"`
	ClientTimestamp *int64 `json:"clientTimestamp,omitempty"`
}

// ReplayRequest asks for catch-up from a version or timestamp.
type ReplayRequest struct {
	FromVersion   *uint64 `json:"fromVersion,omitempty"`
	FromTimestamp *int64  `json:"fromTimestamp,omitempty"`
}

// ReplayResponse answers a ReplayRequest with a base snapshot and the
// events since it.
type ReplayResponse struct {
	SnapshotVersion uint64         `json:"snapshotVersion"`
	Snapshot        map[string]any `json:"snapshot,omitempty"`
	Events          []Event        `json:"events"`
}

// FSMTransition announces a lifecycle state change.
type FSMTransition struct {
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// Error is a stable-coded error reply.
type Error struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
}

var validate = validator.New()

// Validate runs the struct-tag grammar against msg, returning every
// field failure joined into a single error.
func Validate(msg any) error {
	if err := validate.Struct(msg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			var parts []string
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("schema validation failed: %s", strings.Join(parts, "; "))
		}
		return err
	}
	return nil
}

// FieldGrammar is one field's exportable grammar description.
type FieldGrammar struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Rules string `json:"rules,omitempty"`
}

// Grammar walks a message struct's reflect.Type and produces its
// language-neutral field grammar, keyed by JSON field name. External
// client generators consume this instead of a .proto file.
func Grammar(msg any) map[string]FieldGrammar {
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	out := make(map[string]FieldGrammar, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		jsonTag := strings.Split(f.Tag.Get("json"), ",")[0]
		if jsonTag == "" {
			jsonTag = f.Name
		}
		out[jsonTag] = FieldGrammar{
			Name:  jsonTag,
			Type:  f.Type.String(),
			Rules: f.Tag.Get("validate"),
		}
	}
	return out
}

// AllGrammars returns the grammar for every known message kind, suitable
// for serving from GET /schema.
func AllGrammars() map[Kind]map[string]FieldGrammar {
	return map[Kind]map[string]FieldGrammar{
		KindHandshake:      Grammar(Handshake{}),
		KindIntent:         Grammar(Intent{}),
		KindIntentResult:   Grammar(IntentResult{}),
		KindEvent:          Grammar(Event{}),
		KindStateSync:      Grammar(StateSync{}),
		KindAck:            Grammar(Ack{}),
		KindReplayRequest:  Grammar(ReplayRequest{}),
		KindReplayResponse: Grammar(ReplayResponse{}),
		KindFSMTransition:  Grammar(FSMTransition{}),
		KindError:          Grammar(Error{}),
	}
}
