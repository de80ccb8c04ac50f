// Package intent implements the per-room intent pipeline: the five
// numbered steps that turn a client-submitted Intent into an applied
// Event, run by the room's single-writer actor against one dequeued
// intent at a time.
package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/partyhall/roomengine/internal/v1/dedup"
	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/replay"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// Membership answers whether a player belongs to the room and whether
// they're its host, letting the pipeline stay decoupled from the room
// runtime's own struct.
type Membership interface {
	IsMember(playerID types.PlayerID) bool
	IsHost(playerID types.PlayerID) bool
	Expired(now time.Time) bool
	Version() uint64
}

// Applier lets the pipeline take the next room version for a new event
// and record the mutation time once the event is applied to plugin
// state. The room runtime implements this; the pipeline never touches
// room fields directly.
type Applier interface {
	NextVersion() uint64
	SetLastMutation(at time.Time)
}

// Outcome is the result of processing one intent: the IntentResult to
// relay to the submitter, and the Event produced (nil on rejection).
type Outcome struct {
	Result types.IntentResult
	Event  *types.Event
}

// Pipeline processes dequeued intents against one room's plugin, dedup
// set, and replay buffer. Pipeline itself holds no room state and isn't
// safe for concurrent Process calls on the same room — callers (the
// room actor) are expected to serialize.
type Pipeline struct {
	dedup   *dedup.Set
	replay  *replay.Buffer
	plugin  plugin.Plugin
}

// New builds a Pipeline wired to one room's dedup set, replay buffer,
// and plugin instance.
func New(dedupSet *dedup.Set, replayBuf *replay.Buffer, gamePlugin plugin.Plugin) *Pipeline {
	return &Pipeline{dedup: dedupSet, replay: replayBuf, plugin: gamePlugin}
}

// Process runs the five numbered steps against one intent. now is
// supplied by the caller rather than taken from time.Now() so the room
// actor's clock stays the single source of truth.
func (p *Pipeline) Process(ctx context.Context, it types.Intent, membership Membership, applier Applier, pctx plugin.Context, now time.Time) Outcome {
	// 1. room not expired, player is a member (or host for host-scoped intents).
	if membership.Expired(now) {
		return reject(it, types.ErrExpired, "room has expired")
	}
	if !membership.IsMember(it.PlayerID) && !membership.IsHost(it.PlayerID) {
		return reject(it, types.ErrUnauthorized, "player is not a member of this room")
	}

	// 2. dedup by intent id. A repeat submission is answered with the
	// exact IntentResult the first submission produced, not a rejection:
	// intents must be idempotent under at-least-once delivery.
	if cached, ok := p.dedup.Result(it.ID, now); ok {
		return Outcome{Result: cached}
	}

	// 3. plugin.validate.
	if !p.plugin.Validate(it, pctx) {
		return reject(it, types.ErrValidationFailed, "rejected by game rules")
	}

	// 4. plugin.onIntent.
	result := p.plugin.OnIntent(it, pctx)
	if !result.Success {
		p.dedup.MarkProcessed(it.ID, now, result)
		return Outcome{Result: result}
	}

	// 4a-d. bump version, construct event, apply, append to replay, mark processed.
	version := applier.NextVersion()
	ev := types.Event{
		ID:        eventID(it),
		Type:      it.Action,
		RoomCode:  it.RoomCode,
		Timestamp: now,
		Version:   version,
		Data:      it.Data,
		IntentID:  it.ID,
	}

	p.plugin.ApplyEvent(ev, pctx)
	applier.SetLastMutation(now)
	p.replay.Append(ev)

	result.EventID = ev.ID
	result.Version = ev.Version
	p.dedup.MarkProcessed(it.ID, now, result)
	return Outcome{Result: result, Event: &ev}
}

func reject(it types.Intent, code types.ErrorCode, message string) Outcome {
	return Outcome{Result: types.IntentResult{
		Success:  false,
		IntentID: it.ID,
		Error:    fmt.Sprintf("%s: %s", code, message),
	}}
}

func eventID(it types.Intent) string {
	if it.IdemKey != "" {
		return it.IdemKey
	}
	return it.ID
}
