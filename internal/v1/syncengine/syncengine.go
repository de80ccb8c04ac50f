// Package syncengine computes the state_sync payloads a room broadcasts:
// it decides delta vs full per broadcast, builds the replay_request and
// resync catch-up responses, and maps FSM transitions to sound hints. It
// sends nothing itself; the room actor sends its output, and builds the
// player_roster broadcast on its own. There is no settings_update message.
package syncengine

import (
	"time"

	"github.com/partyhall/roomengine/internal/v1/delta"
	"github.com/partyhall/roomengine/internal/v1/fsm"
	"github.com/partyhall/roomengine/internal/v1/replay"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/snapshot"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// SoundHint is the opaque-to-core cue the sync engine emits alongside
// certain FSM transitions.
type SoundHint string

const (
	HintGameStart SoundHint = "game_start"
	HintRoundEnd  SoundHint = "round_end"
	HintGameEnd   SoundHint = "game_end"
)

// criticalStates force a full broadcast rather than a delta.
var criticalStates = map[fsm.State]bool{
	fsm.StateLobby:   true,
	fsm.StateSetup:   true,
	fsm.StateGameEnd: true,
}

// Config controls the full-vs-delta decision thresholds.
type Config struct {
	FullEveryNBroadcasts int // send full after this many deltas since the last full
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{FullEveryNBroadcasts: 10}
}

// Engine computes and emits broadcasts for one room. It holds the last
// full state sent (for delta diffing) and tracks clients' last-known
// versions for the "unknown version" full-broadcast rule.
type Engine struct {
	cfg Config

	lastFull           map[string]any
	deltasSinceFull     int
	lastKnownVersion    map[types.PlayerID]uint64

	replayBuf *replay.Buffer
	snapStore *snapshot.Store
}

// New builds an Engine for one room, wired to its replay buffer and
// snapshot store for replay_request/resync handling.
func New(cfg Config, replayBuf *replay.Buffer, snapStore *snapshot.Store) *Engine {
	return &Engine{
		cfg:              cfg,
		lastKnownVersion: make(map[types.PlayerID]uint64),
		replayBuf:        replayBuf,
		snapStore:        snapStore,
	}
}

// Broadcast is what the room actor hands to the transport layer: the
// envelope to send, and the list of recipients it was computed for.
type Broadcast struct {
	Payload    schema.StateSync
	Recipients []types.PlayerID
}

// ComputeStateSync decides full vs delta and produces the broadcast
// payload for the current state, given the FSM state driving whether
// this is a critical transition.
func (e *Engine) ComputeStateSync(version uint64, state map[string]any, fsmState fsm.State, justTransitioned bool, recipients []types.PlayerID) (Broadcast, error) {
	sendFull := e.lastFull == nil ||
		(justTransitioned && criticalStates[fsmState]) ||
		e.deltasSinceFull >= e.cfg.FullEveryNBroadcasts

	if sendFull {
		e.lastFull = cloneState(state)
		e.deltasSinceFull = 0
		for _, r := range recipients {
			e.lastKnownVersion[r] = version
		}
		return Broadcast{
			Payload:    schema.StateSync{Version: version, Full: true, State: state},
			Recipients: recipients,
		}, nil
	}

	patch, err := delta.Diff(e.lastFull, state)
	if err != nil {
		return Broadcast{}, err
	}
	e.lastFull = cloneState(state)
	e.deltasSinceFull++
	for _, r := range recipients {
		e.lastKnownVersion[r] = version
	}

	return Broadcast{
		Payload: schema.StateSync{
			Version:     version,
			Full:        false,
			Patch:       patch,
			DeletedKeys: patch.DeletedKeys(),
		},
		Recipients: recipients,
	}, nil
}

// SyncToPlayer produces a personalized full-state broadcast for a
// single player, used on join. personalizedState should come from
// plugin.SerializeState(room, playerID).
func (e *Engine) SyncToPlayer(version uint64, personalizedState map[string]any) Broadcast {
	return Broadcast{
		Payload:    schema.StateSync{Version: version, Full: true, State: personalizedState},
		Recipients: nil,
	}
}

// Changed reports whether state differs from the last state broadcast
// (full or as the base of a delta). A nil lastFull (nothing broadcast
// yet) always reports changed.
func (e *Engine) Changed(state map[string]any) bool {
	if e.lastFull == nil {
		return true
	}
	return !delta.Equal(e.lastFull, state)
}

// NeedsFullBroadcast reports whether recipient's last-known version is
// unknown, requiring a full rather than a delta the next time they're synced.
func (e *Engine) NeedsFullBroadcast(recipient types.PlayerID) bool {
	_, known := e.lastKnownVersion[recipient]
	return !known
}

// Forget drops a recipient's last-known-version tracking, e.g. on leave.
func (e *Engine) Forget(recipient types.PlayerID) {
	delete(e.lastKnownVersion, recipient)
}

// ReplayCatchUp answers a replay_request (or a missed-ACK resync) with
// the snapshot at or before the requested point, plus events since it.
func (e *Engine) ReplayCatchUp(req schema.ReplayRequest, currentVersion uint64) (schema.ReplayResponse, error) {
	target := currentVersion
	switch {
	case req.FromVersion != nil:
		target = *req.FromVersion
	case req.FromTimestamp != nil:
		at := time.UnixMilli(*req.FromTimestamp)
		if v, ok := e.replayBuf.VersionAtOrBefore(at); ok {
			target = v
		} else {
			target = 0
		}
	}

	snap, stale, ok := e.snapStore.AtOrBelow(target)
	resp := schema.ReplayResponse{}
	if ok {
		state, err := snapshot.Decode(snap)
		if err != nil {
			return schema.ReplayResponse{}, err
		}
		resp.SnapshotVersion = snap.Version
		resp.Snapshot = state
		if stale {
			resp.Snapshot["_stale"] = true
		}
	}

	events := e.replayBuf.Since(resp.SnapshotVersion)
	wireEvents := make([]schema.Event, 0, len(events))
	for _, ev := range events {
		wireEvents = append(wireEvents, schema.Event{
			ID:       ev.ID,
			Type:     ev.Type,
			Version:  ev.Version,
			Data:     ev.Data,
			IntentID: ev.IntentID,
		})
	}
	resp.Events = wireEvents
	return resp, nil
}

// ResyncRecipient is a convenience wrapping ReplayCatchUp for the
// ACK-tracker's timeout callback: it always replays from the
// recipient's last-known version.
func (e *Engine) ResyncRecipient(recipient types.PlayerID, currentVersion uint64) (schema.ReplayResponse, error) {
	from := e.lastKnownVersion[recipient]
	return e.ReplayCatchUp(schema.ReplayRequest{FromVersion: &from}, currentVersion)
}

// TransitionHint returns the sound hint (if any) for entering state to.
func TransitionHint(to fsm.State) (SoundHint, bool) {
	switch to {
	case fsm.StateRoundStart:
		return HintGameStart, true
	case fsm.StateRoundEnd:
		return HintRoundEnd, true
	case fsm.StateGameEnd:
		return HintGameEnd, true
	default:
		return "", false
	}
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// ScanInterval is the periodic scanner cadence (≈10 Hz) the room actor
// reenters its own queue with to compare plugin state to the last
// broadcast and transmit on real change.
func ScanInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = 10
	}
	return time.Duration(float64(time.Second) / hz)
}
