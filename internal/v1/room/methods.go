package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"encoding/json"

	"github.com/partyhall/roomengine/internal/v1/fsm"
	"github.com/partyhall/roomengine/internal/v1/intent"
	"github.com/partyhall/roomengine/internal/v1/metrics"
	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/security"
	"github.com/partyhall/roomengine/internal/v1/syncengine"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// pluginContext builds the plugin.Context for the current state. Must
// only be called from the actor goroutine.
func (r *Room) pluginContext() plugin.Context {
	state := r.stateLocked()
	var view types.BaseGameState
	if r.gamePlugin != nil {
		view = r.gamePlugin.SerializeState(state, "")
	}
	return plugin.Context{
		Room:      state,
		GameState: view,
		Players:   state.Players,
		GameType:  r.currentGame,
		FSMState:  r.fsmMachine.Current(),
		Round:     r.round,
		MaxRounds: r.maxRounds,
	}
}

// Join adds a player to the room, enforcing the configured player cap.
// Errors are returned synchronously via a result channel since Join
// happens before a connection has anywhere else to receive a reply.
func (r *Room) Join(player types.Player) <-chan error {
	result := make(chan error, 1)
	r.enqueue(func() {
		if len(r.players) >= r.settings.MaxPlayers && r.settings.MaxPlayers > 0 {
			result <- types.NewError(types.ErrValidationFailed, "room is full")
			return
		}
		player.Status = types.PlayerStatusConnected
		player.JoinedAt = time.Now()
		player.LastSeen = player.JoinedAt
		r.syncMutate(func() { r.players[player.ID] = player })
		r.broadcastRoster()
		r.syncNewPlayer(player.ID)
		result <- nil
	})
	return result
}

// Leave marks a player disconnected and emits the authoritative roster
// broadcast. If the departing player is the host, host-disconnect
// policy (auto-pause) applies.
func (r *Room) Leave(playerID types.PlayerID) {
	r.enqueue(func() {
		p, ok := r.players[playerID]
		if !ok {
			return
		}
		p.Status = types.PlayerStatusDisconnected
		p.LastSeen = time.Now()
		r.syncMutate(func() { r.players[playerID] = p })
		r.ackTracker.Forget(playerID)
		r.sync.Forget(playerID)
		r.broadcastRoster()

		if playerID == r.hostID && r.currentGame != "" {
			r.pauseLocked("host_disconnect")
		}
	})
}

// SubmitIntent enqueues a client intent for processing through the
// intent pipeline and delivers the IntentResult back through onResult.
func (r *Room) SubmitIntent(it types.Intent, onResult func(types.IntentResult)) {
	r.enqueue(func() {
		if r.pipeline == nil {
			onResult(types.IntentResult{Success: false, IntentID: it.ID, Error: string(types.ErrConflict) + ": no active game"})
			return
		}

		now := time.Now()
		pctx := r.pluginContext()

		outcome := r.pipeline.Process(r.ctx, it, r, r, pctx, now)
		onResult(outcome.Result)

		if outcome.Event != nil {
			metrics.EventsTotal.WithLabelValues(string(r.Code)).Inc()
			metrics.IntentsTotal.WithLabelValues("success").Inc()
			r.broadcastStateChange(false)
		} else if outcome.Result.Error != "" {
			metrics.IntentsTotal.WithLabelValues("rejected").Inc()
		}
	})
}

// HandleAck records an inbound ack from playerID.
func (r *Room) HandleAck(playerID types.PlayerID, version uint64, clientSentAt *time.Time) {
	r.enqueue(func() {
		sentAt := time.Time{}
		if clientSentAt != nil {
			sentAt = *clientSentAt
		}
		r.ackTracker.Ack(playerID, version, sentAt, time.Now())
	})
}

// HandleReplayRequest answers a client's explicit replay_request.
func (r *Room) HandleReplayRequest(playerID types.PlayerID, req schema.ReplayRequest) {
	r.enqueue(func() {
		resp, err := r.sync.ReplayCatchUp(req, r.version)
		if err != nil {
			r.logger().Error("replay catch-up failed", zap.Error(err))
			return
		}
		env := schema.Envelope{Type: schema.KindReplayResponse, RoomCode: string(r.Code), Timestamp: time.Now()}
		_ = r.deps.Sender.SendTo(playerID, withPayload(env, resp))
	})
}

func (r *Room) resyncRecipient(recipient types.PlayerID, version uint64) {
	r.enqueue(func() {
		resp, err := r.sync.ResyncRecipient(recipient, r.version)
		if err != nil {
			r.logger().Error("resync failed", zap.Error(err))
			return
		}
		env := schema.Envelope{Type: schema.KindReplayResponse, RoomCode: string(r.Code), Timestamp: time.Now()}
		_ = r.deps.Sender.SendTo(recipient, withPayload(env, resp))
		r.securityLog(security.Event{
			At: time.Now(), Severity: security.SeverityMedium, RoomCode: string(r.Code),
			ActorID: string(recipient), Action: "ack_timeout_resync",
			Payload: map[string]any{"version": version},
		})
	})
}

// StartGame transitions lobby->setup, instantiates and initializes the
// game's plugin, and begins the intent pipeline for it.
func (r *Room) StartGame(hostID types.PlayerID, gameType types.GameType) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may start a game")
			return
		}
		if !r.transition(fsm.StateSetup, "game_start") {
			errc <- types.NewError(types.ErrConflict, "cannot start game from current state")
			return
		}

		p, err := r.deps.Plugins.New(gameType)
		if err != nil {
			errc <- types.WrapError(types.ErrValidationFailed, "unknown game type", err)
			return
		}
		state := r.stateLocked()
		if err := p.Init(state); err != nil {
			errc <- types.WrapError(types.ErrInternal, "plugin init failed", err)
			return
		}

		r.gamePlugin = p
		r.currentGame = gameType
		r.round = 1
		if n, ok := r.settings.Extra["maxRounds"].(float64); ok {
			r.maxRounds = int(n)
		}
		r.pipeline = intent.New(r.dedupSet, r.replayBuf, p)
		r.lifecycle = fsm.LifecycleStarting

		r.securityLog(security.Event{
			At: time.Now(), Severity: security.SeverityLow, RoomCode: string(r.Code),
			ActorID: string(hostID), Action: "game_start", Payload: map[string]any{"gameType": string(gameType)},
		})
		r.transition(fsm.StateRoundStart, "round_start")
		r.lifecycle = fsm.LifecyclePlaying
		r.broadcastStateChange(true)
		errc <- nil
	})
	return <-errc
}

// EndRound transitions round_start->round_end.
func (r *Room) EndRound(hostID types.PlayerID) error {
	return r.hostTransition(hostID, fsm.StateRoundEnd, "round_end", func() { r.lifecycle = fsm.LifecycleRoundEnd })
}

// ShowScoreboard transitions round_end->scoreboard.
func (r *Room) ShowScoreboard(hostID types.PlayerID) error {
	return r.hostTransition(hostID, fsm.StateScoreboard, "scoreboard", nil)
}

// NextRound transitions scoreboard->next_round, or straight to
// game_end if the configured round cap has been reached.
func (r *Room) NextRound(hostID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may advance rounds")
			return
		}
		if r.maxRounds > 0 && r.round >= r.maxRounds {
			r.endGameLocked("max_rounds_reached")
			errc <- nil
			return
		}
		if !r.transition(fsm.StateNextRound, "next_round") {
			errc <- types.NewError(types.ErrConflict, "cannot advance round from current state")
			return
		}
		r.round++
		r.transition(fsm.StateRoundStart, "round_start")
		r.lifecycle = fsm.LifecyclePlaying
		r.broadcastStateChange(true)
		errc <- nil
	})
	return <-errc
}

// EndGame ends the current game from any in-progress state.
func (r *Room) EndGame(hostID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may end the game")
			return
		}
		r.endGameLocked("host_requested")
		errc <- nil
	})
	return <-errc
}

func (r *Room) endGameLocked(reason string) {
	r.transition(fsm.StateGameEnd, reason)
	r.lifecycle = fsm.LifecycleGameEnd
	r.securityLog(security.Event{
		At: time.Now(), Severity: security.SeverityLow, RoomCode: string(r.Code),
		ActorID: string(r.hostID), Action: "game_end", Payload: map[string]any{"reason": reason},
	})
	if r.gamePlugin != nil {
		r.gamePlugin.Cleanup(r.stateLocked())
	}
	r.broadcastStateChange(true)
}

// ReturnToLobby transitions game_end->lobby, clearing the plugin instance.
func (r *Room) ReturnToLobby(hostID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may return to lobby")
			return
		}
		if !r.transition(fsm.StateLobby, "return_to_lobby") {
			errc <- types.NewError(types.ErrConflict, "cannot return to lobby from current state")
			return
		}
		r.gamePlugin = nil
		r.pipeline = nil
		r.currentGame = ""
		r.round = 0
		r.lifecycle = fsm.LifecycleLobby
		r.broadcastStateChange(true)
		errc <- nil
	})
	return <-errc
}

// Pause sets the paused modifier without altering the FSM state, per the
// design decision that pause is an orthogonal modifier. While paused the
// periodic sync scan sends nothing; timers scheduled through
// ScheduleTimer keep running and fire as usual.
func (r *Room) Pause(hostID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may pause")
			return
		}
		r.pauseLocked("host_requested")
		errc <- nil
	})
	return <-errc
}

func (r *Room) pauseLocked(reason string) {
	if r.fsmMachine.Paused() {
		return
	}
	r.fsmMachine.SetPaused(true)
	r.securityLog(security.Event{
		At: time.Now(), Severity: security.SeverityLow, RoomCode: string(r.Code),
		ActorID: string(r.hostID), Action: "pause", Payload: map[string]any{"reason": reason},
	})
	r.broadcastStateChange(false)
}

// Resume clears the paused modifier and broadcasts the current state.
func (r *Room) Resume(hostID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may resume")
			return
		}
		r.fsmMachine.SetPaused(false)
		r.broadcastStateChange(false)
		errc <- nil
	})
	return <-errc
}

// transition attempts an FSM move, bumping the room version and
// appending a synthetic fsm_transition event to the replay buffer on
// success. Must only be called from the actor goroutine.
func (r *Room) transition(to fsm.State, reason string) bool {
	from := r.fsmMachine.Current()
	now := time.Now()
	if !r.fsmMachine.Transition(to, reason, now) {
		return false
	}

	version := r.NextVersion()
	r.SetLastMutation(now)
	r.replayBuf.Append(types.Event{
		ID:        fmt.Sprintf("fsm-%s-%d", r.Code, version),
		Type:      "fsm_transition",
		RoomCode:  r.Code,
		Timestamp: now,
		Version:   version,
		Data:      map[string]any{"from": string(from), "to": string(to), "reason": reason},
	})

	env := schema.Envelope{Type: schema.KindFSMTransition, RoomCode: string(r.Code), Timestamp: now}
	payload := schema.FSMTransition{From: string(from), To: string(to), Reason: reason}
	if hint, ok := syncengine.TransitionHint(to); ok {
		payload.Reason = reason
		r.broadcastAll(withPayload(env, struct {
			schema.FSMTransition
			SoundHint string `json:"soundHint"`
		}{payload, string(hint)}))
	} else {
		r.broadcastAll(withPayload(env, payload))
	}

	return true
}

func (r *Room) hostTransition(hostID types.PlayerID, to fsm.State, reason string, after func()) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		if hostID != r.hostID {
			errc <- types.NewError(types.ErrUnauthorized, "only the host may drive game phase")
			return
		}
		if !r.transition(to, reason) {
			errc <- types.NewError(types.ErrConflict, "invalid transition from current state")
			return
		}
		if after != nil {
			after()
		}
		r.broadcastStateChange(true)
		errc <- nil
	})
	return <-errc
}

// Reconnect resolves a reconnecting player's old id to newID, moving
// their player record and delegating game-specific data migration to
// the plugin.
func (r *Room) Reconnect(oldID, newID types.PlayerID) error {
	errc := make(chan error, 1)
	r.enqueue(func() {
		p, ok := r.players[oldID]
		if !ok {
			errc <- types.NewError(types.ErrNotFound, "no such player to reconnect")
			return
		}
		p.ID = newID
		p.Status = types.PlayerStatusConnected
		p.LastSeen = time.Now()

		r.syncMutate(func() {
			delete(r.players, oldID)
			r.players[newID] = p
			if oldID == r.hostID {
				r.hostID = newID
			}
		})
		if r.gamePlugin != nil {
			r.gamePlugin.MigratePlayer(oldID, newID)
		}
		r.broadcastRoster()
		r.syncNewPlayer(newID)
		errc <- nil
	})
	return <-errc
}

// broadcastRoster sends the authoritative player_roster message.
func (r *Room) broadcastRoster() {
	players := make([]types.Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	env := schema.Envelope{Type: schema.KindStateSync, RoomCode: string(r.Code), Timestamp: time.Now()}
	r.broadcastAll(withPayload(env, map[string]any{"kind": "player_roster", "players": players}))
}

// broadcastStateChange computes and sends a state_sync via the sync
// engine, marking the FSM transition (if just entered) for the
// full-vs-delta decision.
func (r *Room) broadcastStateChange(justTransitioned bool) {
	if r.gamePlugin == nil {
		return
	}
	recipients := r.connectedRecipients()
	view := r.gamePlugin.SerializeState(r.stateLocked(), "")

	bc, err := r.sync.ComputeStateSync(r.version, view, r.fsmMachine.Current(), justTransitioned, recipients)
	if err != nil {
		r.logger().Error("state sync compute failed", zap.Error(err))
		return
	}

	env := schema.Envelope{Type: schema.KindStateSync, RoomCode: string(r.Code), Timestamp: time.Now()}
	r.deps.Sender.Broadcast(bc.Recipients, withPayload(env, bc.Payload))
	r.ackTracker.RegisterBroadcast(r.version, bc.Recipients)

	if justTransitioned {
		r.captureSnapshot("critical_transition")
	} else {
		r.maybeSnapshot()
	}
}

// syncNewPlayer sends a personalized full sync to a newly joined or
// reconnected player.
func (r *Room) syncNewPlayer(playerID types.PlayerID) {
	if r.gamePlugin == nil {
		return
	}
	view := r.gamePlugin.SerializeState(r.stateLocked(), playerID)
	bc := r.sync.SyncToPlayer(r.version, view)
	env := schema.Envelope{Type: schema.KindStateSync, RoomCode: string(r.Code), Timestamp: time.Now()}
	_ = r.deps.Sender.SendTo(playerID, withPayload(env, bc.Payload))
	r.ackTracker.RegisterBroadcast(r.version, []types.PlayerID{playerID})
}

func (r *Room) broadcastAll(env schema.Envelope) {
	r.deps.Sender.Broadcast(r.connectedRecipients(), env)
}

func (r *Room) connectedRecipients() []types.PlayerID {
	out := make([]types.PlayerID, 0, len(r.players))
	for id, p := range r.players {
		if p.Status == types.PlayerStatusConnected {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) maybeSnapshot() {
	interval := uint64(r.deps.SnapshotIntervalVersions)
	if interval == 0 {
		interval = 10
	}
	if r.version-r.lastSnapshotVersion < interval {
		return
	}
	r.captureSnapshot("interval")
}

func (r *Room) captureSnapshot(reason string) {
	if r.gamePlugin == nil {
		return
	}
	view := r.gamePlugin.SerializeState(r.stateLocked(), "")
	if _, err := r.snapStore.Capture(string(r.Code), r.version, view, time.Now()); err != nil {
		r.logger().Error("snapshot capture failed", zap.Error(err))
		return
	}
	r.lastSnapshotVersion = r.version
	metrics.SnapshotsTotal.WithLabelValues(string(r.Code), reason).Inc()
}

func (r *Room) scanTick() {
	if r.gamePlugin == nil || r.fsmMachine.Paused() {
		return
	}
	view := r.gamePlugin.SerializeState(r.stateLocked(), "")
	if !r.sync.Changed(view) {
		return
	}
	r.broadcastStateChange(false)
}

func (r *Room) gcTick() {
	r.dedupSet.Sweep(time.Now())
	if r.Expired(time.Now()) {
		r.persistRemovalAndNotify()
	}
}

func (r *Room) persistRemovalAndNotify() {
	env := schema.Envelope{Type: schema.KindError, RoomCode: string(r.Code), Timestamp: time.Now()}
	r.broadcastAll(withPayload(env, schema.Error{Code: string(types.ErrExpired), Message: "room has expired"}))
	if r.deps.Store != nil {
		_ = r.deps.Store.DeleteRoom(context.Background(), r.Code)
	}
}

func withPayload(env schema.Envelope, payload any) schema.Envelope {
	raw, err := json.Marshal(payload)
	if err == nil {
		env.Payload = raw
	}
	return env
}
