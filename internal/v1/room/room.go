// Package room implements the single-writer room runtime: one actor
// goroutine per room draining an in-order task queue of intents, host
// commands, timer callbacks, and periodic ticks, directly modeled on
// the teacher's one-goroutine-per-connection pumps generalized to one
// goroutine per room.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/partyhall/roomengine/internal/v1/ack"
	"github.com/partyhall/roomengine/internal/v1/dedup"
	"github.com/partyhall/roomengine/internal/v1/fsm"
	"github.com/partyhall/roomengine/internal/v1/intent"
	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/replay"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/security"
	"github.com/partyhall/roomengine/internal/v1/snapshot"
	"github.com/partyhall/roomengine/internal/v1/syncengine"
	"github.com/partyhall/roomengine/internal/v1/types"

	"go.uber.org/zap"
)

// Sender is the narrow transport-facing interface the room pushes
// outbound envelopes through. The transport layer implements this; the
// room never holds a connection reference directly.
type Sender interface {
	SendTo(playerID types.PlayerID, env schema.Envelope) error
	Broadcast(playerIDs []types.PlayerID, env schema.Envelope)
}

// task is one unit of work processed to completion before the next,
// the queue entry type for the single-writer loop.
type task func()

// Deps bundles a room's collaborators, normally supplied by the
// dispatcher/registry from its shared cross-room instances.
type Deps struct {
	Plugins    *plugin.Registry
	Sender     Sender
	Store      types.Store   // may be nil
	Security   security.Sink // may be nil
	QueueDepth int           // 0 uses a sane default

	SnapshotIntervalVersions int
	SnapshotMaxPerRoom       int
	ReplayCapacity           int
	ReplayEventTTL           time.Duration
	DedupTTL                 time.Duration
	AckTimeout               time.Duration
	SyncHz                   float64
	MinFullBroadcastGap      time.Duration
}

// Room is the authoritative, single-writer owner of one game's state.
type Room struct {
	Code types.RoomCode

	// mu guards only the narrow set of fields read from outside the
	// actor goroutine (IsEmpty/HasHost/Version-style queries); game
	// state mutation is actor-exclusive and needs no lock.
	mu sync.RWMutex

	hostID             types.PlayerID
	createdAt          time.Time
	expiresAt          time.Time
	currentGame        types.GameType
	lifecycle          fsm.LifecycleState
	players            map[types.PlayerID]types.Player
	settings           types.Settings
	version            uint64
	lastMutation       time.Time
	round              int
	maxRounds          int

	fsmMachine *fsm.Machine
	gamePlugin plugin.Plugin

	dedupSet   *dedup.Set
	replayBuf  *replay.Buffer
	snapStore  *snapshot.Store
	ackTracker *ack.Tracker
	sync       *syncengine.Engine
	pipeline   *intent.Pipeline

	deps Deps

	lastSnapshotVersion uint64
	lastFullBroadcastAt time.Time

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Room in the lobby lifecycle state and starts its
// actor goroutine, sync-scan ticker, and GC ticker.
func New(code types.RoomCode, hostID types.PlayerID, ttl time.Duration, settings types.Settings, deps Deps) *Room {
	now := time.Now()
	depth := deps.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	r := &Room{
		Code:      code,
		hostID:    hostID,
		createdAt: now,
		expiresAt: now.Add(ttl),
		lifecycle: fsm.LifecycleLobby,
		players:   make(map[types.PlayerID]types.Player),
		settings:  settings,
		deps:      deps,

		fsmMachine: fsm.New(),
		dedupSet:   dedup.New(orDefault(deps.DedupTTL, time.Hour)),
		replayBuf:  replay.New(orDefaultInt(deps.ReplayCapacity, 100), orDefault(deps.ReplayEventTTL, time.Hour)),
		snapStore:  snapshot.New(orDefaultInt(deps.SnapshotMaxPerRoom, 10)),

		queue: make(chan task, depth),
	}
	r.sync = syncengine.New(syncengine.DefaultConfig(), r.replayBuf, r.snapStore)
	r.ackTracker = ack.New(orDefault(deps.AckTimeout, 2*time.Second), r.resyncRecipient)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	scanInterval := syncengine.ScanInterval(orDefaultFloat(deps.SyncHz, 10))
	r.wg.Add(1)
	go r.tickerLoop(scanInterval, r.scanTick)

	r.wg.Add(1)
	go r.tickerLoop(5*time.Minute, r.gcTick)

	return r
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func orDefaultFloat(f, fallback float64) float64 {
	if f <= 0 {
		return fallback
	}
	return f
}

// run is the single-writer loop: drain the queue until cancellation,
// processing each task to completion before the next.
func (r *Room) run() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			t()
		case <-r.ctx.Done():
			r.drainAndExit()
			return
		}
	}
}

// drainAndExit processes any tasks already enqueued before shutdown,
// bounded so a runaway producer can't block room destruction forever.
func (r *Room) drainAndExit() {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case t := <-r.queue:
			t()
		case <-deadline:
			return
		default:
			return
		}
	}
}

// tickerLoop enqueues fn at interval until the room is cancelled. The
// ticker goroutine itself does no state mutation: it only re-enters the
// single-writer queue, matching spec's "no plugin code ever runs
// outside it" discipline extended to all periodic work.
func (r *Room) tickerLoop(interval time.Duration, fn func()) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.enqueue(fn)
		case <-r.ctx.Done():
			return
		}
	}
}

// enqueue submits a task to the room's single-writer queue. Blocks if
// the queue is full rather than dropping work; callers on a hot path
// should use a bounded context if they need a timeout.
func (r *Room) enqueue(t task) {
	select {
	case r.queue <- t:
	case <-r.ctx.Done():
	}
}

// ScheduleTimer lets plugins schedule a callback to run inside the
// room's single-writer loop after d. Firing re-enters the queue; no
// plugin code runs on the timer's own goroutine.
func (r *Room) ScheduleTimer(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { r.enqueue(fn) })
}

// Shutdown cancels the actor and all its background loops, draining
// the queue with a bounded deadline before forcibly returning.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()
	r.ackTracker.Close()
	if r.gamePlugin != nil {
		r.enqueue(func() {
			r.gamePlugin.Cleanup(r.stateLocked())
		})
	}

	c := make(chan struct{})
	go func() {
		defer close(c)
		r.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateLocked builds the types.RoomState snapshot of core fields.
// Must only be called from the actor goroutine.
func (r *Room) stateLocked() *types.RoomState {
	players := make(map[types.PlayerID]types.Player, len(r.players))
	for id, p := range r.players {
		players[id] = p
	}
	return &types.RoomState{
		Code:               r.Code,
		HostID:             r.hostID,
		CreatedAt:          r.createdAt,
		ExpiresAt:          r.expiresAt,
		CurrentGame:        r.currentGame,
		GameLifecycleState: string(r.lifecycle),
		Players:            players,
		Settings:           r.settings,
		Version:            r.version,
		LastMutation:       r.lastMutation,
		Paused:             r.fsmMachine.Paused(),
		Round:              r.round,
		MaxRounds:          r.maxRounds,
	}
}

// --- cross-goroutine read accessors (mutex-guarded, per teacher's
// IsRoomEmpty/HasHost idiom) ---

// IsEmpty reports whether the room currently has no connected players.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.players {
		if p.Status == types.PlayerStatusConnected {
			return false
		}
	}
	return true
}

// HasHost reports whether the host is currently a known player.
func (r *Room) HasHost() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.players[r.hostID]
	return ok
}

// Expired reports whether the room has passed its TTL as of now.
func (r *Room) Expired(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return now.After(r.expiresAt)
}

// Version returns the room's current version.
func (r *Room) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// HostID returns the room's current host.
func (r *Room) HostID() types.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

func (r *Room) syncReadonly(fn func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
}

func (r *Room) syncMutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// --- intent.Membership / intent.Applier, called only from within the
// actor goroutine by the pipeline, so they read/write the unlocked
// fields directly; syncMutate/syncReadonly keep the cross-goroutine
// accessors above consistent. ---

func (r *Room) IsMember(playerID types.PlayerID) bool {
	_, ok := r.players[playerID]
	return ok
}

func (r *Room) IsHost(playerID types.PlayerID) bool {
	return playerID == r.hostID
}

func (r *Room) NextVersion() uint64 {
	r.syncMutate(func() { r.version++ })
	return r.Version()
}

func (r *Room) SetLastMutation(at time.Time) {
	r.syncMutate(func() { r.lastMutation = at })
}

func (r *Room) logger() *zap.Logger {
	return logging.GetLogger().With(zap.String("room_code", string(r.Code)))
}

func (r *Room) securityLog(ev security.Event) {
	if r.deps.Security != nil {
		r.deps.Security.Record(ev)
	}
}
