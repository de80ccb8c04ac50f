// Package registry is the dispatcher: it maps room codes to Rooms,
// creates and restores them, and routes inbound messages by code.
// Grounded on the teacher's transport.Hub (rooms map, pendingRoomCleanups
// delayed-cleanup timers).
package registry

import (
	"context"
	"crypto/rand"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/room"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// confusableFreeAlphabet excludes characters easily confused when
// spoken or displayed on a shared screen: no 0/O, 1/I/L.
const confusableFreeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Config controls room creation defaults.
type Config struct {
	CodeLength         int
	RoomTTL            time.Duration
	CleanupGracePeriod time.Duration
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{CodeLength: 4, RoomTTL: 24 * time.Hour, CleanupGracePeriod: 5 * time.Second}
}

// RoomDeps is the set of fixed collaborators every new Room is built
// with, supplied once at registry construction.
type RoomDeps func(code types.RoomCode) room.Deps

// Registry maps room codes to Rooms behind an RWMutex (many readers,
// writers only on create/destroy).
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.RoomCode]*room.Room

	pendingCleanups map[types.RoomCode]*time.Timer

	cfg      Config
	roomDeps RoomDeps
	store    types.Store // may be nil
}

// New builds a Registry. roomDeps supplies the per-room dependency
// bundle (plugins registry, sender, store, security sink, tuning) each
// time a room is created or restored.
func New(cfg Config, roomDeps RoomDeps, store types.Store) *Registry {
	return &Registry{
		rooms:           make(map[types.RoomCode]*room.Room),
		pendingCleanups: make(map[types.RoomCode]*time.Timer),
		cfg:             cfg,
		roomDeps:        roomDeps,
		store:           store,
	}
}

// Restore loads active rooms from the persistence interface at
// startup. A no-op Store leaves the registry empty, per spec.md's
// "must function in-memory only" requirement.
func (reg *Registry) Restore(ctx context.Context) error {
	if reg.store == nil {
		return nil
	}
	states, err := reg.store.LoadActiveRooms(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		reg.restoreRoom(st)
	}
	return nil
}

func (reg *Registry) restoreRoom(st types.RoomState) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rooms[st.Code]; exists {
		return
	}
	r := room.New(st.Code, st.HostID, time.Until(st.ExpiresAt), st.Settings, reg.roomDeps(st.Code))
	reg.rooms[st.Code] = r
}

// Create allocates a fresh, collision-free room code and constructs a
// new Room owned by hostID.
func (reg *Registry) Create(hostID types.PlayerID, settings types.Settings) (types.RoomCode, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code, err := reg.generateUniqueCodeLocked()
	if err != nil {
		return "", err
	}

	r := room.New(code, hostID, reg.cfg.RoomTTL, settings, reg.roomDeps(code))
	reg.rooms[code] = r

	if reg.store != nil {
		go func() {
			_ = reg.store.UpsertRoom(context.Background(), types.RoomState{
				Code: code, HostID: hostID, CreatedAt: time.Now(),
				ExpiresAt: time.Now().Add(reg.cfg.RoomTTL), Settings: settings,
			})
		}()
	}

	return code, nil
}

func (reg *Registry) generateUniqueCodeLocked() (types.RoomCode, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code, err := randomCode(reg.cfg.CodeLength)
		if err != nil {
			return "", err
		}
		if _, exists := reg.rooms[code]; !exists {
			return code, nil
		}
	}
	return "", types.NewError(types.ErrInternal, "exhausted room code generation attempts")
}

func randomCode(length int) (types.RoomCode, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	alphabetLen := byte(len(confusableFreeAlphabet))
	for i, b := range buf {
		out[i] = confusableFreeAlphabet[b%alphabetLen]
	}
	return types.RoomCode(out), nil
}

// Get resolves a room code to a Room. Unresolved codes return
// (nil, false); callers must surface a NOT_FOUND error.
func (reg *Registry) Get(code types.RoomCode) (*room.Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[code]
	return r, ok
}

// ListByHost returns the codes of every room currently owned by hostID.
func (reg *Registry) ListByHost(hostID types.PlayerID) []types.RoomCode {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []types.RoomCode
	for code, r := range reg.rooms {
		if r.HostID() == hostID {
			out = append(out, code)
		}
	}
	return out
}

// Count returns the number of currently registered rooms, satisfying
// the health package's RoomRegistry interface.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// NotifyEmpty is called by a connection handler when a room observes
// itself newly empty or hostless; it arms a grace-period cleanup timer
// rather than destroying the room immediately, matching the teacher's
// pendingRoomCleanups idiom.
func (reg *Registry) NotifyEmpty(code types.RoomCode) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, pending := reg.pendingCleanups[code]; pending {
		return
	}
	r, ok := reg.rooms[code]
	if !ok {
		return
	}

	timer := time.AfterFunc(reg.cfg.CleanupGracePeriod, func() {
		reg.destroyIfStillEmpty(code, r)
	})
	reg.pendingCleanups[code] = timer
}

// CancelPendingCleanup clears a room's grace-period timer, e.g. when a
// player rejoins before the grace period elapses.
func (reg *Registry) CancelPendingCleanup(code types.RoomCode) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if timer, ok := reg.pendingCleanups[code]; ok {
		timer.Stop()
		delete(reg.pendingCleanups, code)
	}
}

func (reg *Registry) destroyIfStillEmpty(code types.RoomCode, r *room.Room) {
	if !r.IsEmpty() && r.HasHost() {
		reg.CancelPendingCleanup(code)
		return
	}
	reg.Destroy(code)
}

// Destroy shuts the room's actor down and removes it from the registry,
// cascade-clearing its cleanup timer.
func (reg *Registry) Destroy(code types.RoomCode) {
	reg.mu.Lock()
	r, ok := reg.rooms[code]
	if ok {
		delete(reg.rooms, code)
	}
	if timer, pending := reg.pendingCleanups[code]; pending {
		timer.Stop()
		delete(reg.pendingCleanups, code)
	}
	reg.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		logging.GetLogger().Warn("room shutdown did not complete cleanly",
			zap.String("room_code", string(code)), zap.Error(err))
	}

	if reg.store != nil {
		_ = reg.store.DeleteRoom(context.Background(), code)
	}
}

// SweepExpired destroys every room past its TTL. Intended to be called
// periodically (suggested every 5 minutes) by the owning process.
func (reg *Registry) SweepExpired(now time.Time) {
	reg.mu.RLock()
	var expired []types.RoomCode
	for code, r := range reg.rooms {
		if r.Expired(now) {
			expired = append(expired, code)
		}
	}
	reg.mu.RUnlock()

	for _, code := range expired {
		reg.Destroy(code)
	}
}

// Shutdown destroys every room, draining each with a bounded deadline.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.RLock()
	codes := make([]types.RoomCode, 0, len(reg.rooms))
	for code := range reg.rooms {
		codes = append(codes, code)
	}
	reg.mu.RUnlock()

	for _, code := range codes {
		reg.Destroy(code)
	}
	return nil
}

// ShardID assigns a stable logical shard id to a room code, for a
// future cluster layer to route connections by; within a single
// instance it's purely informational.
func ShardID(code types.RoomCode, shardCount uint32) uint32 {
	if shardCount == 0 {
		shardCount = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(code))
	return h.Sum32() % shardCount
}
