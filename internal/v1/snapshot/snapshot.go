// Package snapshot implements the per-room compressed versioned state
// captures used for late-join, resync, and replay-buffer bounding.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// Store holds a room's version -> Snapshot mapping, evicting the oldest
// entry once MaxPerRoom is exceeded.
type Store struct {
	mu         sync.RWMutex
	maxPerRoom int
	byVersion  map[uint64]types.Snapshot
}

// New builds a Store bounded to maxPerRoom entries.
func New(maxPerRoom int) *Store {
	return &Store{maxPerRoom: maxPerRoom, byVersion: make(map[uint64]types.Snapshot)}
}

// Capture compresses state and stores it at version. Compression
// failures fall back to storing the raw encoded bytes uncompressed
// rather than dropping the snapshot.
func (s *Store) Capture(roomCode string, version uint64, state map[string]any, at time.Time) (types.Snapshot, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return types.Snapshot{}, err
	}

	compressed := true
	data, err := gzipCompress(raw)
	if err != nil {
		logging.Warn(context.TODO(), "snapshot compression failed, storing raw")
		data = raw
		compressed = false
	}

	snap := types.Snapshot{
		RoomCode:   types.RoomCode(roomCode),
		Version:    version,
		Timestamp:  at,
		Compressed: compressed,
		Data:       data,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byVersion[version] = snap
	s.evictLocked()
	return snap, nil
}

func (s *Store) evictLocked() {
	for len(s.byVersion) > s.maxPerRoom {
		oldest := s.oldestVersionLocked()
		delete(s.byVersion, oldest)
	}
}

func (s *Store) oldestVersionLocked() uint64 {
	var oldest uint64
	first := true
	for v := range s.byVersion {
		if first || v < oldest {
			oldest = v
			first = false
		}
	}
	return oldest
}

// Get returns the snapshot at exactly version, if present.
func (s *Store) Get(version uint64) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byVersion[version]
	return snap, ok
}

// Latest returns the highest-versioned snapshot, if any exist.
func (s *Store) Latest() (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byVersion) == 0 {
		return types.Snapshot{}, false
	}
	versions := s.sortedVersionsLocked()
	return s.byVersion[versions[len(versions)-1]], true
}

// AtOrBelow returns the snapshot with the highest version <= target. If
// none qualifies, it falls back to the earliest available snapshot
// (matching the component's documented fallback) and reports stale=true
// when that fallback was used.
func (s *Store) AtOrBelow(target uint64) (snap types.Snapshot, stale bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byVersion) == 0 {
		return types.Snapshot{}, false, false
	}
	versions := s.sortedVersionsLocked()

	best := uint64(0)
	found := false
	for _, v := range versions {
		if v <= target {
			best = v
			found = true
		}
	}
	if found {
		return s.byVersion[best], false, true
	}
	return s.byVersion[versions[0]], true, true
}

func (s *Store) sortedVersionsLocked() []uint64 {
	versions := make([]uint64, 0, len(s.byVersion))
	for v := range s.byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// Decode decompresses (if needed) and unmarshals a snapshot's payload.
func Decode(snap types.Snapshot) (map[string]any, error) {
	raw := snap.Data
	if snap.Compressed {
		decompressed, err := gzipDecompress(raw)
		if err != nil {
			return nil, err
		}
		raw = decompressed
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Registry holds one Store per room.
type Registry struct {
	mu         sync.Mutex
	maxPerRoom int
	stores     map[string]*Store
}

// NewRegistry builds a Registry whose Stores all share maxPerRoom.
func NewRegistry(maxPerRoom int) *Registry {
	return &Registry{maxPerRoom: maxPerRoom, stores: make(map[string]*Store)}
}

// For returns (creating if necessary) the Store for roomCode.
func (r *Registry) For(roomCode string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stores[roomCode]
	if !ok {
		st = New(r.maxPerRoom)
		r.stores[roomCode] = st
	}
	return st
}

// Drop removes a room's snapshot store entirely.
func (r *Registry) Drop(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, roomCode)
}
