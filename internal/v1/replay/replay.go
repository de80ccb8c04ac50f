// Package replay implements the bounded, time-ordered per-room event log
// that backs "catch-up" between a snapshot and current state: a late
// joiner or a client with a timed-out ACK is served the snapshot at or
// below its last-known version plus everything the replay buffer holds
// after it.
package replay

import (
	"container/list"
	"sync"
	"time"

	"github.com/partyhall/roomengine/internal/v1/types"
)

// Buffer is a single room's bounded ordered event log. Oldest entries are
// evicted once capacity is reached.
type Buffer struct {
	mu       sync.RWMutex
	entries  *list.List // of types.Event, oldest at Front
	capacity int
	ttl      time.Duration
}

// New builds a Buffer with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *Buffer {
	return &Buffer{
		entries:  list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Append adds ev to the buffer, evicting the oldest entry if full.
func (b *Buffer) Append(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.PushBack(ev)
	for b.entries.Len() > b.capacity {
		b.entries.Remove(b.entries.Front())
	}
}

// All returns every buffered event in order.
func (b *Buffer) All() []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Event, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.Event))
	}
	return out
}

// Since returns every event with version strictly greater than v, in order.
func (b *Buffer) Since(v uint64) []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.Event
	for e := b.entries.Front(); e != nil; e = e.Next() {
		ev := e.Value.(types.Event)
		if ev.Version > v {
			out = append(out, ev)
		}
	}
	return out
}

// Range returns every event with version in [a, b], inclusive.
func (buf *Buffer) Range(a, b uint64) []types.Event {
	buf.mu.RLock()
	defer buf.mu.RUnlock()
	var out []types.Event
	for e := buf.entries.Front(); e != nil; e = e.Next() {
		ev := e.Value.(types.Event)
		if ev.Version >= a && ev.Version <= b {
			out = append(out, ev)
		}
	}
	return out
}

// VersionAtOrBefore returns the version of the latest buffered event
// timestamped at or before at, for resolving a replay_request's
// fromTimestamp into the version-space ReplayCatchUp otherwise works in.
// The zero value and false mean no buffered event is that old — the
// caller falls back to treating the request as "from the beginning".
func (b *Buffer) VersionAtOrBefore(at time.Time) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var version uint64
	found := false
	for e := b.entries.Front(); e != nil; e = e.Next() {
		ev := e.Value.(types.Event)
		if ev.Timestamp.After(at) {
			break
		}
		version = ev.Version
		found = true
	}
	return version, found
}

// Latest returns the most recently appended event, if any.
func (b *Buffer) Latest() (types.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	back := b.entries.Back()
	if back == nil {
		return types.Event{}, false
	}
	return back.Value.(types.Event), true
}

// LatestVersion returns the version of the most recently appended event,
// or 0 if the buffer is empty.
func (b *Buffer) LatestVersion() uint64 {
	ev, ok := b.Latest()
	if !ok {
		return 0
	}
	return ev.Version
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Init()
}

// SweepExpired removes events older than the buffer's TTL relative to now.
func (b *Buffer) SweepExpired(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for e := b.entries.Front(); e != nil; {
		next := e.Next()
		ev := e.Value.(types.Event)
		if now.Sub(ev.Timestamp) > b.ttl {
			b.entries.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

// Registry holds one Buffer per room.
type Registry struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	buffers  map[string]*Buffer
}

// NewRegistry builds a Registry whose Buffers all share capacity and ttl.
func NewRegistry(capacity int, ttl time.Duration) *Registry {
	return &Registry{capacity: capacity, ttl: ttl, buffers: make(map[string]*Buffer)}
}

// For returns (creating if necessary) the Buffer for roomCode.
func (r *Registry) For(roomCode string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[roomCode]
	if !ok {
		b = New(r.capacity, r.ttl)
		r.buffers[roomCode] = b
	}
	return b
}

// Drop removes a room's buffer entirely.
func (r *Registry) Drop(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, roomCode)
}

// Sweep sweeps every room's buffer for expired events.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	bufs := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()
	for _, b := range bufs {
		b.SweepExpired(now)
	}
}
