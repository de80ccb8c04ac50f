// Package dedup implements the per-room TTL set of processed intent/event
// ids that gives the intent pipeline its at-most-once guarantee across
// retries. Each id caches the IntentResult it produced, so a retried
// intent is answered idempotently instead of merely rejected.
package dedup

import (
	"sync"
	"time"

	"github.com/partyhall/roomengine/internal/v1/types"
)

// entry is one id's processing record: when it was seen and the
// IntentResult it produced, replayed verbatim on a retry.
type entry struct {
	at     time.Time
	result types.IntentResult
}

// Set is a per-room TTL-bounded set of seen ids. The zero value is not
// usable; construct with New.
type Set struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]entry
}

// New builds a Set with the given TTL.
func New(ttl time.Duration) *Set {
	return &Set{ttl: ttl, seen: make(map[string]entry)}
}

// IsProcessed reports whether id has been marked processed and has not
// yet expired.
func (s *Set) IsProcessed(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[id]
	if !ok {
		return false
	}
	if now.Sub(e.at) > s.ttl {
		delete(s.seen, id)
		return false
	}
	return true
}

// Result returns the IntentResult cached for id's prior processing, if
// any is still within TTL, so a retried intent can be answered with the
// exact outcome it produced the first time.
func (s *Set) Result(id string, now time.Time) (types.IntentResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[id]
	if !ok || now.Sub(e.at) > s.ttl {
		return types.IntentResult{}, false
	}
	return e.result, true
}

// MarkProcessed records id as seen at now, caching result for replay to
// any later retry of the same id.
func (s *Set) MarkProcessed(id string, now time.Time, result types.IntentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = entry{at: now, result: result}
}

// Sweep removes every id whose TTL has elapsed as of now. The room
// runtime calls it from its periodic GC tick.
func (s *Set) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.seen {
		if now.Sub(e.at) > s.ttl {
			delete(s.seen, id)
			removed++
		}
	}
	return removed
}

// Len reports the current number of tracked ids, expired or not.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Registry holds one dedup Set per room. Its Sweep expires ids in every
// Set and drops any Set left empty.
type Registry struct {
	mu   sync.Mutex
	ttl  time.Duration
	sets map[string]*Set
}

// NewRegistry builds a Registry whose Sets all share ttl.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{ttl: ttl, sets: make(map[string]*Set)}
}

// For returns (creating if necessary) the Set for roomCode.
func (r *Registry) For(roomCode string) *Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sets[roomCode]
	if !ok {
		s = New(r.ttl)
		r.sets[roomCode] = s
	}
	return s
}

// Drop removes a room's dedup set entirely, e.g. on room destruction.
func (r *Registry) Drop(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, roomCode)
}

// Sweep sweeps every room's Set and drops any left empty.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, s := range r.sets {
		s.Sweep(now)
		if s.Len() == 0 {
			delete(r.sets, code)
		}
	}
}
