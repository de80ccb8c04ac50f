// Package ack implements the per-room ACK tracker: pending/received/
// missing sets keyed by broadcast version, timeout-driven resync
// triggers, and the latency/ACK-rate metrics the sync engine exports.
package ack

import (
	"sync"
	"time"

	"github.com/partyhall/roomengine/internal/v1/types"
)

// ResyncFunc is invoked with the recipient that missed an ACK deadline
// and the version it failed to acknowledge. The room actor supplies an
// implementation that enqueues a targeted resync onto its own queue —
// the tracker itself never reaches into room state.
type ResyncFunc func(recipient types.PlayerID, version uint64)

// Stats is the per-room metrics snapshot handed to internal/v1/metrics.
type Stats struct {
	TotalSent    uint64
	TotalAcked   uint64
	TotalMissing uint64
	AvgLatency   time.Duration
}

// Tracker holds one room's pending/received/missing sets. All state is
// guarded by mu, since the ACK-timeout timers run onTimeout on their own
// goroutines alongside the room actor's calls.
type Tracker struct {
	mu sync.Mutex

	pending  map[uint64]map[types.PlayerID]struct{}
	received map[types.PlayerID]map[uint64]struct{}
	missing  map[types.PlayerID]map[uint64]struct{}

	timeout time.Duration
	timers  map[timerKey]*time.Timer
	resync  ResyncFunc
	closed  bool

	totalSent    uint64
	totalAcked   uint64
	totalMissing uint64
	latencySum   time.Duration
	latencyCount uint64
}

type timerKey struct {
	recipient types.PlayerID
	version   uint64
}

// New builds a Tracker with the given ACK timeout and resync callback.
func New(timeout time.Duration, resync ResyncFunc) *Tracker {
	return &Tracker{
		pending:  make(map[uint64]map[types.PlayerID]struct{}),
		received: make(map[types.PlayerID]map[uint64]struct{}),
		missing:  make(map[types.PlayerID]map[uint64]struct{}),
		timeout:  timeout,
		timers:   make(map[timerKey]*time.Timer),
		resync:   resync,
	}
}

// RegisterBroadcast records that version was sent to each of recipients
// and arms an ACK-timeout timer per recipient. The timer fires on its
// own goroutine but only ever calls resync, which the room actor must
// re-enter its own queue with — the tracker does not mutate room state
// directly.
func (t *Tracker) RegisterBroadcast(version uint64, recipients []types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	set := make(map[types.PlayerID]struct{}, len(recipients))
	for _, r := range recipients {
		set[r] = struct{}{}
		t.totalSent++
		t.armTimeoutLocked(r, version)
	}
	t.pending[version] = set
}

func (t *Tracker) armTimeoutLocked(recipient types.PlayerID, version uint64) {
	if t.closed {
		return
	}
	key := timerKey{recipient: recipient, version: version}
	timer := time.AfterFunc(t.timeout, func() { t.onTimeout(recipient, version) })
	t.timers[key] = timer
}

func (t *Tracker) onTimeout(recipient types.PlayerID, version uint64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	key := timerKey{recipient: recipient, version: version}
	delete(t.timers, key)

	set, stillPending := t.pending[version]
	if !stillPending {
		t.mu.Unlock()
		return
	}
	if _, waiting := set[recipient]; !waiting {
		t.mu.Unlock()
		return
	}

	delete(set, recipient)
	if len(set) == 0 {
		delete(t.pending, version)
	}
	if t.missing[recipient] == nil {
		t.missing[recipient] = make(map[uint64]struct{})
	}
	t.missing[recipient][version] = struct{}{}
	t.totalMissing++
	t.mu.Unlock()

	if t.resync != nil {
		t.resync(recipient, version)
	}
}

// Ack records an inbound ack from recipient for version, cancelling its
// timeout timer and recording latency if sentAt is non-zero.
func (t *Tracker) Ack(recipient types.PlayerID, version uint64, sentAt time.Time, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey{recipient: recipient, version: version}
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}

	if set, ok := t.pending[version]; ok {
		if _, waiting := set[recipient]; waiting {
			delete(set, recipient)
			if len(set) == 0 {
				delete(t.pending, version)
			}
		}
	}

	if t.received[recipient] == nil {
		t.received[recipient] = make(map[uint64]struct{})
	}
	t.received[recipient][version] = struct{}{}
	t.totalAcked++

	if !sentAt.IsZero() {
		t.latencySum += now.Sub(sentAt)
		t.latencyCount++
	}
}

// Missing returns the versions recipient has failed to acknowledge.
func (t *Tracker) Missing(recipient types.PlayerID) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	versions := make([]uint64, 0, len(t.missing[recipient]))
	for v := range t.missing[recipient] {
		versions = append(versions, v)
	}
	return versions
}

// ClearMissing drops recorded missing versions for recipient, called
// once a resync has been delivered.
func (t *Tracker) ClearMissing(recipient types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.missing, recipient)
}

// Forget drops all tracked state for recipient, e.g. on disconnect.
func (t *Tracker) Forget(recipient types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for version, set := range t.pending {
		delete(set, recipient)
		if len(set) == 0 {
			delete(t.pending, version)
		}
	}
	delete(t.received, recipient)
	delete(t.missing, recipient)
	for key, timer := range t.timers {
		if key.recipient == recipient {
			timer.Stop()
			delete(t.timers, key)
		}
	}
}

// Close stops every armed timeout timer and marks the Tracker closed, so
// any timer that already fired concurrently with Close is a no-op
// instead of invoking resync against a room that's being torn down.
// Called once, from Room.Shutdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

// Stats returns the room's current ACK metrics snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var avg time.Duration
	if t.latencyCount > 0 {
		avg = t.latencySum / time.Duration(t.latencyCount)
	}
	return Stats{
		TotalSent:    t.totalSent,
		TotalAcked:   t.totalAcked,
		TotalMissing: t.totalMissing,
		AvgLatency:   avg,
	}
}

// AckRate returns the fraction of sent broadcasts that were acknowledged.
func (s Stats) AckRate() float64 {
	if s.TotalSent == 0 {
		return 1
	}
	return float64(s.TotalAcked) / float64(s.TotalSent)
}

// Registry holds one Tracker per room.
type Registry struct {
	mu       sync.Mutex
	timeout  time.Duration
	trackers map[string]*Tracker
}

// NewRegistry builds a Registry whose Trackers all share timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout, trackers: make(map[string]*Tracker)}
}

// For returns (creating if necessary) the Tracker for roomCode, wiring
// resync to be invoked for that room's recipients.
func (r *Registry) For(roomCode string, resync ResyncFunc) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.trackers[roomCode]
	if !ok {
		tr = New(r.timeout, resync)
		r.trackers[roomCode] = tr
	}
	return tr
}

// Drop removes a room's tracker entirely.
func (r *Registry) Drop(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, roomCode)
}
