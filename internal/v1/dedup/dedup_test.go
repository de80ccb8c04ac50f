package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/partyhall/roomengine/internal/v1/types"
)

func TestSet_MarkAndIsProcessed(t *testing.T) {
	s := New(time.Minute)
	now := time.Now()

	assert.False(t, s.IsProcessed("id-1", now))
	s.MarkProcessed("id-1", now, types.IntentResult{Success: true, IntentID: "id-1"})
	assert.True(t, s.IsProcessed("id-1", now))
}

func TestSet_ResultReturnsCachedOutcome(t *testing.T) {
	s := New(time.Minute)
	now := time.Now()

	_, ok := s.Result("id-1", now)
	assert.False(t, ok)

	want := types.IntentResult{Success: true, IntentID: "id-1", EventID: "evt-1", Version: 8}
	s.MarkProcessed("id-1", now, want)

	got, ok := s.Result("id-1", now)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestSet_ResultExpiresAfterTTL(t *testing.T) {
	s := New(time.Second)
	now := time.Now()

	s.MarkProcessed("id-1", now, types.IntentResult{Success: true, IntentID: "id-1"})
	_, ok := s.Result("id-1", now.Add(2*time.Second))
	assert.False(t, ok)
}

func TestSet_ExpiresAfterTTL(t *testing.T) {
	s := New(time.Second)
	now := time.Now()

	s.MarkProcessed("id-1", now, types.IntentResult{Success: true, IntentID: "id-1"})
	assert.True(t, s.IsProcessed("id-1", now.Add(500*time.Millisecond)))
	assert.False(t, s.IsProcessed("id-1", now.Add(2*time.Second)))
}

func TestSet_Sweep(t *testing.T) {
	s := New(time.Second)
	now := time.Now()

	s.MarkProcessed("old", now, types.IntentResult{Success: true, IntentID: "old"})
	s.MarkProcessed("new", now.Add(3*time.Second), types.IntentResult{Success: true, IntentID: "new"})

	removed := s.Sweep(now.Add(3 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestRegistry_ForCreatesAndReuses(t *testing.T) {
	r := NewRegistry(time.Minute)
	s1 := r.For("ROOM1")
	s2 := r.For("ROOM1")
	assert.Same(t, s1, s2)

	s3 := r.For("ROOM2")
	assert.NotSame(t, s1, s3)
}

func TestRegistry_Drop(t *testing.T) {
	r := NewRegistry(time.Minute)
	s1 := r.For("ROOM1")
	s1.MarkProcessed("x", time.Now(), types.IntentResult{Success: true, IntentID: "x"})

	r.Drop("ROOM1")
	s2 := r.For("ROOM1")
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 0, s2.Len())
}

func TestRegistry_SweepDropsEmptySets(t *testing.T) {
	r := NewRegistry(time.Second)
	now := time.Now()

	s := r.For("ROOM1")
	s.MarkProcessed("id", now, types.IntentResult{Success: true, IntentID: "id"})

	r.Sweep(now.Add(5 * time.Second))

	s2 := r.For("ROOM1")
	assert.NotSame(t, s, s2, "a fully-expired set should have been dropped, not reused")
}
