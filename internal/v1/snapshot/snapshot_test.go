package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CaptureAndGet(t *testing.T) {
	s := New(10)
	state := map[string]any{"score": float64(3)}

	snap, err := s.Capture("ROOM1", 5, state, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.Version)
	assert.True(t, snap.Compressed)

	got, ok := s.Get(5)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestStore_DecodeRoundTrip(t *testing.T) {
	s := New(10)
	state := map[string]any{"score": float64(3), "players": []any{"a", "b"}}

	snap, err := s.Capture("ROOM1", 1, state, time.Now())
	require.NoError(t, err)

	decoded, err := Decode(snap)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestStore_EvictsOldestPastMax(t *testing.T) {
	s := New(2)
	now := time.Now()
	_, _ = s.Capture("ROOM1", 1, map[string]any{}, now)
	_, _ = s.Capture("ROOM1", 2, map[string]any{}, now)
	_, _ = s.Capture("ROOM1", 3, map[string]any{}, now)

	_, ok := s.Get(1)
	assert.False(t, ok, "oldest snapshot should have been evicted")
	_, ok = s.Get(2)
	assert.True(t, ok)
	_, ok = s.Get(3)
	assert.True(t, ok)
}

func TestStore_Latest(t *testing.T) {
	s := New(10)
	now := time.Now()
	_, _ = s.Capture("ROOM1", 1, map[string]any{}, now)
	_, _ = s.Capture("ROOM1", 3, map[string]any{}, now)
	_, _ = s.Capture("ROOM1", 2, map[string]any{}, now)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Version)
}

func TestStore_AtOrBelow_ExactAndFallback(t *testing.T) {
	s := New(10)
	now := time.Now()
	_, _ = s.Capture("ROOM1", 5, map[string]any{}, now)
	_, _ = s.Capture("ROOM1", 10, map[string]any{}, now)

	snap, stale, ok := s.AtOrBelow(7)
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, uint64(5), snap.Version)

	snap, stale, ok = s.AtOrBelow(1)
	require.True(t, ok)
	assert.True(t, stale, "target below every snapshot should fall back to the earliest and report stale")
	assert.Equal(t, uint64(5), snap.Version)
}

func TestStore_AtOrBelow_Empty(t *testing.T) {
	s := New(10)
	_, _, ok := s.AtOrBelow(1)
	assert.False(t, ok)
}

func TestRegistry_ForCreatesAndReuses(t *testing.T) {
	r := NewRegistry(10)
	s1 := r.For("ROOM1")
	s2 := r.For("ROOM1")
	assert.Same(t, s1, s2)
}

func TestRegistry_Drop(t *testing.T) {
	r := NewRegistry(10)
	s1 := r.For("ROOM1")
	r.Drop("ROOM1")
	s2 := r.For("ROOM1")
	assert.NotSame(t, s1, s2)
}
