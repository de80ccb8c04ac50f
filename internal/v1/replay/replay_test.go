package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhall/roomengine/internal/v1/types"
)

func ev(version uint64, at time.Time) types.Event {
	return types.Event{Type: "event", Version: version, Timestamp: at}
}

func TestBuffer_AppendAndAll(t *testing.T) {
	b := New(10, time.Hour)
	now := time.Now()
	b.Append(ev(1, now))
	b.Append(ev(2, now))

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Version)
	assert.Equal(t, uint64(2), all[1].Version)
}

func TestBuffer_EvictsOldestPastCapacity(t *testing.T) {
	b := New(2, time.Hour)
	now := time.Now()
	b.Append(ev(1, now))
	b.Append(ev(2, now))
	b.Append(ev(3, now))

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(2), all[0].Version)
	assert.Equal(t, uint64(3), all[1].Version)
}

func TestBuffer_Since(t *testing.T) {
	b := New(10, time.Hour)
	now := time.Now()
	for v := uint64(1); v <= 5; v++ {
		b.Append(ev(v, now))
	}

	since := b.Since(3)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(4), since[0].Version)
	assert.Equal(t, uint64(5), since[1].Version)
}

func TestBuffer_Range(t *testing.T) {
	b := New(10, time.Hour)
	now := time.Now()
	for v := uint64(1); v <= 5; v++ {
		b.Append(ev(v, now))
	}

	r := b.Range(2, 4)
	require.Len(t, r, 3)
	assert.Equal(t, []uint64{2, 3, 4}, []uint64{r[0].Version, r[1].Version, r[2].Version})
}

func TestBuffer_VersionAtOrBefore(t *testing.T) {
	b := New(10, time.Hour)
	base := time.Now()
	for v := uint64(1); v <= 3; v++ {
		b.Append(ev(v, base.Add(time.Duration(v)*time.Second)))
	}

	version, ok := b.VersionAtOrBefore(base.Add(2500 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, uint64(2), version)
}

func TestBuffer_VersionAtOrBeforeOlderThanEverythingReportsNotFound(t *testing.T) {
	b := New(10, time.Hour)
	base := time.Now()
	b.Append(ev(1, base))

	_, ok := b.VersionAtOrBefore(base.Add(-time.Hour))
	assert.False(t, ok)
}

func TestBuffer_LatestVersion(t *testing.T) {
	b := New(10, time.Hour)
	assert.Equal(t, uint64(0), b.LatestVersion())

	now := time.Now()
	b.Append(ev(1, now))
	b.Append(ev(2, now))
	assert.Equal(t, uint64(2), b.LatestVersion())
}

func TestBuffer_SweepExpired(t *testing.T) {
	b := New(10, time.Second)
	now := time.Now()
	b.Append(ev(1, now))
	b.Append(ev(2, now.Add(2*time.Second)))

	removed := b.SweepExpired(now.Add(2 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, []types.Event{ev(2, now.Add(2 * time.Second))}, b.All())
}

func TestBuffer_Clear(t *testing.T) {
	b := New(10, time.Hour)
	b.Append(ev(1, time.Now()))
	b.Clear()
	assert.Empty(t, b.All())
}

func TestRegistry_ForCreatesAndReuses(t *testing.T) {
	r := NewRegistry(10, time.Hour)
	b1 := r.For("ROOM1")
	b2 := r.For("ROOM1")
	assert.Same(t, b1, b2)
}

func TestRegistry_Drop(t *testing.T) {
	r := NewRegistry(10, time.Hour)
	b1 := r.For("ROOM1")
	r.Drop("ROOM1")
	b2 := r.For("ROOM1")
	assert.NotSame(t, b1, b2)
}
