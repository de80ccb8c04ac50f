package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/room"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/types"
)

type noopSender struct{}

func (noopSender) SendTo(types.PlayerID, schema.Envelope) error { return nil }
func (noopSender) Broadcast([]types.PlayerID, schema.Envelope)  {}

func testRoomDeps(types.RoomCode) room.Deps {
	return room.Deps{
		Plugins:    plugin.NewRegistry(),
		Sender:     noopSender{},
		AckTimeout: time.Hour,
		SyncHz:     1000,
	}
}

func newTestRegistry() *Registry {
	return New(Config{CodeLength: 4, RoomTTL: time.Hour, CleanupGracePeriod: 20 * time.Millisecond}, testRoomDeps, nil)
}

func TestCreate_AssignsCodeAndStoresRoom(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{MaxPlayers: 4})
	require.NoError(t, err)
	assert.Len(t, string(code), 4)

	r, ok := reg.Get(code)
	require.True(t, ok)
	assert.Equal(t, types.PlayerID("host1"), r.HostID())
}

func TestCreate_CodeUsesConfusableFreeAlphabet(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)
	for _, c := range string(code) {
		assert.NotContains(t, "01OIL", string(c))
	}
}

func TestGet_UnknownCodeReturnsFalse(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	_, ok := reg.Get("NOPE")
	assert.False(t, ok)
}

func TestListByHost_OnlyReturnsRoomsOwnedByThatHost(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code1, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)
	_, err = reg.Create("host2", types.Settings{})
	require.NoError(t, err)

	codes := reg.ListByHost("host1")
	require.Len(t, codes, 1)
	assert.Equal(t, code1, codes[0])
}

func TestCount_TracksActiveRooms(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	assert.Equal(t, 0, reg.Count())
	_, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
}

func TestDestroy_RemovesRoomAndShutsItDown(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)

	reg.Destroy(code)
	_, ok := reg.Get(code)
	assert.False(t, ok)
}

func TestNotifyEmpty_DestroysRoomAfterGracePeriodIfStillEmpty(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)

	reg.NotifyEmpty(code)
	assert.Eventually(t, func() bool {
		_, ok := reg.Get(code)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPendingCleanup_KeepsRoomAlive(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)

	reg.NotifyEmpty(code)
	reg.CancelPendingCleanup(code)

	time.Sleep(60 * time.Millisecond)
	_, ok := reg.Get(code)
	assert.True(t, ok)
}

func TestSweepExpired_DestroysOnlyExpiredRooms(t *testing.T) {
	reg := New(Config{CodeLength: 4, RoomTTL: -time.Hour, CleanupGracePeriod: time.Second}, testRoomDeps, nil)
	defer reg.Shutdown(context.Background())

	code, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)

	reg.SweepExpired(time.Now())
	_, ok := reg.Get(code)
	assert.False(t, ok)
}

func TestShutdown_DestroysEveryRoom(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Create("host1", types.Settings{})
	require.NoError(t, err)
	_, err = reg.Create("host2", types.Settings{})
	require.NoError(t, err)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Equal(t, 0, reg.Count())
}

func TestShardID_StableAndBoundedByShardCount(t *testing.T) {
	id1 := ShardID("ABCD", 8)
	id2 := ShardID("ABCD", 8)
	assert.Equal(t, id1, id2)
	assert.Less(t, id1, uint32(8))
}

func TestShardID_ZeroShardCountFallsBackToOne(t *testing.T) {
	assert.Equal(t, uint32(0), ShardID("ABCD", 0))
}
