package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapSink_RecentReturnsInOrder(t *testing.T) {
	s := NewZapSink()
	s.Record(Event{At: time.Now(), Severity: SeverityLow, Action: "a"})
	s.Record(Event{At: time.Now(), Severity: SeverityHigh, Action: "b"})
	s.Record(Event{At: time.Now(), Severity: SeverityCritical, Action: "c"})

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Action)
	assert.Equal(t, "c", recent[1].Action)
}

func TestZapSink_RecentCapsAtAvailable(t *testing.T) {
	s := NewZapSink()
	s.Record(Event{At: time.Now(), Action: "only"})

	recent := s.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "only", recent[0].Action)
}

func TestZapSink_BufferBounded(t *testing.T) {
	s := NewZapSink()
	for i := 0; i < 1100; i++ {
		s.Record(Event{At: time.Now(), Action: "x"})
	}
	recent := s.Recent(2000)
	assert.LessOrEqual(t, len(recent), 1000)
}
