// Package security consolidates the critical-action audit trail: game
// start, game end and pause, unauthorized host actions, payload
// validation failures seen by the hub's dispatcher, rate-limit trips on
// intents, and ACK-timeout resyncs are recorded through one Sink instead
// of being scattered across ad hoc zap.Warn call sites. Envelope-level
// validation failures in a client's read pump and rate-limit rejections
// of the WebSocket upgrade are counted in metrics only.
package security

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/logging"
)

// Severity is the audit-trail severity tier.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one audit-trail entry.
type Event struct {
	At       time.Time
	Severity Severity
	RoomCode string
	ActorID  string
	Action   string
	Payload  map[string]any
}

// Sink consumes recorded security events. Implementations must not
// block the caller with unbounded I/O (append-only, batched per §5).
type Sink interface {
	Record(ev Event)
}

// ZapSink writes events through structured logging, batching is left to
// the log shipper rather than this process.
type ZapSink struct {
	logger *zap.Logger
	mu     sync.Mutex
	buf    []Event
}

// NewZapSink builds a Sink backed by the package logger.
func NewZapSink() *ZapSink {
	return &ZapSink{logger: logging.GetLogger()}
}

func (s *ZapSink) Record(ev Event) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	if len(s.buf) > 1000 {
		s.buf = s.buf[len(s.buf)-1000:]
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("severity", string(ev.Severity)),
		zap.String("room_code", ev.RoomCode),
		zap.String("actor_id", ev.ActorID),
		zap.String("action", ev.Action),
		zap.Any("payload", ev.Payload),
	}
	switch ev.Severity {
	case SeverityCritical, SeverityHigh:
		s.logger.Error("security_event", fields...)
	case SeverityMedium:
		s.logger.Warn("security_event", fields...)
	default:
		s.logger.Info("security_event", fields...)
	}
}

// Recent returns up to the last n recorded events, for diagnostics
// endpoints that want to show recent audit history without a log query.
func (s *ZapSink) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.buf) {
		n = len(s.buf)
	}
	out := make([]Event, n)
	copy(out, s.buf[len(s.buf)-n:])
	return out
}
