// Package bus implements the optional cross-instance fan-out adapter
// (spec §6 REDIS_URL). The room engine itself only requires that a
// broadcast reach every connection in a room; when REDIS_URL is unset,
// in-process delivery already satisfies that within a single instance
// and a *Service method receiver of nil is a legal, inert no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/metrics"
)

// PubSubPayload is the envelope moved between instances over Redis.
type PubSubPayload struct {
	RoomCode string          `json:"roomCode"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // this instance's id, to discard self-echo
}

// Service fans room broadcasts out to other instances over Redis pub/sub,
// behind a circuit breaker so a flaky Redis degrades to single-instance
// delivery instead of blocking the room actor.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client, or nil in single-instance mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and wraps the connection in a circuit breaker.
func NewService(url string) (*Service, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	logging.Info(context.Background(), "connected to redis bus")
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.New().String(),
	}, nil
}

// Publish broadcasts roomCode's event to every other instance subscribed
// to that room's channel. Implements types.BusService.
func (s *Service) Publish(ctx context.Context, roomCode string, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg := PubSubPayload{RoomCode: roomCode, Event: event, Payload: innerBytes, SenderID: s.instanceID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		channel := channelName(roomCode)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit open: dropping publish", zap.String("room_code", roomCode))
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a background goroutine forwarding messages from other
// instances' Publish calls to handler. Self-originated messages are
// filtered out. The goroutine exits when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomCode string, handler func(event string, payload []byte)) {
	if s == nil || s.client == nil {
		return
	}

	channel := channelName(roomCode)
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal bus message", zap.String("room_code", roomCode))
					continue
				}
				if payload.SenderID == s.instanceID {
					continue
				}
				handler(payload.Event, payload.Payload)
			}
		}
	}()
}

// Ping checks Redis connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set; used for the dispatcher's
// cross-instance room index.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("set add: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("set rem: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("set members: %w", err)
	}
	return res.([]string), nil
}

func channelName(roomCode string) string {
	return fmt.Sprintf("roomengine:room:%s", roomCode)
}

