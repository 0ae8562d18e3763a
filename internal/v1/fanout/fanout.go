// Package fanout publishes outbound frames onto Redis channels keyed by room
// and by user, for other processes of this core sharing the same room and
// user space. It does no local delivery and subscribes to nothing. A nil
// *Service degrades to single-process mode transparently — every method is
// a safe no-op on a nil receiver.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/collab-audio/roomcore/internal/v1/metrics"
)

const circuitBreakerName = "fanout-redis"

// recordRedisOp publishes the operation/status counter and latency
// histogram for one Redis round-trip.
func recordRedisOp(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RedisOperationsTotal.WithLabelValues(operation, status).Inc()
	metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Envelope is what crosses the Redis channel between processes.
type Envelope struct {
	RoomID   int32           `json:"roomId,omitempty"`
	UserID   int32           `json:"userId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	SenderID int32           `json:"senderId,omitempty"`
}

// Service is the Redis-backed cross-process publisher/subscriber.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService connects to addr and verifies connectivity. Pass an empty
// addr to run in single-process mode (nil *Service, no error).
func NewService(addr, password string) (*Service, error) {
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("fanout: failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:     circuitBreakerName,
		Interval: time.Minute,
		Timeout:  15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	slog.Info("fanout: connected to redis", "addr", addr)
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func roomChannel(roomId int32) string { return fmt.Sprintf("roomcore:room:%d", roomId) }
func userChannel(userId int32) string { return fmt.Sprintf("roomcore:user:%d", userId) }

// PublishToRoom publishes payload on roomId's Redis channel, carrying
// senderId as Envelope.SenderID. It filters no recipients itself.
func (s *Service) PublishToRoom(ctx context.Context, roomId, senderId int32, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fanout: failed to marshal payload: %w", err)
	}

	envelope, err := json.Marshal(Envelope{RoomID: roomId, SenderID: senderId, Payload: body})
	if err != nil {
		return fmt.Errorf("fanout: failed to marshal envelope: %w", err)
	}

	_, err = s.cb.Execute(func() (any, error) {
		start := time.Now()
		pubErr := s.client.Publish(ctx, roomChannel(roomId), envelope).Err()
		recordRedisOp("publish_room", start, pubErr)
		return nil, pubErr
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(circuitBreakerName).Inc()
		slog.Warn("fanout: circuit open, dropping room publish", "roomId", roomId)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fanout: failed to publish to room: %w", err)
	}
	return nil
}

// PublishToUser republishes payload to every other process subscribed to
// userId.
func (s *Service) PublishToUser(ctx context.Context, userId int32, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fanout: failed to marshal payload: %w", err)
	}

	envelope, err := json.Marshal(Envelope{UserID: userId, Payload: body})
	if err != nil {
		return fmt.Errorf("fanout: failed to marshal envelope: %w", err)
	}

	_, err = s.cb.Execute(func() (any, error) {
		start := time.Now()
		pubErr := s.client.Publish(ctx, userChannel(userId), envelope).Err()
		recordRedisOp("publish_user", start, pubErr)
		return nil, pubErr
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(circuitBreakerName).Inc()
		slog.Warn("fanout: circuit open, dropping user publish", "userId", userId)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fanout: failed to publish to user: %w", err)
	}
	return nil
}

// SubscribeRoom starts a background goroutine delivering other processes'
// room broadcasts to handle until ctx is cancelled.
func (s *Service) SubscribeRoom(ctx context.Context, roomId int32, handle func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	s.subscribe(ctx, roomChannel(roomId), handle)
}

// SubscribeUser starts a background goroutine delivering other processes'
// user-targeted messages to handle until ctx is cancelled.
func (s *Service) SubscribeUser(ctx context.Context, userId int32, handle func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	s.subscribe(ctx, userChannel(userId), handle)
}

func (s *Service) subscribe(ctx context.Context, channel string, handle func(Envelope)) {
	pubsub := s.client.Subscribe(ctx, channel)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					slog.Error("fanout: failed to unmarshal envelope", "error", err)
					continue
				}
				handle(envelope)
			}
		}
	}()
}

// Ping reports whether the Redis connection is healthy.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	recordRedisOp("ping", start, err)
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
