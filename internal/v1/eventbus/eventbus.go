// Package eventbus fans a Manager's observable signals (status changes,
// probable-leave detections, unrecoverable errors) out to other processes
// watching the same call over Redis pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/metrics"
)

// SignalEnvelope is the wire format published to the bus: one manager event
// plus enough addressing information for another process to know which
// session it concerns.
type SignalEnvelope struct {
	CallID  string          `json:"call_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Bus publishes and subscribes to membership signals over Redis.
type Bus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New connects to Redis and wraps every call in a circuit breaker so a
// Redis outage degrades publishes instead of blocking the caller.
func New(addr, password string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "eventbus",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateHalfOpen:
				v = 2
			case gobreaker.StateOpen:
				v = 1
			}
			metrics.CircuitBreakerState.WithLabelValues("eventbus").Set(v)
		},
	}

	return &Bus{client: rdb, cb: gobreaker.NewCircuitBreaker(st), logger: logger}, nil
}

func channelFor(callID ids.CallID) string {
	return fmt.Sprintf("matrixrtc:session:%s", callID)
}

// Publish sends one signal to every process subscribed to callID's channel.
// A circuit-open bus degrades gracefully: the publish is dropped rather than
// blocking or erroring the caller's event loop.
func (b *Bus) Publish(ctx context.Context, callID ids.CallID, kind string, payload map[string]any) error {
	if b == nil || b.client == nil {
		return nil
	}

	_, err := b.cb.Execute(func() (any, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env := SignalEnvelope{CallID: string(callID), Kind: kind, Payload: inner}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, b.client.Publish(ctx, channelFor(callID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			b.logger.Warn("eventbus circuit open, dropping publish", zap.String("call_id", string(callID)))
			return nil
		}
		return err
	}
	return nil
}

// Subscribe listens for signals concerning callID until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, callID ids.CallID, handler func(SignalEnvelope)) {
	if b == nil || b.client == nil {
		return
	}
	pubsub := b.client.Subscribe(ctx, channelFor(callID))
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
				var env SignalEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Error("failed to unmarshal eventbus signal", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping verifies Redis connectivity, used by the admin health endpoint.
func (b *Bus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) { return nil, b.client.Ping(ctx).Err() })
	return err
}

// Close shuts down the underlying Redis connection.
func (b *Bus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
