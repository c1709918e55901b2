// Package redis fans envelopes out between the adapter host and the
// WebSocket hub. Each instance stream gets its own channel so hubs can
// follow a single instance or pattern-subscribe to all of them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/weft/internal/event"
)

type PubSub struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// PublishEnvelope marshals and publishes one envelope on its instance
// channel.
func (ps *PubSub) PublishEnvelope(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis.PubSub.PublishEnvelope: marshal: %w", err)
	}
	return ps.Publish(ctx, InstanceChannel(env.InstanceID), payload)
}

func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)
	return ps.consume(ctx, sub, "Subscribe")
}

// SubscribePattern subscribes with a glob pattern, e.g. AllInstances().
func (ps *PubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan []byte, func(), error) {
	sub := ps.client.PSubscribe(ctx, pattern)
	return ps.consume(ctx, sub, "SubscribePattern")
}

func (ps *PubSub) consume(ctx context.Context, sub *redis.PubSub, op string) (<-chan []byte, func(), error) {
	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.%s: receive confirmation: %w", op, err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// InstanceChannel returns the Redis channel carrying one instance's
// envelopes.
func InstanceChannel(instanceID string) string {
	return "events:" + instanceID
}

// AllInstances returns the pattern matching every instance channel.
func AllInstances() string {
	return "events:*"
}

// ControlChannel returns the Redis channel for host control frames
// (restore requests from the API toward the adapter host).
func ControlChannel(instanceID string) string {
	return "control:" + instanceID
}
