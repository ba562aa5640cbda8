package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/redis/go-redis/v9"
)

// Relay carries room broadcasts between server instances.
type Relay interface {
	Publish(ctx context.Context, roomId string, b *Broadcast) error
	Subscribe(ctx context.Context, roomId string, fn func(*Broadcast)) (persist.Subscription, error)
}

type relayEnvelope struct {
	Origin    string     `json:"origin"`
	Broadcast *Broadcast `json:"broadcast"`
}

// RedisRelay publishes broadcasts on one Redis channel per room. Messages
// carry the publishing instance so it can skip its own.
type RedisRelay struct {
	client *redis.Client
	origin string
	log    *log.Logger
}

func NewRedisRelay(ctx context.Context, addr string, l *log.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		MaxRetries: 3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRelay{client: client, origin: uuid.NewString(), log: l}, nil
}

func relayChannel(roomId string) string {
	return "erd:room:" + roomId
}

func (rr *RedisRelay) Publish(ctx context.Context, roomId string, b *Broadcast) error {
	raw, err := json.Marshal(relayEnvelope{Origin: rr.origin, Broadcast: b})
	if err != nil {
		return err
	}
	return rr.client.Publish(ctx, relayChannel(roomId), raw).Err()
}

func (rr *RedisRelay) Subscribe(ctx context.Context, roomId string, fn func(*Broadcast)) (persist.Subscription, error) {
	ps := rr.client.Subscribe(ctx, relayChannel(roomId))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", relayChannel(roomId), err)
	}

	go func() {
		for m := range ps.Channel() {
			if b, ok := rr.decode(m.Payload); ok {
				fn(b)
			}
		}
	}()

	return persist.SubscriptionFunc(ps.Close), nil
}

// decode drops malformed messages and those published by this instance.
func (rr *RedisRelay) decode(payload string) (*Broadcast, bool) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Broadcast == nil {
		rr.log.Printf("dropping relay message: %q", payload)
		return nil, false
	}
	if env.Origin == rr.origin {
		return nil, false
	}
	return env.Broadcast, true
}

func (rr *RedisRelay) Close() error {
	return rr.client.Close()
}
