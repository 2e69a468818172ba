package invalidation

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

const DefaultChannel = "authz:invalidations"

// RedisSource subscribes to a pub/sub channel. Pub/sub has no replay, so an
// instance that is down misses events and relies on TTL expiry.
type RedisSource struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// NewRedisSource subscribes to channel and waits for the subscription to be
// confirmed.
func NewRedisSource(ctx context.Context, client *redis.Client, channel string) (*RedisSource, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &RedisSource{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

func (s *RedisSource) Read(ctx context.Context) (model.InvalidationEvent, error) {
	select {
	case <-ctx.Done():
		return model.InvalidationEvent{}, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return model.InvalidationEvent{}, io.EOF
		}
		return decodeEvent([]byte(msg.Payload))
	}
}

func (s *RedisSource) Close() error {
	return s.pubsub.Close()
}

type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

func (r *RedisBroadcaster) Broadcast(ctx context.Context, ev model.InvalidationEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation to redis: %w", err)
	}
	return nil
}
