// Package realtime bridges the in-process hub across server processes over Redis
// pub/sub, one channel per table.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kioskqueue/internal/hub"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

var _ interfaces.EventBus = (*Bridge)(nil)

// envelope is the wire form on Redis. Origin lets a process drop its own echoes.
type envelope struct {
	Origin string      `json:"origin"`
	Event  types.Event `json:"event"`
}

// Bridge publishes locally and to Redis, and replays events from other
// processes into the local hub.
type Bridge struct {
	client *redis.Client
	local  *hub.Hub
	prefix string
	origin string
}

// NewBridge wraps a running hub. prefix defaults to "kioskqueue:".
func NewBridge(client *redis.Client, local *hub.Hub, prefix string) *Bridge {
	if prefix == "" {
		prefix = "kioskqueue:"
	}
	return &Bridge{
		client: client,
		local:  local,
		prefix: prefix,
		origin: uuid.New().String(),
	}
}

// Channel returns the Redis channel carrying a table's events
func (b *Bridge) Channel(table string) string {
	return b.prefix + table
}

// Publish delivers to local subscribers first, then to other processes. A Redis
// failure is returned but local delivery has already happened.
func (b *Bridge) Publish(ctx context.Context, event types.Event) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}

	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(event.Table), payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", types.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe subscribes to the local hub, which also carries remote events
func (b *Bridge) Subscribe(tables ...string) interfaces.Subscription {
	return b.local.Subscribe(tables...)
}

// Run relays remote events into the local hub until ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: redis subscribe: %v", types.ErrBusUnavailable, err)
	}
	log.Printf("Realtime bridge subscribed: pattern=%s*", b.prefix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Channel, msg.Payload)
		}
	}
}

// relay decodes one Redis message and republishes it locally
func (b *Bridge) relay(ctx context.Context, channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("Dropping malformed realtime message: channel=%s err=%v", channel, err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	if env.Event.Table == "" {
		env.Event.Table = strings.TrimPrefix(channel, b.prefix)
	}
	if err := b.local.Publish(ctx, env.Event); err != nil {
		log.Printf("Failed to relay realtime event: table=%s err=%v", env.Event.Table, err)
	}
}
