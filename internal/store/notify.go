// ABOUTME: Redis pub/sub change notifier for credential records
// ABOUTME: Delivers create/update/delete events to gateway instances without polling

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the pub/sub channels used for key change events.
const channelPrefix = "mcpdoor:keys:"

// subscribeBufferSize bounds the per-subscriber event buffer. A subscriber
// that falls this far behind starts losing events; the cache converges on the
// next event for an affected record.
const subscribeBufferSize = 64

// RedisNotifier implements Notifier over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier creates a notifier backed by the Redis instance at addr.
func NewRedisNotifier(addr, password string) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &RedisNotifier{
		client: client,
		logger: slog.Default().With("component", "notifier"),
	}
}

// Ping verifies connectivity to Redis. Called at startup so an unreachable
// notifier fails fast rather than at first publish.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Publish announces a change event on the provider's channel.
func (n *RedisNotifier) Publish(ctx context.Context, providerID string, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling change event: %w", err)
	}
	if err := n.client.Publish(ctx, channelPrefix+providerID, payload).Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

// Subscribe opens a change feed for the provider. The returned channel is
// closed when ctx is cancelled. A dropped connection is re-established with
// exponential backoff; events published while disconnected are lost, which
// the cache tolerates (last-writer-wins convergence).
func (n *RedisNotifier) Subscribe(ctx context.Context, providerID string) (<-chan ChangeEvent, error) {
	channel := channelPrefix + providerID

	sub := n.client.Subscribe(ctx, channel)
	// Confirm the subscription before any message exchange so the caller's
	// bulk load can't race an event published after this point.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	events := make(chan ChangeEvent, subscribeBufferSize)
	go n.pump(ctx, sub, channel, events)
	return events, nil
}

// pump forwards Redis messages to the events channel until ctx is cancelled,
// re-subscribing with backoff if the message stream ends unexpectedly.
func (n *RedisNotifier) pump(ctx context.Context, sub *redis.PubSub, channel string, events chan<- ChangeEvent) {
	defer close(events)
	defer func() { _ = sub.Close() }()

	for {
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					goto reconnect
				}
				var event ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Warn("dropping malformed change event", "channel", channel, "error", err)
					continue
				}
				select {
				case events <- event:
				default:
					n.logger.Warn("subscriber behind, dropping change event", "channel", channel)
				}
			}
		}

	reconnect:
		_ = sub.Close()
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 0 // keep trying until ctx is cancelled
		policy.MaxInterval = 30 * time.Second

		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			sub = n.client.Subscribe(ctx, channel)
			if _, err := sub.Receive(ctx); err != nil {
				_ = sub.Close()
				n.logger.Warn("resubscribe failed, retrying", "channel", channel, "error", err)
				return err
			}
			return nil
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			return
		}
		n.logger.Info("change feed re-established", "channel", channel)
	}
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ensure RedisNotifier implements Notifier.
var _ Notifier = (*RedisNotifier)(nil)
