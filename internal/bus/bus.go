package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus is the shared Redis fabric: pub/sub topics plus the key/value store.
// Publishing and the store use one client, subscriptions a second one, so a
// slow consumer can never stall a publish.
type Bus struct {
	pub *redis.Client
	sub *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens both clients and verifies the server is reachable.
func Connect(ctx context.Context, opts Options) (*Bus, error) {
	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}
	b := &Bus{pub: mk(), sub: mk()}
	if err := b.pub.Ping(ctx).Err(); err != nil {
		b.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return b, nil
}

// Publish encodes and sends one payload on a topic.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if err := b.pub.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a subscription for the given topics on the dedicated
// subscriber client. Callers own the returned subscription and must Close it.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) *Subscription {
	return &Subscription{ps: b.sub.Subscribe(ctx, topics...)}
}

// Store exposes the key/value side of the fabric.
func (b *Bus) Store() *Store {
	return &Store{c: b.pub}
}

// Ping verifies both connections.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("publisher connection: %w", err)
	}
	if err := b.sub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("subscriber connection: %w", err)
	}
	return nil
}

// Close shuts down both clients.
func (b *Bus) Close() error {
	var first error
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			first = err
		}
	}
	if b.sub != nil {
		if err := b.sub.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscription delivers raw payloads for the subscribed topics.
type Subscription struct {
	ps *redis.PubSub
}

// Messages returns the delivery channel. Each entry carries the topic it
// arrived on (Channel) and the raw payload (Payload). The channel closes
// when the subscription does.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.ps.Channel()
}

// Close terminates the subscription and closes the delivery channel.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
