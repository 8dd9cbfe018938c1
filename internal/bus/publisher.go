package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher queue tuning. Values match the delivery guarantees the services
// rely on: bounded memory, bounded retry, oldest-first eviction.
const (
	publisherQueueCap    = 1000
	publisherMaxAttempts = 3
	publisherBaseBackoff = 1 * time.Second
	publisherMaxBackoff  = 10 * time.Second
	publisherSendTimeout = 5 * time.Second
)

// ErrQueueFull is resolved onto items evicted when the queue overflows.
var ErrQueueFull = errors.New("publish queue full, entry dropped")

// ErrPublisherClosed is returned for enqueues after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Item is one queued publish. MaxRetries of zero takes the publisher default.
type Item struct {
	Topic      string
	Payload    any
	Priority   string
	MaxRetries int
	Metadata   map[string]string

	attempts int
	mu       sync.Mutex
	err      error
	resolved chan struct{}
}

func (it *Item) budget() int {
	if it.MaxRetries > 0 {
		return it.MaxRetries
	}
	return publisherMaxAttempts
}

func newItem(topic string, payload any, priority string) *Item {
	return &Item{Topic: topic, Payload: payload, Priority: priority, resolved: make(chan struct{})}
}

func (it *Item) resolve(err error) {
	it.mu.Lock()
	it.err = err
	it.mu.Unlock()
	close(it.resolved)
}

// Err blocks until the item is delivered or permanently failed.
func (it *Item) Err(ctx context.Context) error {
	select {
	case <-it.resolved:
		it.mu.Lock()
		defer it.mu.Unlock()
		return it.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BatchResult is the outcome of one entry of a PublishBatch call.
type BatchResult struct {
	Topic string
	Err   error
}

// PublisherStats is a point-in-time snapshot for status endpoints.
type PublisherStats struct {
	Queued  int   `json:"queued"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Publisher serializes publishes through a bounded in-memory queue so
// callers never block on Redis. High-priority items jump ahead of normal
// ones; when the queue is full the oldest normal entry is evicted first.
// Failed publishes retry with exponential backoff up to a fixed attempt
// budget, then resolve with the final error.
type Publisher struct {
	bus     *Bus
	service string

	mu     sync.Mutex
	high   []*Item
	normal []*Item
	closed bool

	wake chan struct{}
	done chan struct{}

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewPublisher starts the queue worker. service names the emitting process
// in publish notifications.
func NewPublisher(b *Bus, service string) *Publisher {
	p := &Publisher{
		bus:     b,
		service: service,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues a normal-priority payload and returns immediately.
func (p *Publisher) Publish(topic string, v any) *Item {
	return p.enqueue(newItem(topic, v, PriorityNormal))
}

// PublishPriority enqueues with an explicit priority.
func (p *Publisher) PublishPriority(topic string, v any, priority string) *Item {
	return p.enqueue(newItem(topic, v, priority))
}

// PublishBatch enqueues every entry and blocks until each one is delivered
// or permanently failed, returning per-entry outcomes in order.
func (p *Publisher) PublishBatch(ctx context.Context, topic string, payloads []any) []BatchResult {
	items := make([]*Item, len(payloads))
	for i, v := range payloads {
		items[i] = p.Publish(topic, v)
	}
	results := make([]BatchResult, len(items))
	for i, it := range items {
		results[i] = BatchResult{Topic: it.Topic, Err: it.Err(ctx)}
	}
	return results
}

// Stats returns a snapshot of queue depth and lifetime counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	queued := len(p.high) + len(p.normal)
	p.mu.Unlock()
	return PublisherStats{
		Queued:  queued,
		Sent:    p.sent.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}

// Close stops intake and waits for the queue to drain, bounded by ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) enqueue(it *Item) *Item {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		it.resolve(ErrPublisherClosed)
		return it
	}
	if it.Priority == PriorityHigh {
		p.high = append(p.high, it)
	} else {
		p.normal = append(p.normal, it)
	}
	var evicted *Item
	if len(p.high)+len(p.normal) > publisherQueueCap {
		// Evict the oldest normal entry; only a queue made entirely of
		// high-priority items sacrifices its oldest one.
		if len(p.normal) > 0 {
			evicted, p.normal = p.normal[0], p.normal[1:]
		} else {
			evicted, p.high = p.high[0], p.high[1:]
		}
	}
	p.mu.Unlock()
	if evicted != nil {
		p.dropped.Add(1)
		slog.Warn("publish queue overflow, dropped oldest entry",
			"service", p.service, "topic", evicted.Topic, "priority", evicted.Priority)
		evicted.resolve(ErrQueueFull)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return it
}

// next pops the head item, high lane first. It returns nil once the
// publisher is closed and both lanes are empty.
func (p *Publisher) next() *Item {
	for {
		p.mu.Lock()
		var it *Item
		switch {
		case len(p.high) > 0:
			it, p.high = p.high[0], p.high[1:]
		case len(p.normal) > 0:
			it, p.normal = p.normal[0], p.normal[1:]
		}
		closed := p.closed
		p.mu.Unlock()
		if it != nil {
			return it
		}
		if closed {
			return nil
		}
		<-p.wake
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		it := p.next()
		if it == nil {
			return
		}
		p.deliver(it)
	}
}

func (p *Publisher) deliver(it *Item) {
	delay := publisherBaseBackoff
	for {
		ctx, cancel := context.WithTimeout(context.Background(), publisherSendTimeout)
		err := p.bus.Publish(ctx, it.Topic, it.Payload)
		cancel()
		it.attempts++
		if err == nil {
			p.sent.Add(1)
			p.notify("publish_success", it, nil)
			it.resolve(nil)
			return
		}
		if it.attempts >= it.budget() {
			p.failed.Add(1)
			slog.Error("publish failed permanently",
				"service", p.service, "topic", it.Topic, "attempts", it.attempts, "error", err)
			p.notify("publish_failed", it, err)
			it.resolve(err)
			return
		}
		slog.Warn("publish failed, backing off",
			"service", p.service, "topic", it.Topic, "attempt", it.attempts, "delay", delay, "error", err)
		time.Sleep(delay)
		delay *= 2
		if delay > publisherMaxBackoff {
			delay = publisherMaxBackoff
		}
	}
}

// notify emits observability events about publish outcomes. Best effort and
// never for the notifications topic itself, which would loop.
func (p *Publisher) notify(event string, it *Item, cause error) {
	if it.Topic == TopicNotifications {
		return
	}
	detail := map[string]string{"topic": it.Topic, "priority": it.Priority}
	for k, v := range it.Metadata {
		detail[k] = v
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publisherSendTimeout)
	defer cancel()
	_ = p.bus.Publish(ctx, TopicNotifications, Notification{
		Event:   event,
		Service: p.service,
		Detail:  detail,
		At:      time.Now().UTC(),
	})
}
