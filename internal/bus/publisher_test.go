package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idlePublisher builds a publisher whose worker is not running, so queue
// state can be inspected deterministically.
func idlePublisher() *Publisher {
	return &Publisher{
		service: "test",
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func TestPublisherHighPriorityJumpsQueue(t *testing.T) {
	p := idlePublisher()

	p.enqueue(newItem("t", "normal-1", PriorityNormal))
	p.enqueue(newItem("t", "normal-2", PriorityNormal))
	p.enqueue(newItem("t", "high-1", PriorityHigh))

	assert.Equal(t, "high-1", p.next().Payload)
	assert.Equal(t, "normal-1", p.next().Payload)
	assert.Equal(t, "normal-2", p.next().Payload)
}

func TestPublisherOverflowDropsOldest(t *testing.T) {
	p := idlePublisher()

	items := make([]*Item, 0, publisherQueueCap+3)
	for i := 0; i < publisherQueueCap+3; i++ {
		items = append(items, p.enqueue(newItem("t", i, PriorityNormal)))
	}

	assert.Equal(t, int64(3), p.dropped.Load())
	for i := 0; i < 3; i++ {
		err := items[i].Err(context.Background())
		assert.ErrorIs(t, err, ErrQueueFull, "oldest entries are the ones evicted")
	}

	// Head of the queue is now the fourth item enqueued.
	assert.Equal(t, 3, p.next().Payload)
}

func TestPublisherOverflowSparesHighPriority(t *testing.T) {
	p := idlePublisher()

	high := p.enqueue(newItem("t", "critical", PriorityHigh))
	for i := 0; i < publisherQueueCap; i++ {
		p.enqueue(newItem("t", i, PriorityNormal))
	}

	assert.Equal(t, int64(1), p.dropped.Load())
	select {
	case <-high.resolved:
		t.Fatal("high-priority item must not be evicted while normal entries remain")
	default:
	}
}

func TestPublisherDeliversThroughBus(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, TopicInbound)
	defer sub.Close()
	// go-redis registers the subscription lazily; force it before publishing.
	time.Sleep(50 * time.Millisecond)

	p := NewPublisher(b, "gateway")
	defer p.Close(ctx)

	msg := InboundMessage{ID: "m1", Chat: "123@s.whatsapp.net", Text: "hola"}
	item := p.Publish(TopicInbound, msg)
	require.NoError(t, item.Err(ctx))

	select {
	case got := <-sub.Messages():
		assert.Equal(t, TopicInbound, got.Channel)
		var decoded InboundMessage
		require.NoError(t, Unmarshal([]byte(got.Payload), &decoded))
		assert.Equal(t, msg.ID, decoded.ID)
		assert.Equal(t, msg.Text, decoded.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the published message")
	}
}

func TestPublisherBatchOutcomes(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	p := NewPublisher(b, "gateway")
	defer p.Close(ctx)

	payloads := make([]any, 5)
	for i := range payloads {
		payloads[i] = AgentResponse{To: "123@s.whatsapp.net", Text: fmt.Sprintf("reply %d", i)}
	}
	results := p.PublishBatch(ctx, TopicAgentResponse, payloads)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, TopicAgentResponse, r.Topic)
		assert.NoError(t, r.Err, "entry %d", i)
	}

	assert.Equal(t, int64(5), p.sent.Load())
}

func TestPublisherCloseDrains(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	p := NewPublisher(b, "gateway")
	var items []*Item
	for i := 0; i < 20; i++ {
		items = append(items, p.Publish(TopicNotifications, Notification{Event: "e"}))
	}
	require.NoError(t, p.Close(ctx))

	for _, it := range items {
		assert.NoError(t, it.Err(ctx))
	}
	assert.Equal(t, ErrPublisherClosed, p.Publish("t", "late").Err(ctx))
}
