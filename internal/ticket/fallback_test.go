package ticket

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

func TestDrainRecoversEntry(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Transient, "helpdesk down"))
	svc, b, _ := newTestTicketer(t, fake, nil)
	ctx := context.Background()

	svc.handleCreate(ctx, createReq("m1", "G1@g.us", "[POS] caja"))
	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	fake.setCreateErr(nil)
	events := captureEvents(t, b, bus.TopicTicketCreated)
	svc.DrainFallback(ctx)

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, "m1", ev.SourceMsgID)
	assert.NotEmpty(t, ev.TicketNo)

	n, err = svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), svc.Stats().Drained)
}

func TestDrainIncrementsAttemptsInPlace(t *testing.T) {
	fake := newFakeHelpdesk()
	// Validation errors are not retried inside a sweep, which keeps this
	// test free of fixed retry delays.
	fake.failSubjects["[POS] a"] = errkind.New(errkind.Validation, "bad a")
	fake.failSubjects["[POS] c"] = errkind.New(errkind.Validation, "bad c")
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated)
	ctx := context.Background()

	require.NoError(t, svc.store.ListPush(ctx, bus.KeyTicketsPending, createReq("ma", "G1@g.us", "[POS] a")))
	require.NoError(t, svc.store.ListPush(ctx, bus.KeyTicketsPending, createReq("mb", "G1@g.us", "[POS] b")))
	require.NoError(t, svc.store.ListPush(ctx, bus.KeyTicketsPending, createReq("mc", "G1@g.us", "[POS] c")))

	svc.DrainFallback(ctx)

	// b succeeded and was removed; a and c stay in order with one attempt
	// recorded.
	entries, err := svc.store.ListRange(ctx, bus.KeyTicketsPending, 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var first, second bus.TicketCreateRequest
	require.NoError(t, bus.Unmarshal([]byte(entries[0]), &first))
	require.NoError(t, bus.Unmarshal([]byte(entries[1]), &second))
	assert.Equal(t, "[POS] a", first.Subject)
	assert.Equal(t, 1, first.Attempts)
	assert.Contains(t, first.LastError, "bad a")
	assert.Equal(t, "[POS] c", second.Subject)
	assert.Equal(t, 1, second.Attempts)

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, "mb", ev.SourceMsgID)
}

func TestDrainCeilingEmitsFailureAndDrops(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Validation, "bad department"))
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated, bus.TopicNotifications)
	ctx := context.Background()

	req := createReq("m9", "G1@g.us", "[POS] caja")
	req.Attempts = maxQueueAttempts - 1
	req.LastError = "previous failure"
	require.NoError(t, svc.store.ListPush(ctx, bus.KeyTicketsPending, req))

	svc.DrainFallback(ctx)

	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "exhausted entry must be dropped")

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Error, "bad department")
	assert.Equal(t, "m9", ev.SourceMsgID)
	assert.Equal(t, bus.PriorityNormal, ev.Priority)

	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(events.all(bus.TopicNotifications), "\n"), "ticket_fallback_exhausted")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDrainDropsUndecodableEntry(t *testing.T) {
	fake := newFakeHelpdesk()
	svc, b, mr := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated)
	ctx := context.Background()

	_, err := mr.Push(bus.KeyTicketsPending, "{broken")
	require.NoError(t, err)
	require.NoError(t, svc.store.ListPush(ctx, bus.KeyTicketsPending, createReq("m1", "G1@g.us", "[POS] caja")))

	svc.DrainFallback(ctx)

	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "garbage must not wedge the queue")

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, "m1", ev.SourceMsgID)
}

func TestRetryCreateFailsFastOnOpenBreaker(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Transient, "helpdesk down"))
	svc, _, _ := newTestTicketer(t, fake, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.handleCreate(ctx, createReq(fmt.Sprintf("m%d", i), "G1@g.us", "[POS] caja"))
	}
	require.Equal(t, "open", svc.BreakerState())

	start := time.Now()
	_, err := svc.retryCreate(ctx, createReq("mx", "G2@g.us", "[POS] otra"))
	require.Error(t, err)
	assert.True(t, breakerOpen(err))
	assert.Less(t, time.Since(start), time.Second, "open breaker must not sleep through retry delays")
}
