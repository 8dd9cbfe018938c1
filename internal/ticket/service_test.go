package ticket

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// fakeHelpdesk implements HelpdeskAPI in memory.
type fakeHelpdesk struct {
	mu           sync.Mutex
	contacts     map[string]*Contact
	tickets      []TicketFields
	notes        []string
	seq          int
	searchCalls  int
	contactCalls int
	ticketCalls  int
	createErr    error
	noteErr      error
	failSubjects map[string]error
}

func newFakeHelpdesk() *fakeHelpdesk {
	return &fakeHelpdesk{
		contacts:     map[string]*Contact{},
		failSubjects: map[string]error{},
	}
}

func (f *fakeHelpdesk) SearchContact(ctx context.Context, email string) (*Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.contacts[email], nil
}

func (f *fakeHelpdesk) CreateContact(ctx context.Context, name, email, phone string) (*Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactCalls++
	f.seq++
	c := &Contact{ID: fmt.Sprintf("c-%d", f.seq), Name: name, Email: email, Phone: phone}
	f.contacts[email] = c
	return c, nil
}

func (f *fakeHelpdesk) CreateTicket(ctx context.Context, fields TicketFields) (*CreatedTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketCalls++
	if err := f.failSubjects[fields.Subject]; err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.tickets = append(f.tickets, fields)
	return &CreatedTicket{
		ID:     fmt.Sprintf("900%06d", f.seq),
		Number: fmt.Sprintf("%d", 1000+f.seq),
	}, nil
}

func (f *fakeHelpdesk) AddNote(ctx context.Context, ticketID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noteErr != nil {
		return f.noteErr
	}
	f.notes = append(f.notes, ticketID+"|"+content)
	return nil
}

func (f *fakeHelpdesk) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeHelpdesk) counts() (searches, contacts, tickets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls, f.contactCalls, f.ticketCalls
}

func (f *fakeHelpdesk) lastTicket(t *testing.T) TicketFields {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.tickets)
	return f.tickets[len(f.tickets)-1]
}

func (f *fakeHelpdesk) lastNote(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.notes)
	return f.notes[len(f.notes)-1]
}

func newTestTicketer(t *testing.T, fake HelpdeskAPI, cache *ContactCache) (*Service, *bus.Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := bus.Connect(context.Background(), bus.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	cfg := config.HelpdeskConfig{
		BaseURL:            "http://helpdesk.test",
		DepartmentID:       "dep-1",
		BreakerFailures:    5,
		BreakerCooldownSec: 1,
	}
	svc := NewService(b, fake, cache, cfg, alerts.NewRecorder("ticketer", nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Publisher().Close(ctx)
	})
	return svc, b, mr
}

// eventCapture collects everything published on the given topics.
type eventCapture struct {
	mu      sync.Mutex
	byTopic map[string][]string
}

func captureEvents(t *testing.T, b *bus.Bus, topics ...string) *eventCapture {
	t.Helper()
	sub := b.Subscribe(context.Background(), topics...)
	t.Cleanup(func() { _ = sub.Close() })
	c := &eventCapture{byTopic: make(map[string][]string)}
	go func() {
		for m := range sub.Messages() {
			c.mu.Lock()
			c.byTopic[m.Channel] = append(c.byTopic[m.Channel], m.Payload)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *eventCapture) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTopic[topic])
}

func (c *eventCapture) all(topic string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.byTopic[topic]...)
}

func (c *eventCapture) waitOne(t *testing.T, topic string) string {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(topic) > 0 },
		3*time.Second, 10*time.Millisecond, "nothing arrived on %s", topic)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byTopic[topic][0]
}

func createReq(id, chat, subject string) bus.TicketCreateRequest {
	return bus.TicketCreateRequest{
		Subject:     subject,
		Description: "Tienda 907 no deja cobrar, marca error de red",
		Category:    "pos",
		Urgency:     "high",
		Reporter:    bus.Reporter{Name: "Tienda 907", Phone: "5215512345678"},
		SourceChat:  chat,
		SourceMsgID: id,
		Priority:    bus.PriorityNormal,
	}
}

func TestCreateSuccessPublishesEvent(t *testing.T) {
	fake := newFakeHelpdesk()
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated)
	ctx := context.Background()

	svc.handleCreate(ctx, createReq("m1", "G1@g.us", "[POS] caja no cobra"))

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.True(t, ev.Success)
	assert.NotEmpty(t, ev.TicketID)
	assert.NotEmpty(t, ev.TicketNo)
	assert.Equal(t, "[POS] caja no cobra", ev.Subject)
	assert.Equal(t, "pos", ev.Category)
	assert.Equal(t, "high", ev.Urgency)
	assert.Equal(t, "G1@g.us", ev.SourceChat)
	assert.Equal(t, "m1", ev.SourceMsgID)
	assert.Equal(t, bus.PriorityNormal, ev.Priority)

	fields := fake.lastTicket(t)
	assert.Equal(t, "dep-1", fields.DepartmentID)
	assert.Equal(t, "High", fields.Priority)
	assert.NotEmpty(t, fields.ContactID)
	assert.Equal(t, int64(1), svc.Stats().Created)
}

func TestContactResolvedThroughCacheOnRepeat(t *testing.T) {
	cache, err := OpenContactCache(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	fake := newFakeHelpdesk()
	svc, _, _ := newTestTicketer(t, fake, cache)
	ctx := context.Background()

	svc.handleCreate(ctx, createReq("m1", "G1@g.us", "[POS] uno"))
	svc.handleCreate(ctx, createReq("m2", "G1@g.us", "[POS] dos"))

	searches, contacts, tickets := fake.counts()
	assert.Equal(t, 1, searches, "second create must hit the cache")
	assert.Equal(t, 1, contacts)
	assert.Equal(t, 2, tickets)
}

func TestContactFoundByHelpdeskSearch(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.contacts["5215512345678@whatsapp.local"] = &Contact{ID: "c-99", Name: "Tienda 907"}
	svc, _, _ := newTestTicketer(t, fake, nil)

	svc.handleCreate(context.Background(), createReq("m1", "G1@g.us", "[POS] uno"))

	searches, contacts, _ := fake.counts()
	assert.Equal(t, 1, searches)
	assert.Equal(t, 0, contacts, "existing contact must not be re-created")
	assert.Equal(t, "c-99", fake.lastTicket(t).ContactID)
}

func TestCreateFailureEnqueuesFallback(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Transient, "helpdesk down"))
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated, bus.TopicNotifications)
	ctx := context.Background()

	svc.handleCreate(ctx, createReq("m1", "G1@g.us", "[POS] caja"))

	entries, err := svc.store.ListRange(ctx, bus.KeyTicketsPending, 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var parked bus.TicketCreateRequest
	require.NoError(t, bus.Unmarshal([]byte(entries[0]), &parked))
	assert.Equal(t, 0, parked.Attempts)
	assert.Contains(t, parked.LastError, "helpdesk down")
	require.NotNil(t, parked.EnqueuedAt)
	assert.Equal(t, "m1", parked.SourceMsgID)

	// No outcome event until the drain decides; only the queue notification.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, events.count(bus.TopicTicketCreated))
	assert.Equal(t, int64(1), svc.Stats().Enqueued)
	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(events.all(bus.TopicNotifications), "\n"), "ticket_enqueued_fallback")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Transient, "helpdesk down"))
	svc, _, _ := newTestTicketer(t, fake, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.handleCreate(ctx, createReq(fmt.Sprintf("m%d", i), "G1@g.us", "[POS] caja"))
	}
	_, _, tickets := fake.counts()
	assert.Equal(t, 5, tickets)
	assert.Equal(t, "open", svc.BreakerState())

	// Inside the cooldown the breaker rejects without touching the API, but
	// the request still lands on the fallback queue.
	svc.handleCreate(ctx, createReq("m5", "G1@g.us", "[POS] caja"))
	_, _, tickets = fake.counts()
	assert.Equal(t, 5, tickets, "open breaker must not call the helpdesk")

	n, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestBreakerClosesAfterCooldownProbe(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.setCreateErr(errkind.New(errkind.Transient, "helpdesk down"))
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketCreated)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.handleCreate(ctx, createReq(fmt.Sprintf("m%d", i), "G1@g.us", "[POS] caja"))
	}
	require.Equal(t, "open", svc.BreakerState())

	fake.setCreateErr(nil)
	time.Sleep(1100 * time.Millisecond) // config cooldown is 1s

	svc.handleCreate(ctx, createReq("m9", "G1@g.us", "[POS] caja"))
	assert.Equal(t, "closed", svc.BreakerState())

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketCreated)), &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, "m9", ev.SourceMsgID)
}

func TestHandleUpdateAddsNote(t *testing.T) {
	fake := newFakeHelpdesk()
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketUpdated)

	svc.handleUpdate(context.Background(), bus.TicketUpdateRequest{
		TicketID:    "900000001",
		Note:        "sigue fallando después de reiniciar",
		Author:      "Tienda 907",
		SourceChat:  "G1@g.us",
		SourceMsgID: "m2",
		Priority:    bus.PriorityNormal,
	})

	assert.Equal(t, "900000001|Tienda 907:\nsigue fallando después de reiniciar", fake.lastNote(t))

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketUpdated)), &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, "900000001", ev.TicketID)
	assert.Equal(t, "m2", ev.SourceMsgID)
	assert.Equal(t, int64(1), svc.Stats().Updated)
}

func TestHandleUpdateFailureEmitsFailureEvent(t *testing.T) {
	fake := newFakeHelpdesk()
	fake.noteErr = errkind.New(errkind.Transient, "helpdesk down")
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicTicketUpdated)

	svc.handleUpdate(context.Background(), bus.TicketUpdateRequest{
		TicketID: "900000001", Note: "nota", SourceChat: "G1@g.us", SourceMsgID: "m3",
	})

	var ev bus.TicketEvent
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicTicketUpdated)), &ev))
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Error, "helpdesk down")
	assert.Equal(t, int64(1), svc.Stats().Failed)
}

func TestReporterEmail(t *testing.T) {
	cases := []struct {
		name string
		rep  bus.Reporter
		want string
	}{
		{"real email wins", bus.Reporter{Email: "gerente@tienda.mx", Phone: "5215512345678"}, "gerente@tienda.mx"},
		{"digits from phone", bus.Reporter{Phone: "5215512345678"}, "5215512345678@whatsapp.local"},
		{"phone with separators", bus.Reporter{Phone: "+52 1 55-1234-5678"}, "5215512345678@whatsapp.local"},
		{"nothing known", bus.Reporter{Name: "Alguien"}, "desconocido@whatsapp.local"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, reporterEmail(tc.rep))
		})
	}
}

func TestPriorityForUrgency(t *testing.T) {
	assert.Equal(t, "High", priorityFor("high"))
	assert.Equal(t, "Medium", priorityFor("medium"))
	assert.Equal(t, "Medium", priorityFor(""))
	assert.Equal(t, "Low", priorityFor("low"))
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	fake := newFakeHelpdesk()
	svc, b, _ := newTestTicketer(t, fake, nil)
	events := captureEvents(t, b, bus.TopicNotifications)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	seen := func(name string) bool {
		for _, raw := range events.all(bus.TopicNotifications) {
			var n bus.Notification
			if bus.Unmarshal([]byte(raw), &n) == nil && n.Event == name {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return seen("service_started") },
		3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return seen("service_shutdown") },
		3*time.Second, 10*time.Millisecond)
}
