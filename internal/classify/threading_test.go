package classify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

const testBotJID = "5215550000@s.whatsapp.net"

func testStore(t *testing.T) (*bus.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := bus.Connect(context.Background(), bus.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.Store(), mr
}

func TestExtractTicketID(t *testing.T) {
	cases := []struct {
		text string
		want string
		ok   bool
	}{
		{"Ticket #1001 creado — pos (high)", "1001", true},
		{"ticket #44", "44", true},
		{"Revisa el Ticket 205 por favor", "205", true},
		{"seguimiento en #33", "33", true},
		{"Ticket #12 o #99", "12", true}, // explicit form wins over bare
		{"sin referencia alguna", "", false},
		{"Ticket #", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractTicketID(tc.text)
		assert.Equal(t, tc.ok, ok, "text: %q", tc.text)
		assert.Equal(t, tc.want, got, "text: %q", tc.text)
	}
}

func TestThreaderQuotedMatch(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	chat := "5215512345678@s.whatsapp.net"
	rec := &IncidentRecord{
		TicketID: "900000001", TicketNo: "1001", Chat: chat,
		CreatedAt: time.Now().UTC(), MessageIDs: []string{"m0"},
	}
	require.NoError(t, th.Register(ctx, rec))

	msg := bus.InboundMessage{
		ID: "m1", Chat: chat,
		Quoted: &bus.Quoted{ID: "b1", Author: testBotJID, Text: "Ticket #1001 creado — pos (high)"},
		Text:   "sigue fallando",
	}
	got, err := th.Resolve(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "900000001", got.TicketID)
	assert.Equal(t, "1001", got.DisplayID())
}

func TestThreaderQuotedWrongAuthor(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	msg := bus.InboundMessage{
		ID: "m1", Chat: "chat@g.us",
		Quoted: &bus.Quoted{ID: "x", Author: "5219998887766@s.whatsapp.net", Text: "Ticket #1001"},
	}
	got, err := th.Resolve(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, got, "a quote of a non-bot message must not thread")
}

func TestThreaderQuotedExpiredTicketFallsThrough(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	// Quoted names ticket 42, which is gone; but a younger thread exists.
	chat := "chat@g.us"
	live := &IncidentRecord{TicketID: "77", Chat: chat, CreatedAt: time.Now().UTC()}
	require.NoError(t, th.Register(ctx, live))

	msg := bus.InboundMessage{
		ID: "m1", Chat: chat,
		Quoted: &bus.Quoted{ID: "b0", Author: testBotJID, Text: "Ticket #42 creado"},
	}
	got, err := th.Resolve(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "77", got.TicketID, "tier 2 should pick the live thread")
}

func TestThreaderRecentWindow(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	chat := "5215512345678@s.whatsapp.net"
	old := &IncidentRecord{TicketID: "1", Chat: chat, CreatedAt: time.Now().UTC().Add(-90 * time.Minute)}
	young := &IncidentRecord{TicketID: "2", Chat: chat, CreatedAt: time.Now().UTC().Add(-10 * time.Minute)}
	require.NoError(t, th.Register(ctx, old))
	require.NoError(t, th.Register(ctx, young))

	got, err := th.Resolve(ctx, bus.InboundMessage{ID: "m1", Chat: chat, Text: "y ahora?"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.TicketID, "the newest thread wins")
}

func TestThreaderStaleThreadIgnored(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	chat := "chat@g.us"
	stale := &IncidentRecord{TicketID: "9", Chat: chat, CreatedAt: time.Now().UTC().Add(-3 * time.Hour)}
	// Write directly so the record exists despite its age.
	require.NoError(t, store.SetJSON(ctx, IncidentKey(chat, "9"), stale, 0))

	got, err := th.Resolve(ctx, bus.InboundMessage{ID: "m1", Chat: chat, Text: "hola"})
	require.NoError(t, err)
	assert.Nil(t, got, "threads older than the window never match")
}

func TestThreaderScopedToChat(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	require.NoError(t, th.Register(ctx, &IncidentRecord{
		TicketID: "5", Chat: "other@g.us", CreatedAt: time.Now().UTC(),
	}))

	got, err := th.Resolve(ctx, bus.InboundMessage{ID: "m1", Chat: "mine@g.us", Text: "hola"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThreaderAppendResetsTTL(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	th := NewThreader(store, testBotJID)

	chat := "chat@g.us"
	rec := &IncidentRecord{TicketID: "7", Chat: chat, CreatedAt: time.Now().UTC(), MessageIDs: []string{"m0"}}
	require.NoError(t, th.Register(ctx, rec))

	mr.FastForward(time.Hour)
	require.NoError(t, th.Append(ctx, rec, "m1"))
	mr.FastForward(IncidentTTL - time.Minute) // past original expiry, inside the reset one

	var got IncidentRecord
	found, err := store.GetJSON(ctx, IncidentKey(chat, "7"), &got)
	require.NoError(t, err)
	require.True(t, found, "append must reset the TTL")
	assert.Equal(t, []string{"m0", "m1"}, got.MessageIDs)
	assert.False(t, got.LastUpdate.IsZero())
}
