package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := Connect(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestStoreSetGetJSON(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()
	store := b.Store()

	in := InboundMessage{ID: "m1", Chat: "5215550001@s.whatsapp.net", Text: "hola", Priority: PriorityNormal}
	require.NoError(t, store.SetJSON(ctx, "test:m1", in, 0))

	var out InboundMessage
	found, err := store.GetJSON(ctx, "test:m1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	found, err = store.GetJSON(ctx, "test:missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreTTLExpiry(t *testing.T) {
	b, mr := testBus(t)
	ctx := context.Background()
	store := b.Store()

	require.NoError(t, store.SetJSON(ctx, "test:ttl", "v", 2*time.Hour))

	var v string
	found, err := store.GetJSON(ctx, "test:ttl", &v)
	require.NoError(t, err)
	require.True(t, found)

	mr.FastForward(2*time.Hour + time.Second)

	found, err = store.GetJSON(ctx, "test:ttl", &v)
	require.NoError(t, err)
	assert.False(t, found, "key should expire after TTL")
}

func TestStoreExpireResetsTTL(t *testing.T) {
	b, mr := testBus(t)
	ctx := context.Background()
	store := b.Store()

	require.NoError(t, store.SetJSON(ctx, "test:ttl", "v", time.Hour))
	mr.FastForward(50 * time.Minute)
	require.NoError(t, store.Expire(ctx, "test:ttl", time.Hour))
	mr.FastForward(50 * time.Minute)

	var v string
	found, err := store.GetJSON(ctx, "test:ttl", &v)
	require.NoError(t, err)
	assert.True(t, found, "reset TTL should keep the key alive past the original expiry")
}

func TestStoreScanPrefix(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()
	store := b.Store()

	chat := "5215550001@s.whatsapp.net"
	require.NoError(t, store.SetJSON(ctx, KeyIncidentActive+chat+":1001", "a", 0))
	require.NoError(t, store.SetJSON(ctx, KeyIncidentActive+chat+":1002", "b", 0))
	require.NoError(t, store.SetJSON(ctx, KeyIncidentActive+"other@g.us:2001", "c", 0))

	keys, err := store.ScanPrefix(ctx, KeyIncidentActive+chat+":")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		KeyIncidentActive + chat + ":1001",
		KeyIncidentActive + chat + ":1002",
	}, keys)
}

func TestStoreListOps(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()
	store := b.Store()

	require.NoError(t, store.ListPush(ctx, KeyTicketsPending, TicketCreateRequest{Subject: "s1"}))
	require.NoError(t, store.ListPush(ctx, KeyTicketsPending, TicketCreateRequest{Subject: "s2"}))

	n, err := store.ListLen(ctx, KeyTicketsPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := store.ListRange(ctx, KeyTicketsPending, 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var first TicketCreateRequest
	require.NoError(t, Unmarshal([]byte(entries[0]), &first))
	assert.Equal(t, "s1", first.Subject)

	// Overwrite in place, then remove by exact payload.
	first.Attempts = 2
	require.NoError(t, store.ListSet(ctx, KeyTicketsPending, 0, first))
	entries, err = store.ListRange(ctx, KeyTicketsPending, 0, -1)
	require.NoError(t, err)
	require.NoError(t, store.ListRemove(ctx, KeyTicketsPending, entries[0]))

	n, err = store.ListLen(ctx, KeyTicketsPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rest TicketCreateRequest
	entries, err = store.ListRange(ctx, KeyTicketsPending, 0, -1)
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(entries[0]), &rest))
	assert.Equal(t, "s2", rest.Subject)
}
