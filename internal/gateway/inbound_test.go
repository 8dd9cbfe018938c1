package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// fakeSource feeds the pipeline protocol-shaped messages.
type fakeSource struct {
	ch  chan transport.RawMessage
	jid string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ch:  make(chan transport.RawMessage, 16),
		jid: "5215559999@s.whatsapp.net",
	}
}

func (f *fakeSource) Messages() <-chan transport.RawMessage { return f.ch }
func (f *fakeSource) SelfJID() string                       { return f.jid }

func newTestInbound(t *testing.T, src *fakeSource, dl *fakeDownloader,
	cfg config.GatewayConfig) (*InboundPipeline, *bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := bus.Connect(context.Background(), bus.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	msglog, err := NewMessageLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = msglog.Close() })

	pub := bus.NewPublisher(b, "gateway")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pub.Close(ctx)
	})

	media := NewMediaStore(t.TempDir(), 0, dl, false)
	p := NewInboundPipeline(src, media, NewFilters(0), msglog, pub, cfg,
		alerts.NewRecorder("gateway", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, b
}

func TestInboundPublishesNormalized(t *testing.T) {
	src := newFakeSource()
	p, b := newTestInbound(t, src, &fakeDownloader{}, config.GatewayConfig{})
	events := captureEvents(t, b, bus.TopicInbound)

	raw := rawText("m1", "5215550001@s.whatsapp.net", "la impresora no enciende")
	raw.PushName = "Ana"
	src.ch <- raw

	var msg bus.InboundMessage
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicInbound)), &msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "la impresora no enciende", msg.Text)
	assert.Equal(t, "Ana", msg.SenderName)
	assert.Equal(t, bus.PriorityNormal, msg.Priority)
	assert.Equal(t, "whatsapp", msg.Transport)

	require.Eventually(t, func() bool { return p.Stats().Published == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Received)
	assert.Zero(t, p.Stats().Dropped)
}

func TestInboundDropsDuplicate(t *testing.T) {
	src := newFakeSource()
	p, b := newTestInbound(t, src, &fakeDownloader{}, config.GatewayConfig{})
	events := captureEvents(t, b, bus.TopicInbound)

	src.ch <- rawText("m1", "5215550001@s.whatsapp.net", "se cayo el sistema")
	src.ch <- rawText("m2", "5215550001@s.whatsapp.net", "se cayo el sistema")

	require.Eventually(t, func() bool { return p.Stats().Received == 2 },
		3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Dropped == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Published)

	require.Eventually(t, func() bool { return events.count(bus.TopicInbound) == 1 },
		3*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return events.count(bus.TopicInbound) > 1 },
		300*time.Millisecond, 25*time.Millisecond, "the duplicate must never reach the bus")
}

func TestInboundSkipsSelfAuthored(t *testing.T) {
	src := newFakeSource()
	p, _ := newTestInbound(t, src, &fakeDownloader{}, config.GatewayConfig{})

	raw := rawText("m1", "5215550001@s.whatsapp.net", "respuesta nuestra")
	raw.Key.FromMe = true
	src.ch <- raw

	require.Eventually(t, func() bool { return p.Stats().Received == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Zero(t, p.Stats().Published)
	assert.Zero(t, p.Stats().Dropped, "a skip is not a filter drop")
}

func TestInboundSelfJIDFromConfigWins(t *testing.T) {
	src := newFakeSource()
	cfg := config.GatewayConfig{SelfJID: "5215550042@s.whatsapp.net"}
	p, _ := newTestInbound(t, src, &fakeDownloader{}, cfg)

	raw := transport.RawMessage{
		Key: transport.RawKey{
			ID:          "m1",
			RemoteJID:   "120363042@g.us",
			Participant: cfg.SelfJID,
		},
		Type:    "notify",
		Message: json.RawMessage(`{"conversation":"eco de nosotros"}`),
	}
	src.ch <- raw

	require.Eventually(t, func() bool { return p.Stats().Received == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Zero(t, p.Stats().Published, "configured self id overrides the source's")
}

func TestInboundTagsUrgentHigh(t *testing.T) {
	src := newFakeSource()
	_, b := newTestInbound(t, src, &fakeDownloader{}, config.GatewayConfig{})
	events := captureEvents(t, b, bus.TopicInbound)

	src.ch <- rawText("m1", "5215550001@s.whatsapp.net", "Es URGENTE, la tienda no puede cobrar")

	var msg bus.InboundMessage
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicInbound)), &msg))
	assert.Equal(t, bus.PriorityHigh, msg.Priority)
}

func TestInboundGroupMentionTagsHigh(t *testing.T) {
	src := newFakeSource()
	_, b := newTestInbound(t, src, &fakeDownloader{}, config.GatewayConfig{})
	events := captureEvents(t, b, bus.TopicInbound)

	src.ch <- transport.RawMessage{
		Key: transport.RawKey{
			ID:          "m1",
			RemoteJID:   "120363042@g.us",
			Participant: "5215550007@s.whatsapp.net",
		},
		Type: "notify",
		Message: json.RawMessage(`{
			"extendedTextMessage": {
				"text": "necesitamos ayuda en caja",
				"contextInfo": {"mentionedJid": ["5215559999@s.whatsapp.net"]}
			}
		}`),
	}

	var msg bus.InboundMessage
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicInbound)), &msg))
	assert.True(t, msg.Group)
	assert.Equal(t, bus.PriorityHigh, msg.Priority)
}

func TestInboundMediaFailureStillPublishes(t *testing.T) {
	src := newFakeSource()
	dl := &fakeDownloader{err: assert.AnError}
	p, b := newTestInbound(t, src, dl, config.GatewayConfig{})
	events := captureEvents(t, b, bus.TopicInbound)

	src.ch <- transport.RawMessage{
		Key:  transport.RawKey{ID: "m1", RemoteJID: "5215550001@s.whatsapp.net"},
		Type: "notify",
		Message: json.RawMessage(`{
			"imageMessage": {"caption": "pantalla de error", "mimetype": "image/jpeg"}
		}`),
	}

	var msg bus.InboundMessage
	require.NoError(t, bus.Unmarshal([]byte(events.waitOne(t, bus.TopicInbound)), &msg))
	require.NotNil(t, msg.Media)
	assert.Empty(t, msg.Media.Path, "failed download publishes without a local file")
	assert.Equal(t, "pantalla de error", msg.Caption)
	assert.Equal(t, int64(1), p.Stats().Published)
}
