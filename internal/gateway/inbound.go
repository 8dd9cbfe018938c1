package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// messageSource is the read half of the transport connection. Implemented by
// transport.Conn; narrowed here so tests can feed synthetic traffic.
type messageSource interface {
	Messages() <-chan transport.RawMessage
	SelfJID() string
}

// InboundStats is the /status snapshot of the inbound side.
type InboundStats struct {
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// InboundPipeline turns bridge traffic into bus messages: normalize, fetch
// media, filter, tag priority, publish, log. Dropped messages never reach
// the bus.
type InboundPipeline struct {
	src      messageSource
	media    *MediaStore
	filters  *Filters
	msglog   *MessageLog
	pub      *bus.Publisher
	recorder *alerts.Recorder
	cfg      config.GatewayConfig

	received  atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
}

func NewInboundPipeline(src messageSource, media *MediaStore, filters *Filters,
	msglog *MessageLog, pub *bus.Publisher, cfg config.GatewayConfig, recorder *alerts.Recorder) *InboundPipeline {
	return &InboundPipeline{
		src:      src,
		media:    media,
		filters:  filters,
		msglog:   msglog,
		pub:      pub,
		recorder: recorder,
		cfg:      cfg,
	}
}

// Stats returns the inbound counters.
func (p *InboundPipeline) Stats() InboundStats {
	return InboundStats{
		Received:  p.received.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Run consumes bridge messages until ctx is canceled or the source closes.
func (p *InboundPipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.src.Messages():
			if !ok {
				return
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *InboundPipeline) handle(ctx context.Context, raw transport.RawMessage) {
	p.received.Add(1)

	msg, ok := normalize(raw, p.selfJID())
	if !ok {
		slog.Debug("inbound skipped", "id", raw.Key.ID, "chat", raw.Key.RemoteJID)
		return
	}
	if msg.Media != nil {
		// A failed download leaves the message usable with an empty path.
		if err := p.media.Fetch(ctx, &msg); err != nil {
			p.recorder.RecordErr(ctx, "media_download", err)
		}
	}
	if reason := p.filters.Check(msg); reason != "" {
		p.dropped.Add(1)
		slog.Info("inbound dropped", "id", msg.ID, "chat", msg.Chat, "reason", reason)
		return
	}
	msg.Priority = priorityFor(msg)

	p.pub.PublishPriority(bus.TopicInbound, msg, msg.Priority)
	p.msglog.Inbound(msg)
	p.published.Add(1)
	slog.Info("inbound published",
		"id", msg.ID, "chat", msg.Chat, "kind", msg.Kind, "priority", msg.Priority)
}

// selfJID prefers the configured identity; the connection learns its own at
// open, which covers fresh pairings before config is updated.
func (p *InboundPipeline) selfJID() string {
	if p.cfg.SelfJID != "" {
		return p.cfg.SelfJID
	}
	return p.src.SelfJID()
}
