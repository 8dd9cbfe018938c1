package gateway

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// normalize flattens one protocol-shaped message into the bus shape.
// Returns false for messages that never enter the pipeline: self-authored,
// non-notify upserts, protocol bookkeeping, and content we cannot place.
func normalize(raw transport.RawMessage, selfJID string) (bus.InboundMessage, bool) {
	if raw.Key.FromMe {
		return bus.InboundMessage{}, false
	}
	if raw.Type != "" && raw.Type != "notify" {
		return bus.InboundMessage{}, false
	}
	if selfJID != "" && raw.Key.Participant == selfJID {
		return bus.InboundMessage{}, false
	}

	body := string(raw.Message)
	if body == "" || body == "null" || body == "{}" {
		return bus.InboundMessage{}, false
	}
	var content transport.RawContent
	if err := json.Unmarshal(raw.Message, &content); err != nil {
		return bus.InboundMessage{}, false
	}
	flat, ok := flatten(&content)
	if !ok {
		return bus.InboundMessage{}, false
	}

	chat := raw.Key.RemoteJID
	group := transport.IsGroupJID(chat)
	sender := chat
	if group && raw.Key.Participant != "" {
		sender = raw.Key.Participant
	}

	msg := bus.InboundMessage{
		ID:         raw.Key.ID,
		Chat:       chat,
		Sender:     sender,
		SenderName: raw.PushName,
		Timestamp:  time.Unix(raw.Timestamp, 0).UTC(),
		Transport:  "whatsapp",
		Kind:       flat.kind,
		Text:       flat.text,
		Caption:    flat.caption,
		Media:      flat.media,
		Quoted:     flat.quoted,
		Mentions:   flat.mentions,
		Forwarded:  flat.forwarded,
		Group:      group,
		Priority:   bus.PriorityNormal,
	}
	return msg, true
}

// flatContent is the result of unwrapping the per-type envelopes.
type flatContent struct {
	kind      bus.MessageKind
	text      string
	caption   string
	media     *bus.Media
	quoted    *bus.Quoted
	mentions  []string
	forwarded bool
}

// flatten picks the populated branch, unwrapping ephemeral and view-once
// layers first. Pure protocol messages (history sync, key rotation) do not
// produce user content.
func flatten(c *transport.RawContent) (flatContent, bool) {
	for c != nil {
		switch {
		case c.Ephemeral != nil:
			c = c.Ephemeral.Message
		case c.ViewOnce != nil:
			c = c.ViewOnce.Message
		default:
			return flattenLeaf(c)
		}
	}
	return flatContent{}, false
}

func flattenLeaf(c *transport.RawContent) (flatContent, bool) {
	switch {
	case c.Conversation != "":
		return flatContent{kind: bus.KindText, text: c.Conversation}, true
	case c.ExtendedText != nil:
		f := flatContent{kind: bus.KindText, text: c.ExtendedText.Text}
		applyContext(&f, c.ExtendedText.Context)
		return f, true
	case c.Image != nil:
		return mediaLeaf(bus.KindImage, c.Image), true
	case c.Video != nil:
		return mediaLeaf(bus.KindVideo, c.Video), true
	case c.Audio != nil:
		return mediaLeaf(bus.KindAudio, c.Audio), true
	case c.Document != nil:
		return mediaLeaf(bus.KindDocument, c.Document), true
	case c.Sticker != nil:
		return mediaLeaf(bus.KindSticker, c.Sticker), true
	case c.Location != nil:
		return locationLeaf(c.Location, false), true
	case c.LiveLocation != nil:
		return locationLeaf(c.LiveLocation, true), true
	case c.Contact != nil:
		f := flatContent{
			kind: bus.KindContact,
			text: c.Contact.DisplayName,
		}
		applyContext(&f, c.Contact.Context)
		return f, true
	case len(c.Protocol) > 0:
		return flatContent{}, false
	default:
		return flatContent{kind: bus.KindUnknown}, true
	}
}

func mediaLeaf(kind bus.MessageKind, m *transport.RawMedia) flatContent {
	f := flatContent{
		kind:    kind,
		caption: m.Caption,
		media: &bus.Media{
			Kind:     kind,
			Mime:     m.Mimetype,
			Size:     m.Length,
			Filename: m.FileName,
		},
	}
	applyContext(&f, m.Context)
	return f
}

func locationLeaf(l *transport.RawLocation, live bool) flatContent {
	f := flatContent{
		kind: bus.KindLocation,
		text: l.Name,
		media: &bus.Media{
			Kind:      bus.KindLocation,
			Live:      live,
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
		},
	}
	applyContext(&f, l.Context)
	return f
}

// applyContext lifts quoting, mentions and the forwarded flag out of the
// context envelope.
func applyContext(f *flatContent, ctx *transport.RawContext) {
	if ctx == nil {
		return
	}
	f.mentions = ctx.MentionedJID
	f.forwarded = ctx.IsForwarded
	if ctx.StanzaID == "" {
		return
	}
	quoted := &bus.Quoted{ID: ctx.StanzaID, Author: ctx.Participant}
	if len(ctx.Quoted) > 0 {
		var qc transport.RawContent
		if err := json.Unmarshal(ctx.Quoted, &qc); err == nil {
			if qf, ok := flatten(&qc); ok {
				quoted.Text = qf.text
				if quoted.Text == "" {
					quoted.Text = qf.caption
				}
			}
		}
	}
	f.quoted = quoted
}
