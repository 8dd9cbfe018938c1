package classify

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// IncidentTTL keeps a thread alive in the store for two hours past its last
// append. Tier-2 matching additionally bounds by thread age, so a
// frequently-touched thread still stops collecting new messages two hours
// after creation.
const (
	IncidentTTL  = 2 * time.Hour
	maxThreadAge = 2 * time.Hour
)

// ticketIDPatterns are tried in order against quoted bot text. The first
// capture wins; the bare #123 form comes last so the explicit ones take
// precedence.
var ticketIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Ticket #(\d+)`),
	regexp.MustCompile(`(?i)Ticket (\d+)`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractTicketID scans text for a ticket reference.
func ExtractTicketID(text string) (string, bool) {
	for _, re := range ticketIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// IncidentKey builds the store key for one live thread.
func IncidentKey(chat, displayID string) string {
	return bus.KeyIncidentActive + chat + ":" + displayID
}

// Threader resolves inbound messages to live incident threads. Tier 1 is
// structural (a reply quoting a bot message that names a ticket), tier 2
// temporal (the newest thread in the chat, if young enough).
type Threader struct {
	store *bus.Store
	botID string
}

// NewThreader binds the resolver to the store and the bot identity used
// for quoted-author matching.
func NewThreader(store *bus.Store, botJID string) *Threader {
	return &Threader{store: store, botID: transport.PhoneFromJID(botJID)}
}

// Resolve returns the live thread the message belongs to, or nil when the
// message is a candidate new incident.
func (t *Threader) Resolve(ctx context.Context, msg bus.InboundMessage) (*IncidentRecord, error) {
	if rec, err := t.resolveQuoted(ctx, msg); rec != nil || err != nil {
		return rec, err
	}
	return t.resolveRecent(ctx, msg.Chat, time.Now())
}

// resolveQuoted is tier 1: the message must quote a bot message whose text
// names a ticket, and that ticket must still be active in this chat.
func (t *Threader) resolveQuoted(ctx context.Context, msg bus.InboundMessage) (*IncidentRecord, error) {
	if msg.Quoted == nil || t.botID == "" {
		return nil, nil
	}
	if transport.PhoneFromJID(msg.Quoted.Author) != t.botID {
		return nil, nil
	}
	id, ok := ExtractTicketID(msg.Quoted.Text)
	if !ok {
		return nil, nil
	}

	var rec IncidentRecord
	found, err := t.store.GetJSON(ctx, IncidentKey(msg.Chat, id), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Debug("quoted ticket no longer active", "chat", msg.Chat, "ticket", id)
		return nil, nil
	}
	return &rec, nil
}

// resolveRecent is tier 2: the newest thread in the chat wins if it was
// created within the age window.
func (t *Threader) resolveRecent(ctx context.Context, chat string, now time.Time) (*IncidentRecord, error) {
	keys, err := t.store.ScanPrefix(ctx, bus.KeyIncidentActive+chat+":")
	if err != nil {
		return nil, err
	}

	var newest *IncidentRecord
	for _, key := range keys {
		var rec IncidentRecord
		found, err := t.store.GetJSON(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if !found { // expired between scan and read
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			r := rec
			newest = &r
		}
	}
	if newest == nil || newest.Age(now) > maxThreadAge {
		return nil, nil
	}
	return newest, nil
}

// Append adds a message to a live thread and resets its TTL.
func (t *Threader) Append(ctx context.Context, rec *IncidentRecord, msgID string) error {
	rec.MessageIDs = append(rec.MessageIDs, msgID)
	rec.LastUpdate = time.Now().UTC()
	return t.store.SetJSON(ctx, IncidentKey(rec.Chat, rec.DisplayID()), rec, IncidentTTL)
}

// Register writes a fresh thread record under its computed key.
func (t *Threader) Register(ctx context.Context, rec *IncidentRecord) error {
	return t.store.SetJSON(ctx, IncidentKey(rec.Chat, rec.DisplayID()), rec, IncidentTTL)
}
