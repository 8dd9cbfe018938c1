package bus

import "time"

// MessageKind classifies normalized inbound content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindUnknown  MessageKind = "unknown"
)

// Priority levels carried end-to-end from inbound tagging to outbound queueing.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

// Media describes an attachment: a downloaded inbound file or an outbound one.
type Media struct {
	Kind      MessageKind `json:"kind"`
	Mime      string      `json:"mime,omitempty"`
	Size      int64       `json:"size,omitempty"`
	Path      string      `json:"path,omitempty"`
	Filename  string      `json:"filename,omitempty"` // original name, documents only
	Live      bool        `json:"live,omitempty"`     // live location share
	Latitude  float64     `json:"latitude,omitempty"`
	Longitude float64     `json:"longitude,omitempty"`
}

// Quoted carries the referenced message when the sender replied to one.
type Quoted struct {
	ID     string `json:"id"`
	Text   string `json:"text,omitempty"`
	Author string `json:"author,omitempty"`
}

// InboundMessage is the normalized form of everything the gateway accepts
// from the transport. Published exactly once on TopicInbound; consumers must
// treat it as immutable.
type InboundMessage struct {
	ID         string      `json:"id"`
	Chat       string      `json:"chat"` // conversation id: {phone}@s.whatsapp.net or {gid}@g.us
	Sender     string      `json:"sender"`
	SenderName string      `json:"sender_name,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Transport  string      `json:"transport"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	Media      *Media      `json:"media,omitempty"`
	Quoted     *Quoted     `json:"quoted,omitempty"`
	Mentions   []string    `json:"mentions,omitempty"`
	Forwarded  bool        `json:"forwarded,omitempty"`
	Group      bool        `json:"group,omitempty"`
	Priority   string      `json:"priority"`
}

// Body returns the classifiable text of a message: the text for text
// messages, the caption for media.
func (m InboundMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// SendAttempt records one failed delivery try on an OutboundCommand.
type SendAttempt struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// OutboundCommand asks the gateway to deliver one message. Exactly one of
// Text or Media must be set after template expansion.
type OutboundCommand struct {
	ID              string            `json:"id"`
	To              string            `json:"to"`
	Text            string            `json:"text,omitempty"`
	Media           *Media            `json:"media,omitempty"`
	Mentions        []string          `json:"mentions,omitempty"`
	QuotedID        string            `json:"quoted_id,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty"`
	ScheduleCron    string            `json:"schedule_cron,omitempty"` // recurring send, cron syntax
	Template        string            `json:"template,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	TemplateApplied bool              `json:"template_applied,omitempty"`
	Attempts        int               `json:"attempts,omitempty"`
	History         []SendAttempt     `json:"history,omitempty"`
}

// Reporter identifies the person a ticket is opened for.
type Reporter struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// TicketCreateRequest asks the ticket manager to open a helpdesk ticket.
// Attempts, LastError and EnqueuedAt are only populated once the request
// lands on the fallback queue after a failed create.
type TicketCreateRequest struct {
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Urgency     string     `json:"urgency"`
	Reporter    Reporter   `json:"reporter"`
	SourceChat  string     `json:"source_chat"`
	SourceMsgID string     `json:"source_msg_id"`
	Priority    string     `json:"priority,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
}

// TicketUpdateRequest appends a note to an existing ticket.
type TicketUpdateRequest struct {
	TicketID    string `json:"ticket_id"`
	Note        string `json:"note"`
	Author      string `json:"author,omitempty"`
	SourceChat  string `json:"source_chat"`
	SourceMsgID string `json:"source_msg_id"`
	Priority    string `json:"priority,omitempty"`
}

// TicketEvent reports the outcome of a create or update. It echoes the
// source coordinates and classification so consumers stay stateless.
type TicketEvent struct {
	Success     bool   `json:"success"`
	TicketID    string `json:"ticket_id,omitempty"`
	TicketNo    string `json:"ticket_number,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Category    string `json:"category,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
	Error       string `json:"error,omitempty"`
	SourceChat  string `json:"source_chat,omitempty"`
	SourceMsgID string `json:"source_msg_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// AgentResponse is a user-facing reply produced by the classifier.
type AgentResponse struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	QuotedID string `json:"quoted_id,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Notification is operational telemetry fanned out on TopicNotifications.
type Notification struct {
	Event   string            `json:"event"`
	Service string            `json:"service"`
	Detail  map[string]string `json:"detail,omitempty"`
	At      time.Time         `json:"at"`
}
