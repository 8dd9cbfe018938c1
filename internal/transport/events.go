package transport

import (
	"encoding/json"
	"fmt"
)

// Bridge frame vocabulary. The bridge wraps the WhatsApp client and talks
// JSON text frames: one action per request, one event per notification.
const (
	actionInit     = "init"
	actionSend     = "send"
	actionDownload = "download"
	actionPresence = "presence"
	actionPing     = "ping"

	EventQR      = "qr"
	EventOpen    = "open"
	EventClose   = "close"
	EventMessage = "message"
	EventCreds   = "creds"
	EventAck     = "ack"
	EventPong    = "pong"
)

// frame is the envelope both directions share. Requests carry Action+ID,
// notifications carry Event.
type frame struct {
	Action string          `json:"action,omitempty"`
	Event  string          `json:"event,omitempty"`
	ID     string          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(action, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", action, err)
	}
	return json.Marshal(frame{Action: action, ID: id, Data: raw})
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode bridge frame: %w", err)
	}
	return f, nil
}

// initPayload uploads the persisted session and connection options.
type initPayload struct {
	Session    map[string]json.RawMessage `json:"session,omitempty"`
	MarkOnline bool                       `json:"mark_online"`
}

// openPayload announces a successful connection.
type openPayload struct {
	JID string `json:"jid"`
}

// qrPayload carries the pairing code to render.
type qrPayload struct {
	Code string `json:"code"`
}

// closePayload carries the bridge-level disconnect reason.
type closePayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// credsPayload is one updated session blob to persist.
type credsPayload struct {
	File string          `json:"file"`
	Blob json.RawMessage `json:"blob"`
}

// AckResult resolves one request. Error codes map onto the shared failure
// taxonomy in the send path.
type AckResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RawKey identifies a message inside its conversation.
type RawKey struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remoteJid"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe"`
}

// RawMessage is the protocol-shaped message the bridge relays: the content
// sits nested under per-type envelopes exactly as the wire carries it.
// Unwrapping into a flat shape is the gateway's job.
type RawMessage struct {
	Key       RawKey          `json:"key"`
	PushName  string          `json:"pushName,omitempty"`
	Timestamp int64           `json:"messageTimestamp"`
	Type      string          `json:"type,omitempty"` // upsert kind: notify, append
	Message   json.RawMessage `json:"message"`
}

// RawContext is the quoting/mention envelope nested in extended content.
type RawContext struct {
	StanzaID     string          `json:"stanzaId,omitempty"`
	Participant  string          `json:"participant,omitempty"`
	Quoted       json.RawMessage `json:"quotedMessage,omitempty"`
	MentionedJID []string        `json:"mentionedJid,omitempty"`
	IsForwarded  bool            `json:"isForwarded,omitempty"`
}

// RawContent mirrors the per-type content envelopes. Exactly one branch is
// set per message; ephemeral and view-once wrappers nest another RawContent.
type RawContent struct {
	Conversation string           `json:"conversation,omitempty"`
	ExtendedText *RawExtendedText `json:"extendedTextMessage,omitempty"`
	Image        *RawMedia        `json:"imageMessage,omitempty"`
	Video        *RawMedia        `json:"videoMessage,omitempty"`
	Audio        *RawMedia        `json:"audioMessage,omitempty"`
	Document     *RawMedia        `json:"documentMessage,omitempty"`
	Sticker      *RawMedia        `json:"stickerMessage,omitempty"`
	Location     *RawLocation     `json:"locationMessage,omitempty"`
	LiveLocation *RawLocation     `json:"liveLocationMessage,omitempty"`
	Contact      *RawContact      `json:"contactMessage,omitempty"`
	Ephemeral    *RawWrapped      `json:"ephemeralMessage,omitempty"`
	ViewOnce     *RawWrapped      `json:"viewOnceMessage,omitempty"`
	Protocol     json.RawMessage  `json:"protocolMessage,omitempty"`
}

// RawWrapped re-nests content for ephemeral and view-once envelopes.
type RawWrapped struct {
	Message *RawContent `json:"message"`
}

// RawExtendedText is text with context (quotes, mentions, links).
type RawExtendedText struct {
	Text    string      `json:"text"`
	Context *RawContext `json:"contextInfo,omitempty"`
}

// RawMedia is the shared shape of all media envelopes.
type RawMedia struct {
	Caption  string      `json:"caption,omitempty"`
	Mimetype string      `json:"mimetype,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	Length   int64       `json:"fileLength,omitempty,string"`
	Context  *RawContext `json:"contextInfo,omitempty"`
}

// RawLocation covers static and live location shares.
type RawLocation struct {
	Latitude  float64     `json:"degreesLatitude"`
	Longitude float64     `json:"degreesLongitude"`
	Name      string      `json:"name,omitempty"`
	Context   *RawContext `json:"contextInfo,omitempty"`
}

// RawContact is a shared contact card.
type RawContact struct {
	DisplayName string      `json:"displayName,omitempty"`
	Vcard       string      `json:"vcard,omitempty"`
	Context     *RawContext `json:"contextInfo,omitempty"`
}

// SendRequest is the wire shape of one delivery.
type SendRequest struct {
	To       string     `json:"to"`
	Text     string     `json:"text,omitempty"`
	Media    *SendMedia `json:"media,omitempty"`
	Mentions []string   `json:"mentions,omitempty"`
	QuotedID string     `json:"quoted_id,omitempty"`
}

// SendMedia points the bridge at a local file to attach.
type SendMedia struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// downloadPayload asks the bridge to fetch and decrypt one attachment.
type downloadPayload struct {
	MessageID string `json:"message_id"`
	Chat      string `json:"chat"`
}

// DownloadResult returns the attachment bytes base64-encoded in Data.
type DownloadResult struct {
	Data string `json:"data"`
	Mime string `json:"mime,omitempty"`
}
