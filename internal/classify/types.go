package classify

import (
	"strings"
	"time"
)

// ConsensusKind names how the two model verdicts were combined.
type ConsensusKind string

const (
	ConsensusBothYes      ConsensusKind = "both_yes"
	ConsensusBothNo       ConsensusKind = "both_no"
	ConsensusDisagree     ConsensusKind = "disagree"
	ConsensusPartialError ConsensusKind = "partial_error"
	ConsensusBothError    ConsensusKind = "both_error"
)

// Urgency levels accepted from the models.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// CategoryOther absorbs anything outside the closed category set.
const CategoryOther = "otro"

// categories is the closed domain set. Model output outside it collapses
// to CategoryOther.
var categories = map[string]bool{
	"pos":         true,
	"impresora":   true,
	"red":         true,
	"inventario":  true,
	"software":    true,
	"hardware":    true,
	"acceso":      true,
	CategoryOther: true,
}

// NormalizeCategory maps free-form model output onto the closed set.
func NormalizeCategory(s string) string {
	c := strings.ToLower(strings.TrimSpace(s))
	if categories[c] {
		return c
	}
	return CategoryOther
}

// NormalizeUrgency maps free-form model output onto {high,medium,low}.
func NormalizeUrgency(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case UrgencyHigh, "alta":
		return UrgencyHigh
	case UrgencyLow, "baja":
		return UrgencyLow
	default:
		return UrgencyMedium
	}
}

// Verdict is one model's answer for one message. Err is set when the call
// failed; the zero verdict with Err set still feeds consensus.
type Verdict struct {
	Model      string  `json:"model"`
	IsIncident bool    `json:"is_incident"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
	Urgency    string  `json:"urgency,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
	Err        error   `json:"-"`
}

// Errored reports whether the model call failed.
func (v Verdict) Errored() bool { return v.Err != nil }

// Classification is the consensus over both verdicts. Confidence is a pure
// function of the two inputs; NeedsReview is true exactly for the disagree,
// partial_error and both_error cases.
type Classification struct {
	IsIncident  bool              `json:"is_incident"`
	Category    string            `json:"category,omitempty"`
	Urgency     string            `json:"urgency,omitempty"`
	Confidence  float64           `json:"confidence"`
	Consensus   ConsensusKind     `json:"consensus"`
	Rationale   map[string]string `json:"rationale,omitempty"`
	NeedsReview bool              `json:"needs_review"`
}

// IncidentRecord is the live thread state kept in the store at
// incident:active:{chat}:{display id}. The TTL is reset on every append;
// age checks use CreatedAt, not the TTL.
type IncidentRecord struct {
	TicketID   string    `json:"ticket_id"`               // helpdesk API id, used for updates
	TicketNo   string    `json:"ticket_number,omitempty"` // human-facing number users quote
	OriginMsg  string    `json:"origin_msg_id"`
	Chat       string    `json:"chat"`
	Reporter   string    `json:"reporter,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Category   string    `json:"category,omitempty"`
	Urgency    string    `json:"urgency,omitempty"`
	FirstText  string    `json:"first_text,omitempty"`
	MessageIDs []string  `json:"message_ids"`
	LastUpdate time.Time `json:"last_update"`
}

// DisplayID is the number shown to users and embedded in the store key.
// Ticket updates go through TicketID; everything user-facing uses this.
func (r IncidentRecord) DisplayID() string {
	if r.TicketNo != "" {
		return r.TicketNo
	}
	return r.TicketID
}

// Age reports how old the thread is relative to now.
func (r IncidentRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}
