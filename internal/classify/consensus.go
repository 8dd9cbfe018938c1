package classify

import "strings"

// Confidence adjustments per agreement case. Agreement is rewarded, a
// disagreement or a lost vote discounts the surviving confidence.
const (
	agreeBoost         = 1.1
	disagreePenalty    = 0.85
	oneSidedPenalty    = 0.75
	fallbackConfidence = 0.55
)

// Consensus combines the two model verdicts into one classification. It is
// a pure function of its inputs: same verdicts, same output.
func Consensus(a, b Verdict) Classification {
	cls := Classification{Rationale: rationaleOf(a, b)}

	switch {
	case a.Errored() && b.Errored():
		cls.Consensus = ConsensusBothError
		cls.IsIncident = false
		cls.Confidence = 0.0
		cls.NeedsReview = true

	case a.Errored() || b.Errored():
		valid := a
		if a.Errored() {
			valid = b
		}
		cls.Consensus = ConsensusPartialError
		cls.IsIncident = valid.IsIncident
		cls.Confidence = valid.Confidence * oneSidedPenalty
		cls.Category = NormalizeCategory(valid.Category)
		cls.Urgency = NormalizeUrgency(valid.Urgency)
		cls.NeedsReview = true

	case a.IsIncident && b.IsIncident:
		lead := higherOf(a, b)
		cls.Consensus = ConsensusBothYes
		cls.IsIncident = true
		cls.Confidence = min(1.0, (a.Confidence+b.Confidence)/2*agreeBoost)
		cls.Category = NormalizeCategory(lead.Category)
		cls.Urgency = NormalizeUrgency(lead.Urgency)

	case !a.IsIncident && !b.IsIncident:
		cls.Consensus = ConsensusBothNo
		cls.IsIncident = false
		cls.Confidence = max(a.Confidence, b.Confidence)

	default:
		lead := higherOf(a, b)
		cls.Consensus = ConsensusDisagree
		cls.IsIncident = lead.IsIncident
		cls.Confidence = lead.Confidence * disagreePenalty
		if lead.IsIncident {
			cls.Category = NormalizeCategory(lead.Category)
			cls.Urgency = NormalizeUrgency(lead.Urgency)
		}
		cls.NeedsReview = true
	}

	return cls
}

// higherOf returns the verdict with the greater confidence, preferring the
// first on a tie.
func higherOf(a, b Verdict) Verdict {
	if b.Confidence > a.Confidence {
		return b
	}
	return a
}

func rationaleOf(a, b Verdict) map[string]string {
	out := make(map[string]string, 2)
	for _, v := range []Verdict{a, b} {
		name := v.Model
		if name == "" {
			continue
		}
		if v.Errored() {
			out[name] = "error: " + v.Err.Error()
			continue
		}
		out[name] = v.Rationale
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// fallbackKeywords maps last-resort trigger words to a category. Empty
// category means the word signals an incident without naming a domain.
var fallbackKeywords = []struct {
	word     string
	category string
}{
	{"impresora", "impresora"},
	{"pos", "pos"},
	{"no deja cobrar", "pos"},
	{"caja", "pos"},
	{"terminal", "pos"},
	{"internet", "red"},
	{"red", "red"},
	{"wifi", "red"},
	{"inventario", "inventario"},
	{"sistema", "software"},
	{"no funciona", ""},
	{"falla", ""},
	{"error", ""},
	{"urgente", ""},
}

// KeywordFallback is the last line when both models errored: a match
// against the closed keyword list produces a fixed-confidence incident
// verdict that still demands review. Without a match the both_error
// classification passes through unchanged.
func KeywordFallback(text string, cls Classification) Classification {
	if cls.Consensus != ConsensusBothError {
		return cls
	}
	lower := strings.ToLower(text)

	matched := false
	category := ""
	for _, kw := range fallbackKeywords {
		if !strings.Contains(lower, kw.word) {
			continue
		}
		matched = true
		if category == "" && kw.category != "" {
			category = kw.category
		}
	}
	if !matched {
		return cls
	}

	cls.IsIncident = true
	cls.Confidence = fallbackConfidence
	cls.Category = NormalizeCategory(category)
	cls.Urgency = UrgencyMedium
	if strings.Contains(lower, "urgente") {
		cls.Urgency = UrgencyHigh
	}
	cls.NeedsReview = true
	return cls
}
