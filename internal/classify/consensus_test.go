package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsensusBothYes(t *testing.T) {
	a := Verdict{Model: "a", IsIncident: true, Confidence: 0.5, Category: "pos", Urgency: "high"}
	b := Verdict{Model: "b", IsIncident: true, Confidence: 0.6, Category: "red", Urgency: "low"}

	cls := Consensus(a, b)
	assert.Equal(t, ConsensusBothYes, cls.Consensus)
	assert.True(t, cls.IsIncident)
	assert.InDelta(t, 0.605, cls.Confidence, 1e-9) // mean 0.55 boosted
	assert.False(t, cls.NeedsReview)
	// Category follows the more confident side.
	assert.Equal(t, "red", cls.Category)
	assert.Equal(t, UrgencyLow, cls.Urgency)
}

func TestConsensusBothYesClampsAtOne(t *testing.T) {
	a := Verdict{Model: "a", IsIncident: true, Confidence: 0.98, Category: "pos", Urgency: "high"}
	b := Verdict{Model: "b", IsIncident: true, Confidence: 0.98, Category: "pos", Urgency: "high"}

	cls := Consensus(a, b)
	assert.Equal(t, 1.0, cls.Confidence)
	assert.False(t, cls.NeedsReview)
}

func TestConsensusBothNo(t *testing.T) {
	a := Verdict{Model: "a", IsIncident: false, Confidence: 0.7}
	b := Verdict{Model: "b", IsIncident: false, Confidence: 0.99}

	cls := Consensus(a, b)
	assert.Equal(t, ConsensusBothNo, cls.Consensus)
	assert.False(t, cls.IsIncident)
	assert.InDelta(t, 0.99, cls.Confidence, 1e-9)
	assert.False(t, cls.NeedsReview)
}

func TestConsensusDisagreeFollowsHigherConfidence(t *testing.T) {
	yes := Verdict{Model: "a", IsIncident: true, Confidence: 0.9, Category: "impresora", Urgency: "medium"}
	no := Verdict{Model: "b", IsIncident: false, Confidence: 0.4}

	cls := Consensus(yes, no)
	assert.Equal(t, ConsensusDisagree, cls.Consensus)
	assert.True(t, cls.IsIncident)
	assert.InDelta(t, 0.9*0.85, cls.Confidence, 1e-9)
	assert.True(t, cls.NeedsReview)
	assert.Equal(t, "impresora", cls.Category)

	// Same inputs, other side stronger: the no-verdict wins.
	cls = Consensus(Verdict{Model: "a", IsIncident: true, Confidence: 0.4},
		Verdict{Model: "b", IsIncident: false, Confidence: 0.9})
	assert.False(t, cls.IsIncident)
	assert.InDelta(t, 0.9*0.85, cls.Confidence, 1e-9)
	assert.True(t, cls.NeedsReview)
}

func TestConsensusPartialError(t *testing.T) {
	ok := Verdict{Model: "a", IsIncident: true, Confidence: 0.8, Category: "red", Urgency: "high"}
	failed := Verdict{Model: "b", Err: errors.New("timeout")}

	for _, pair := range [][2]Verdict{{ok, failed}, {failed, ok}} {
		cls := Consensus(pair[0], pair[1])
		assert.Equal(t, ConsensusPartialError, cls.Consensus)
		assert.True(t, cls.IsIncident)
		assert.InDelta(t, 0.8*0.75, cls.Confidence, 1e-9)
		assert.True(t, cls.NeedsReview)
		assert.Equal(t, "red", cls.Category)
	}
}

func TestConsensusBothError(t *testing.T) {
	a := Verdict{Model: "a", Err: errors.New("boom")}
	b := Verdict{Model: "b", Err: errors.New("bang")}

	cls := Consensus(a, b)
	assert.Equal(t, ConsensusBothError, cls.Consensus)
	assert.False(t, cls.IsIncident)
	assert.Equal(t, 0.0, cls.Confidence)
	assert.True(t, cls.NeedsReview)
	assert.Contains(t, cls.Rationale["a"], "boom")
	assert.Contains(t, cls.Rationale["b"], "bang")
}

func TestConsensusIsPure(t *testing.T) {
	a := Verdict{Model: "a", IsIncident: true, Confidence: 0.72, Category: "pos"}
	b := Verdict{Model: "b", IsIncident: false, Confidence: 0.31}

	first := Consensus(a, b)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Consensus(a, b))
	}
}

func TestKeywordFallback(t *testing.T) {
	bothErr := Classification{Consensus: ConsensusBothError, NeedsReview: true}

	cls := KeywordFallback("La impresora no funciona, es urgente", bothErr)
	require.True(t, cls.IsIncident)
	assert.Equal(t, fallbackConfidence, cls.Confidence)
	assert.Equal(t, "impresora", cls.Category)
	assert.Equal(t, UrgencyHigh, cls.Urgency)
	assert.True(t, cls.NeedsReview)
	assert.Equal(t, ConsensusBothError, cls.Consensus)

	// No keyword hit: the both_error no-verdict passes through.
	cls = KeywordFallback("Gracias por todo", bothErr)
	assert.False(t, cls.IsIncident)
	assert.Equal(t, 0.0, cls.Confidence)

	// Category-less keywords still produce an incident.
	cls = KeywordFallback("nada funciona, puro error", bothErr)
	assert.True(t, cls.IsIncident)
	assert.Equal(t, CategoryOther, cls.Category)
	assert.Equal(t, UrgencyMedium, cls.Urgency)
}

func TestKeywordFallbackOnlyAppliesToBothError(t *testing.T) {
	in := Classification{Consensus: ConsensusBothNo, Confidence: 0.95}
	assert.Equal(t, in, KeywordFallback("la impresora exploto", in))
}
