package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

func textMsg(id, sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:     id,
		Chat:   sender,
		Sender: sender,
		Kind:   bus.KindText,
		Text:   text,
	}
}

func TestFiltersDuplicateWindow(t *testing.T) {
	f := NewFilters(0)
	now := time.Now()
	f.now = func() time.Time { return now }

	msg := textMsg("m1", "5215550001@s.whatsapp.net", "no imprime la etiqueta")
	assert.Empty(t, f.Check(msg))

	// Same fingerprint with a different message id is still a duplicate.
	dup := textMsg("m2", msg.Sender, msg.Text)
	assert.Equal(t, "duplicate", f.Check(dup))

	now = now.Add(duplicateWindow + time.Second)
	assert.Empty(t, f.Check(textMsg("m3", msg.Sender, msg.Text)))
}

func TestFiltersDuplicateDistinguishesKindAndSender(t *testing.T) {
	f := NewFilters(0)

	assert.Empty(t, f.Check(textMsg("m1", "a@s.whatsapp.net", "hola")))
	assert.Empty(t, f.Check(textMsg("m2", "b@s.whatsapp.net", "hola")), "different sender")

	img := textMsg("m3", "a@s.whatsapp.net", "hola")
	img.Kind = bus.KindImage
	img.Text, img.Caption = "", "hola"
	assert.Empty(t, f.Check(img), "different kind")
}

func TestFiltersSenderRateLimit(t *testing.T) {
	f := NewFilters(0)
	f.senderRate = NewSlidingLimiter(2, time.Minute)

	sender := "5215550002@s.whatsapp.net"
	assert.Empty(t, f.Check(textMsg("m1", sender, "uno")))
	assert.Empty(t, f.Check(textMsg("m2", sender, "dos")))
	assert.Equal(t, "sender_rate_limited", f.Check(textMsg("m3", sender, "tres")))
}

func TestFiltersSpamObservationalByDefault(t *testing.T) {
	f := NewFilters(0)
	msg := textMsg("m1", "x@s.whatsapp.net", "Gana dinero con esta oferta exclusiva")
	assert.Empty(t, f.Check(msg), "two keyword hits warn but pass")
}

func TestFiltersSpamBlocksAboveConfiguredScore(t *testing.T) {
	f := NewFilters(2)
	msg := textMsg("m1", "x@s.whatsapp.net", "Gana dinero con esta oferta exclusiva")
	assert.Equal(t, "spam", f.Check(msg))
}

func TestSpamScore(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"la impresora no enciende", 0},
		{"GANA DINERO ya", 1},
		{"gana dinero, premio garantizado, trabaja desde casa", 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, spamScore(tc.text), "%q", tc.text)
	}
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{
			"plain text",
			bus.InboundMessage{Kind: bus.KindText, Text: "hola"},
			bus.PriorityNormal,
		},
		{
			"urgent substring",
			bus.InboundMessage{Kind: bus.KindText, Text: "Es URGENTE por favor"},
			bus.PriorityHigh,
		},
		{
			"live location",
			bus.InboundMessage{Kind: bus.KindLocation, Media: &bus.Media{Kind: bus.KindLocation, Live: true}},
			bus.PriorityHigh,
		},
		{
			"static location",
			bus.InboundMessage{Kind: bus.KindLocation, Media: &bus.Media{Kind: bus.KindLocation}},
			bus.PriorityNormal,
		},
		{
			"group with mentions",
			bus.InboundMessage{Kind: bus.KindText, Text: "revisa esto", Group: true, Mentions: []string{"1@s.whatsapp.net"}},
			bus.PriorityHigh,
		},
		{
			"group without mentions",
			bus.InboundMessage{Kind: bus.KindText, Text: "revisa esto", Group: true},
			bus.PriorityNormal,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, priorityFor(tc.msg))
		})
	}
}

func TestFiltersSeenMapStaysBounded(t *testing.T) {
	f := NewFilters(0)
	now := time.Now()
	f.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys; i++ {
		f.Check(textMsg("m", "s@s.whatsapp.net", fmt.Sprintf("texto %d", i)))
	}
	// Everything tracked so far is outside the window by now; the next check
	// must trigger the prune instead of growing without bound.
	now = now.Add(duplicateWindow + time.Second)
	f.Check(textMsg("m", "s@s.whatsapp.net", "nuevo"))
	assert.LessOrEqual(t, len(f.seen), maxTrackedKeys)
}
