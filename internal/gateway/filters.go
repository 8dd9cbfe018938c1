package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

const (
	duplicateWindow  = 5 * time.Second
	senderRateLimit  = 30
	senderRateWindow = 60 * time.Second
	spamWarnScore    = 2
)

// spamKeywords is the observational heuristic list. Hitting two or more
// logs a warning; dropping only happens above a configured block score.
var spamKeywords = []string{
	"gana dinero",
	"haz clic aqui",
	"haz click aqui",
	"oferta exclusiva",
	"premio garantizado",
	"gratis!!!",
	"inversion segura",
	"criptomonedas ya",
	"trabaja desde casa",
	"link en mi perfil",
}

// Filters is the fixed-order inbound gate: duplicate, per-sender rate,
// spam heuristic. Each filter passes or drops; dropped messages never
// reach the bus.
type Filters struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	senderRate *SlidingLimiter
	blockScore int
	now        func() time.Time
}

// NewFilters builds the gate. blockScore of zero keeps the spam filter
// observational.
func NewFilters(blockScore int) *Filters {
	return &Filters{
		seen:       make(map[string]time.Time),
		senderRate: NewSlidingLimiter(senderRateLimit, senderRateWindow),
		blockScore: blockScore,
		now:        time.Now,
	}
}

// Check runs the chain. A non-empty reason means the message is dropped.
func (f *Filters) Check(msg bus.InboundMessage) (reason string) {
	if f.isDuplicate(msg) {
		return "duplicate"
	}
	if !f.senderRate.Allow(msg.Sender) {
		return "sender_rate_limited"
	}
	if score := spamScore(msg.Body()); score >= spamWarnScore {
		slog.Warn("spam heuristic triggered",
			"sender", msg.Sender, "chat", msg.Chat, "score", score)
		if f.blockScore > 0 && score >= f.blockScore {
			return "spam"
		}
	}
	return ""
}

func (f *Filters) isDuplicate(msg bus.InboundMessage) bool {
	fp := fmt.Sprintf("%s|%s|%s", msg.Sender, msg.Kind, msg.Body())
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.seen[fp]; ok && now.Sub(last) < duplicateWindow {
		return true
	}
	if len(f.seen) >= maxTrackedKeys {
		for k, at := range f.seen {
			if now.Sub(at) >= duplicateWindow {
				delete(f.seen, k)
			}
		}
	}
	f.seen[fp] = now
	return false
}

func spamScore(text string) int {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}

// priorityFor tags a message high when it demands attention: a live
// location share, urgency language, or a group message that mentions
// someone directly.
func priorityFor(msg bus.InboundMessage) string {
	if msg.Media != nil && msg.Media.Live {
		return bus.PriorityHigh
	}
	if strings.Contains(strings.ToLower(msg.Body()), "urgent") {
		return bus.PriorityHigh
	}
	if msg.Group && len(msg.Mentions) > 0 {
		return bus.PriorityHigh
	}
	return bus.PriorityNormal
}
