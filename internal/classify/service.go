package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

// Action thresholds applied to the consensus confidence. Exactly 0.90 still
// asks; only strictly-above auto-creates.
const (
	autoCreateThreshold = 0.90
	confirmThreshold    = 0.60
)

// PendingTTL bounds how long a confirmation ask stays promotable.
const PendingTTL = time.Hour

// PendingIncident parks a medium-confidence create request until the user
// confirms or the TTL clears it.
type PendingIncident struct {
	Request   bus.TicketCreateRequest `json:"request"`
	Class     Classification          `json:"classification"`
	CreatedAt time.Time               `json:"created_at"`
}

// confirmWords is the closed set of replies that promote a pending ask.
var confirmWords = map[string]bool{
	"confirmar":  true,
	"confirmo":   true,
	"si":         true,
	"sí":         true,
	"si crear":   true,
	"sí crear":   true,
	"ok":         true,
	"dale":       true,
	"de acuerdo": true,
}

func isConfirmation(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".!?,:;")
	return confirmWords[t]
}

// Stats is the /status snapshot.
type Stats struct {
	Processed       int64 `json:"processed"`
	Threaded        int64 `json:"threaded"`
	CreateRequested int64 `json:"create_requested"`
	ConfirmAsked    int64 `json:"confirm_asked"`
	Confirmed       int64 `json:"confirmed"`
	Ignored         int64 `json:"ignored"`
	Registered      int64 `json:"registered"`
}

// awaitedIncident carries what the ticket event cannot echo back: the
// reporter and first text the incident record needs.
type awaitedIncident struct {
	reporter  string
	firstText string
	at        time.Time
}

// Service is the classifier process: it serializes per chat, resolves
// threading, runs dual-model consensus and turns the outcome into bus
// traffic. All state beyond the in-flight awaiting map lives in the store.
type Service struct {
	bus      *bus.Bus
	pub      *bus.Publisher
	store    *bus.Store
	engine   *Engine
	threader *Threader
	recorder *alerts.Recorder
	cfg      config.ClassifierConfig
	workers  *keyedWorkers

	mu       sync.Mutex
	awaiting map[string]awaitedIncident

	processed       atomic.Int64
	threaded        atomic.Int64
	createRequested atomic.Int64
	confirmAsked    atomic.Int64
	confirmed       atomic.Int64
	ignored         atomic.Int64
	registered      atomic.Int64
}

// NewService wires the classifier. The engine is injected so tests can run
// against fake models.
func NewService(b *bus.Bus, engine *Engine, cfg config.ClassifierConfig, recorder *alerts.Recorder) *Service {
	return &Service{
		bus:      b,
		pub:      bus.NewPublisher(b, "classifier"),
		store:    b.Store(),
		engine:   engine,
		threader: NewThreader(b.Store(), cfg.BotJID),
		recorder: recorder,
		cfg:      cfg,
		workers:  newKeyedWorkers(),
		awaiting: make(map[string]awaitedIncident),
	}
}

// Publisher exposes the queued publisher for shutdown draining.
func (s *Service) Publisher() *bus.Publisher { return s.pub }

// Stats returns the current processing counters.
func (s *Service) Stats() Stats {
	return Stats{
		Processed:       s.processed.Load(),
		Threaded:        s.threaded.Load(),
		CreateRequested: s.createRequested.Load(),
		ConfirmAsked:    s.confirmAsked.Load(),
		Confirmed:       s.confirmed.Load(),
		Ignored:         s.ignored.Load(),
		Registered:      s.registered.Load(),
	}
}

// ClassifyText runs one ad-hoc consensus classification, for the manual
// /classify endpoint.
func (s *Service) ClassifyText(ctx context.Context, text string) Classification {
	return s.engine.Classify(ctx, text)
}

// Run consumes inbound messages and ticket events until ctx is canceled.
// Jobs are keyed by chat: one chat is strictly FIFO, different chats run in
// parallel.
func (s *Service) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(ctx, bus.TopicInbound, bus.TopicTicketCreated)
	defer sub.Close()

	slog.Info("classifier started",
		"primary", s.engine.primary.Name(),
		"secondary", s.engine.secondary.Name(),
		"bot", s.cfg.BotJID)
	s.notifyLifecycle("service_started")
	defer s.notifyLifecycle("service_shutdown")

	for {
		select {
		case <-ctx.Done():
			s.workers.Close()
			return nil
		case m, ok := <-sub.Messages():
			if !ok {
				s.workers.Close()
				return nil
			}
			s.dispatch(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

func (s *Service) dispatch(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case bus.TopicInbound:
		var msg bus.InboundMessage
		if err := bus.Unmarshal(payload, &msg); err != nil {
			s.recorder.Record(ctx, alerts.SeverityWarning, "decode_inbound", err)
			return
		}
		if !s.workers.Submit(msg.Chat, func() { s.handleInbound(ctx, msg) }) {
			slog.Warn("chat queue full, message dropped", "chat", msg.Chat, "id", msg.ID)
		}
	case bus.TopicTicketCreated:
		var ev bus.TicketEvent
		if err := bus.Unmarshal(payload, &ev); err != nil {
			s.recorder.Record(ctx, alerts.SeverityWarning, "decode_ticket_event", err)
			return
		}
		if ev.SourceChat == "" {
			return
		}
		if !s.workers.Submit(ev.SourceChat, func() { s.handleTicketCreated(ctx, ev) }) {
			slog.Warn("chat queue full, ticket event dropped", "chat", ev.SourceChat)
		}
	}
}

// handleInbound is the per-message pipeline: threading first, then the
// confirmation shortcut, then consensus classification.
func (s *Service) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	s.processed.Add(1)
	body := strings.TrimSpace(msg.Body())
	if body == "" {
		s.ignored.Add(1)
		slog.Debug("no classifiable text", "chat", msg.Chat, "id", msg.ID, "kind", msg.Kind)
		return
	}

	rec, err := s.threader.Resolve(ctx, msg)
	if err != nil {
		s.recorder.RecordErr(ctx, "threading", err)
	}
	if rec != nil {
		s.appendToThread(ctx, rec, msg)
		return
	}

	if s.promoteIfConfirmation(ctx, msg) {
		return
	}

	cls := s.engine.Classify(ctx, body)
	slog.Info("message classified",
		"chat", msg.Chat, "id", msg.ID,
		"is_incident", cls.IsIncident, "confidence", cls.Confidence,
		"consensus", cls.Consensus, "category", cls.Category,
		"needs_review", cls.NeedsReview)

	switch {
	case cls.IsIncident && cls.Confidence > autoCreateThreshold:
		s.requestCreate(msg, cls)
	case cls.IsIncident && cls.Confidence >= confirmThreshold:
		s.askConfirmation(ctx, msg, cls)
	default:
		s.ignored.Add(1)
	}
}

// appendToThread attaches the message to a live incident: store update,
// helpdesk note, user ack.
func (s *Service) appendToThread(ctx context.Context, rec *IncidentRecord, msg bus.InboundMessage) {
	s.threaded.Add(1)
	if err := s.threader.Append(ctx, rec, msg.ID); err != nil {
		s.recorder.RecordErr(ctx, "thread_append", err)
	}
	s.pub.PublishPriority(bus.TopicTicketUpdate, bus.TicketUpdateRequest{
		TicketID:    rec.TicketID,
		Note:        msg.Body(),
		Author:      displayName(msg),
		SourceChat:  msg.Chat,
		SourceMsgID: msg.ID,
		Priority:    msg.Priority,
	}, msg.Priority)
	s.reply(msg.Chat, msg.ID, msg.Priority,
		fmt.Sprintf("Mensaje agregado al Ticket #%s.", rec.DisplayID()))
	slog.Info("message threaded", "chat", msg.Chat, "id", msg.ID, "ticket", rec.DisplayID())
}

// requestCreate publishes the create request and remembers the local pieces
// the eventual ticket event cannot echo back.
func (s *Service) requestCreate(msg bus.InboundMessage, cls Classification) {
	s.createRequested.Add(1)
	req := buildCreateRequest(msg, cls)
	s.trackAwaiting(msg.Chat, msg.ID, awaitedIncident{
		reporter:  req.Reporter.Name,
		firstText: msg.Body(),
		at:        time.Now(),
	})
	s.pub.PublishPriority(bus.TopicTicketCreate, req, msg.Priority)
	slog.Info("ticket creation requested",
		"chat", msg.Chat, "id", msg.ID, "category", cls.Category, "urgency", cls.Urgency)
}

// askConfirmation parks the create request and asks the user.
func (s *Service) askConfirmation(ctx context.Context, msg bus.InboundMessage, cls Classification) {
	s.confirmAsked.Add(1)
	pend := PendingIncident{
		Request:   buildCreateRequest(msg, cls),
		Class:     cls,
		CreatedAt: time.Now().UTC(),
	}
	key := bus.KeyIncidentPending + msg.Chat + ":" + msg.ID
	if err := s.store.SetJSON(ctx, key, pend, PendingTTL); err != nil {
		s.recorder.RecordErr(ctx, "pending_park", err)
		return
	}
	s.reply(msg.Chat, msg.ID, msg.Priority, fmt.Sprintf(
		"Parece un incidente de %s (%s). ¿Deseas crear un ticket de soporte? Responde \"confirmar\" para crearlo.",
		cls.Category, cls.Urgency))
}

// promoteIfConfirmation turns a confirm-class reply into the parked create
// request. The newest pending ask in the chat wins.
func (s *Service) promoteIfConfirmation(ctx context.Context, msg bus.InboundMessage) bool {
	if !isConfirmation(msg.Body()) {
		return false
	}
	keys, err := s.store.ScanPrefix(ctx, bus.KeyIncidentPending+msg.Chat+":")
	if err != nil {
		s.recorder.RecordErr(ctx, "pending_scan", err)
		return false
	}

	var newest *PendingIncident
	var newestKey string
	for _, key := range keys {
		var pend PendingIncident
		found, err := s.store.GetJSON(ctx, key, &pend)
		if err != nil || !found {
			continue
		}
		if newest == nil || pend.CreatedAt.After(newest.CreatedAt) {
			p := pend
			newest = &p
			newestKey = key
		}
	}
	if newest == nil {
		return false
	}

	if err := s.store.Delete(ctx, newestKey); err != nil {
		s.recorder.RecordErr(ctx, "pending_delete", err)
	}
	s.confirmed.Add(1)
	req := newest.Request
	s.trackAwaiting(req.SourceChat, req.SourceMsgID, awaitedIncident{
		reporter:  req.Reporter.Name,
		firstText: req.Description,
		at:        time.Now(),
	})
	s.pub.PublishPriority(bus.TopicTicketCreate, req, priorityOr(req.Priority, msg.Priority))
	slog.Info("pending incident confirmed",
		"chat", msg.Chat, "origin", req.SourceMsgID, "category", req.Category)
	return true
}

// handleTicketCreated registers the live thread and tells the user. Failure
// events clear local tracking; the gateway owns the failure reply.
func (s *Service) handleTicketCreated(ctx context.Context, ev bus.TicketEvent) {
	if !ev.Success {
		s.takeAwaiting(ev.SourceChat, ev.SourceMsgID)
		slog.Warn("ticket creation failed",
			"chat", ev.SourceChat, "origin", ev.SourceMsgID, "error", ev.Error)
		return
	}

	now := time.Now().UTC()
	rec := &IncidentRecord{
		TicketID:   ev.TicketID,
		TicketNo:   ev.TicketNo,
		OriginMsg:  ev.SourceMsgID,
		Chat:       ev.SourceChat,
		CreatedAt:  now,
		Category:   ev.Category,
		Urgency:    ev.Urgency,
		MessageIDs: []string{ev.SourceMsgID},
		LastUpdate: now,
	}
	if aw, ok := s.takeAwaiting(ev.SourceChat, ev.SourceMsgID); ok {
		rec.Reporter = aw.reporter
		rec.FirstText = aw.firstText
	}
	if err := s.threader.Register(ctx, rec); err != nil {
		s.recorder.RecordErr(ctx, "incident_register", err)
	}
	s.registered.Add(1)

	s.reply(ev.SourceChat, ev.SourceMsgID, ev.Priority, fmt.Sprintf(
		"Ticket #%s creado — %s (%s)", rec.DisplayID(), ev.Category, ev.Urgency))
	slog.Info("incident registered",
		"chat", ev.SourceChat, "ticket", rec.DisplayID(), "category", ev.Category)
}

func (s *Service) reply(chat, quotedID, priority, text string) {
	s.pub.PublishPriority(bus.TopicAgentResponse, bus.AgentResponse{
		To:       chat,
		Text:     text,
		QuotedID: quotedID,
		Priority: priority,
	}, priority)
}

func (s *Service) notifyLifecycle(event string) {
	s.pub.Publish(bus.TopicNotifications, bus.Notification{
		Event:   event,
		Service: "classifier",
		At:      time.Now().UTC(),
	})
}

func (s *Service) trackAwaiting(chat, msgID string, aw awaitedIncident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic sweep: entries older than the pending TTL will never
	// get their event.
	cutoff := time.Now().Add(-PendingTTL)
	for k, v := range s.awaiting {
		if v.at.Before(cutoff) {
			delete(s.awaiting, k)
		}
	}
	s.awaiting[chat+"|"+msgID] = aw
}

func (s *Service) takeAwaiting(chat, msgID string) (awaitedIncident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aw, ok := s.awaiting[chat+"|"+msgID]
	if ok {
		delete(s.awaiting, chat+"|"+msgID)
	}
	return aw, ok
}

func buildCreateRequest(msg bus.InboundMessage, cls Classification) bus.TicketCreateRequest {
	body := msg.Body()
	return bus.TicketCreateRequest{
		Subject:     subjectFor(cls.Category, body),
		Description: descriptionFor(msg, cls),
		Category:    cls.Category,
		Urgency:     cls.Urgency,
		Reporter: bus.Reporter{
			Name:  displayName(msg),
			Phone: transport.PhoneFromJID(msg.Sender),
		},
		SourceChat:  msg.Chat,
		SourceMsgID: msg.ID,
		Priority:    msg.Priority,
	}
}

func subjectFor(category, body string) string {
	line := strings.Join(strings.Fields(body), " ")
	return fmt.Sprintf("[%s] %s", strings.ToUpper(category), truncate(line, 60))
}

func descriptionFor(msg bus.InboundMessage, cls Classification) string {
	var b strings.Builder
	b.WriteString(msg.Body())
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Reportado por: %s (%s)\n", displayName(msg), transport.PhoneFromJID(msg.Sender))
	fmt.Fprintf(&b, "Conversación: %s\n", msg.Chat)
	fmt.Fprintf(&b, "Mensaje: %s\n", msg.ID)
	fmt.Fprintf(&b, "Recibido: %s\n", msg.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Clasificación: %s/%s, confianza %.2f (%s)\n",
		cls.Category, cls.Urgency, cls.Confidence, cls.Consensus)
	return b.String()
}

func displayName(msg bus.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return transport.PhoneFromJID(msg.Sender)
}

func priorityOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
