package ticket

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/tracing"
)

// defaultBreakerFailures opens the circuit after this many consecutive
// helpdesk failures when config does not override it.
const defaultBreakerFailures = 5

var tracer = tracing.Tracer("mesabot/ticket")

// HelpdeskAPI is the slice of the REST client the service consumes. Tests
// swap in a fake; production uses *Client.
type HelpdeskAPI interface {
	SearchContact(ctx context.Context, email string) (*Contact, error)
	CreateContact(ctx context.Context, name, email, phone string) (*Contact, error)
	CreateTicket(ctx context.Context, fields TicketFields) (*CreatedTicket, error)
	AddNote(ctx context.Context, ticketID, content string) error
}

// Stats is the /status snapshot.
type Stats struct {
	Created  int64 `json:"created"`
	Updated  int64 `json:"updated"`
	Enqueued int64 `json:"enqueued_fallback"`
	Drained  int64 `json:"drained"`
	Failed   int64 `json:"failed"`
}

// Service is the ticket manager process: it consumes create and update
// requests, funnels every helpdesk call through one circuit breaker and
// diverts failed creations to the persistent fallback queue.
type Service struct {
	bus      *bus.Bus
	pub      *bus.Publisher
	store    *bus.Store
	client   HelpdeskAPI
	contacts *ContactCache
	breaker  *gobreaker.CircuitBreaker[any]
	recorder *alerts.Recorder
	cfg      config.HelpdeskConfig

	created  atomic.Int64
	updated  atomic.Int64
	enqueued atomic.Int64
	drained  atomic.Int64
	failed   atomic.Int64
}

// NewService wires the ticket manager. contacts may be nil, which skips the
// local cache and always resolves through the helpdesk.
func NewService(b *bus.Bus, client HelpdeskAPI, contacts *ContactCache, cfg config.HelpdeskConfig, recorder *alerts.Recorder) *Service {
	return &Service{
		bus:      b,
		pub:      bus.NewPublisher(b, "ticketer"),
		store:    b.Store(),
		client:   client,
		contacts: contacts,
		breaker:  newBreaker(cfg),
		recorder: recorder,
		cfg:      cfg,
	}
}

func newBreaker(cfg config.HelpdeskConfig) *gobreaker.CircuitBreaker[any] {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = defaultBreakerFailures
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "helpdesk",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("helpdesk breaker state changed", "from", from.String(), "to", to.String())
		},
	})
}

func breakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Publisher exposes the queued publisher for shutdown draining.
func (s *Service) Publisher() *bus.Publisher { return s.pub }

// BreakerState reports the circuit state for /status.
func (s *Service) BreakerState() string { return s.breaker.State().String() }

// Stats returns the current processing counters.
func (s *Service) Stats() Stats {
	return Stats{
		Created:  s.created.Load(),
		Updated:  s.updated.Load(),
		Enqueued: s.enqueued.Load(),
		Drained:  s.drained.Load(),
		Failed:   s.failed.Load(),
	}
}

// PendingCount is the fallback queue depth.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.ListLen(ctx, bus.KeyTicketsPending)
}

// Run consumes ticket requests until ctx is canceled. Requests are handled
// sequentially: the helpdesk is one upstream and ordering creates against
// updates avoids noting a ticket that does not exist yet.
func (s *Service) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(ctx, bus.TopicTicketCreate, bus.TopicTicketUpdate)
	defer sub.Close()

	go s.runFallback(ctx)

	slog.Info("ticketer started",
		"helpdesk", s.cfg.BaseURL, "department", s.cfg.DepartmentID,
		"breaker_cooldown", s.cfg.BreakerCooldown())
	s.notify("service_started", nil)
	defer s.notify("service_shutdown", nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			s.handle(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

func (s *Service) handle(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case bus.TopicTicketCreate:
		var req bus.TicketCreateRequest
		if err := bus.Unmarshal(payload, &req); err != nil {
			s.recorder.Record(ctx, alerts.SeverityWarning, "decode_create", err)
			return
		}
		s.handleCreate(ctx, req)
	case bus.TopicTicketUpdate:
		var req bus.TicketUpdateRequest
		if err := bus.Unmarshal(payload, &req); err != nil {
			s.recorder.Record(ctx, alerts.SeverityWarning, "decode_update", err)
			return
		}
		s.handleUpdate(ctx, req)
	}
}

// handleCreate opens a ticket, or parks the request on the fallback queue
// when the helpdesk is unreachable or the breaker is open.
func (s *Service) handleCreate(ctx context.Context, req bus.TicketCreateRequest) {
	created, err := s.createThroughBreaker(ctx, req)
	if err != nil {
		s.recorder.RecordErr(ctx, "ticket_create", err)
		s.enqueueFallback(ctx, req, err)
		return
	}
	s.created.Add(1)
	s.publishCreated(req, created)
	slog.Info("ticket created",
		"ticket", created.Number, "category", req.Category, "chat", req.SourceChat)
}

// handleUpdate appends a note to an existing ticket. Updates never touch
// the fallback queue; the outcome event is the whole acknowledgement.
func (s *Service) handleUpdate(ctx context.Context, req bus.TicketUpdateRequest) {
	content := req.Note
	if req.Author != "" {
		content = req.Author + ":\n" + req.Note
	}
	_, err := s.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout())
		defer cancel()
		return nil, s.client.AddNote(callCtx, req.TicketID, content)
	})

	ev := bus.TicketEvent{
		Success:     err == nil,
		TicketID:    req.TicketID,
		SourceChat:  req.SourceChat,
		SourceMsgID: req.SourceMsgID,
		Priority:    req.Priority,
	}
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		s.recorder.RecordErr(ctx, "ticket_update", err)
	} else {
		s.updated.Add(1)
		slog.Info("ticket note added", "ticket", req.TicketID, "chat", req.SourceChat)
	}
	s.pub.PublishPriority(bus.TopicTicketUpdated, ev, req.Priority)
}

// CreateNow performs one synchronous create, for the manual /tickets
// endpoint. It shares the breaker but never touches the fallback queue.
func (s *Service) CreateNow(ctx context.Context, req bus.TicketCreateRequest) (*CreatedTicket, error) {
	created, err := s.createThroughBreaker(ctx, req)
	if err != nil {
		return nil, err
	}
	s.created.Add(1)
	s.publishCreated(req, created)
	return created, nil
}

// createThroughBreaker funnels one creation through the shared breaker. The
// recovery timeout bounds the call so a wedged probe cannot hold the
// half-open slot forever.
func (s *Service) createThroughBreaker(ctx context.Context, req bus.TicketCreateRequest) (*CreatedTicket, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout())
		defer cancel()
		return s.createTicket(callCtx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*CreatedTicket), nil
}

func (s *Service) createTicket(ctx context.Context, req bus.TicketCreateRequest) (*CreatedTicket, error) {
	ctx, span := tracer.Start(ctx, "ticket.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", req.Category),
		attribute.String("urgency", req.Urgency),
		attribute.String("chat", req.SourceChat),
	)

	contactID, err := s.resolveContact(ctx, req.Reporter)
	if err != nil {
		return nil, err
	}
	created, err := s.client.CreateTicket(ctx, TicketFields{
		Subject:      req.Subject,
		Description:  req.Description,
		DepartmentID: s.cfg.DepartmentID,
		ContactID:    contactID,
		Priority:     priorityFor(req.Urgency),
		Category:     req.Category,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ticket", created.Number))
	return created, nil
}

// resolveContact maps a reporter to a helpdesk contact id: cache first,
// then search, then create. WhatsApp reporters rarely carry an email, so a
// synthetic one keyed on the phone keeps them deduplicated.
func (s *Service) resolveContact(ctx context.Context, rep bus.Reporter) (string, error) {
	email := reporterEmail(rep)
	if s.contacts != nil {
		cached, err := s.contacts.Lookup(ctx, email)
		if err != nil {
			slog.Warn("contact cache lookup failed", "email", email, "error", err)
		} else if cached != nil {
			return cached.ContactID, nil
		}
	}

	contact, err := s.client.SearchContact(ctx, email)
	if err != nil {
		return "", err
	}
	if contact == nil {
		name := rep.Name
		if name == "" {
			name = rep.Phone
		}
		contact, err = s.client.CreateContact(ctx, name, email, rep.Phone)
		if err != nil {
			return "", err
		}
	}

	if s.contacts != nil {
		if contact.Email == "" {
			contact.Email = email
		}
		if err := s.contacts.Save(ctx, contact); err != nil {
			slog.Warn("contact cache save failed", "email", email, "error", err)
		}
	}
	return contact.ID, nil
}

// reporterEmail prefers a real email and otherwise synthesizes a stable one
// from the phone digits.
func reporterEmail(rep bus.Reporter) string {
	if rep.Email != "" {
		return rep.Email
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, rep.Phone)
	if digits == "" {
		digits = "desconocido"
	}
	return digits + "@whatsapp.local"
}

// priorityFor maps classifier urgency onto helpdesk priority labels.
func priorityFor(urgency string) string {
	switch urgency {
	case "high":
		return "High"
	case "low":
		return "Low"
	default:
		return "Medium"
	}
}

func (s *Service) publishCreated(req bus.TicketCreateRequest, created *CreatedTicket) {
	s.pub.PublishPriority(bus.TopicTicketCreated, bus.TicketEvent{
		Success:     true,
		TicketID:    created.ID,
		TicketNo:    created.Number,
		Subject:     req.Subject,
		Category:    req.Category,
		Urgency:     req.Urgency,
		SourceChat:  req.SourceChat,
		SourceMsgID: req.SourceMsgID,
		Priority:    req.Priority,
	}, req.Priority)
}

func (s *Service) publishCreateFailed(req bus.TicketCreateRequest, cause error) {
	s.pub.PublishPriority(bus.TopicTicketCreated, bus.TicketEvent{
		Success:     false,
		Subject:     req.Subject,
		Category:    req.Category,
		Urgency:     req.Urgency,
		Error:       cause.Error(),
		SourceChat:  req.SourceChat,
		SourceMsgID: req.SourceMsgID,
		Priority:    req.Priority,
	}, req.Priority)
}

// enqueueFallback persists the request for the background drain. When even
// the queue is unreachable the failure event goes out immediately so the
// user is not left waiting on a request nothing holds.
func (s *Service) enqueueFallback(ctx context.Context, req bus.TicketCreateRequest, cause error) {
	now := time.Now().UTC()
	req.LastError = cause.Error()
	if req.EnqueuedAt == nil {
		req.EnqueuedAt = &now
	}
	if err := s.store.ListPush(ctx, bus.KeyTicketsPending, req); err != nil {
		s.recorder.Record(ctx, alerts.SeverityCritical, "fallback_enqueue", err)
		s.publishCreateFailed(req, cause)
		return
	}
	s.enqueued.Add(1)
	s.notify("ticket_enqueued_fallback", map[string]string{
		"chat":     req.SourceChat,
		"category": req.Category,
		"error":    cause.Error(),
	})
	slog.Warn("ticket creation diverted to fallback queue",
		"chat", req.SourceChat, "category", req.Category, "error", cause)
}

func (s *Service) notify(event string, detail map[string]string) {
	s.pub.Publish(bus.TopicNotifications, bus.Notification{
		Event:   event,
		Service: "ticketer",
		Detail:  detail,
		At:      time.Now().UTC(),
	})
}
