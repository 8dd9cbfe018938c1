package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

const (
	destRateLimit   = 20
	destRateWindow  = 60 * time.Second
	sendMaxAttempts = 3
	sendBaseBackoff = 5 * time.Second
	sendMaxBackoff  = 30 * time.Second
	maxBodyUnits    = 4096 // transport body limit, in UTF-16 code units
)

// createFailedReply is what the source chat sees when ticket creation has
// permanently failed downstream.
const createFailedReply = "No se pudo crear el ticket de soporte. " +
	"El equipo ya fue notificado, por favor intenta de nuevo más tarde."

// bridgeSender is the delivery half of the transport. Implemented by
// transport.Sender; narrowed here so tests can stub it.
type bridgeSender interface {
	Send(ctx context.Context, req transport.SendRequest) error
}

// retryEntry is one failed command waiting out its backoff.
type retryEntry struct {
	cmd    bus.OutboundCommand
	nextAt time.Time
}

// cronEntry is one recurring send directive. The template command is copied
// with a fresh id on every fire; the directive itself never enters the queue.
type cronEntry struct {
	cmd    bus.OutboundCommand
	nextAt time.Time
	fired  int64
}

// DispatcherStats is the /status snapshot of the outbound side.
type DispatcherStats struct {
	Queued    int   `json:"queued"`
	Parked    int   `json:"parked"`
	Retrying  int   `json:"retrying"`
	Recurring int   `json:"recurring"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"` // destination-window rejections, also counted in Failed
}

// Dispatcher consumes outbound traffic from the bus and delivers it through
// the bridge: priority queue, per-destination window, scheduled and recurring
// sends, template expansion, a global pacer, and kind-classified retries.
type Dispatcher struct {
	bus       *bus.Bus
	pub       *bus.Publisher
	sender    bridgeSender
	templates *TemplateStore
	msglog    *MessageLog
	recorder  *alerts.Recorder
	cfg       config.GatewayConfig

	queue    *sendQueue
	destRate *SlidingLimiter
	pacer    *rate.Limiter
	gron     *gronx.Gronx
	now      func() time.Time

	mu      sync.Mutex
	parked  []bus.OutboundCommand
	retries []retryEntry
	crons   []*cronEntry

	sendCtx    context.Context
	cancelSend context.CancelFunc
	workerDone chan struct{}

	sent     atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

// NewDispatcher wires the outbound side and starts the delivery worker. The
// sender is injected so tests can run against a fake bridge.
func NewDispatcher(b *bus.Bus, pub *bus.Publisher, sender bridgeSender, templates *TemplateStore,
	msglog *MessageLog, cfg config.GatewayConfig, recorder *alerts.Recorder) *Dispatcher {
	sendCtx, cancelSend := context.WithCancel(context.Background())
	d := &Dispatcher{
		bus:        b,
		pub:        pub,
		sender:     sender,
		templates:  templates,
		msglog:     msglog,
		recorder:   recorder,
		cfg:        cfg,
		queue:      newSendQueue(),
		destRate:   NewSlidingLimiter(destRateLimit, destRateWindow),
		pacer:      rate.NewLimiter(rate.Limit(cfg.SendRate()), 1),
		gron:       gronx.New(),
		now:        time.Now,
		sendCtx:    sendCtx,
		cancelSend: cancelSend,
		workerDone: make(chan struct{}),
	}
	go d.worker()
	return d
}

// Stats snapshots queue depths and lifetime counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	parked, retrying, recurring := len(d.parked), len(d.retries), len(d.crons)
	d.mu.Unlock()
	return DispatcherStats{
		Queued:    d.queue.Len(),
		Parked:    parked,
		Retrying:  retrying,
		Recurring: recurring,
		Sent:      d.sent.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
	}
}

// Run consumes the outbound topics until ctx is canceled. The delivery worker
// keeps draining after Run returns; Close bounds that drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.bus.Subscribe(ctx, bus.TopicOutbound, bus.TopicAgentResponse,
		bus.TopicTicketCreated, bus.TopicTicketUpdated)
	defer sub.Close()

	go d.sweepLoop(ctx)

	slog.Info("outbound dispatcher started",
		"rate_per_sec", d.cfg.SendRate(), "sweep", d.cfg.SchedulerTick())
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			d.dispatch(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

// Close stops intake and waits for the queue to drain, bounded by ctx. On
// timeout the in-flight send is canceled and leftovers are logged as failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.queue.Close()
	select {
	case <-d.workerDone:
		return nil
	case <-ctx.Done():
		d.cancelSend()
		<-d.workerDone
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case bus.TopicOutbound:
		var cmd bus.OutboundCommand
		if err := bus.Unmarshal(payload, &cmd); err != nil {
			d.recorder.Record(ctx, alerts.SeverityWarning, "decode_outbound", err)
			return
		}
		d.Submit(cmd)
	case bus.TopicAgentResponse:
		var ar bus.AgentResponse
		if err := bus.Unmarshal(payload, &ar); err != nil {
			d.recorder.Record(ctx, alerts.SeverityWarning, "decode_agent_response", err)
			return
		}
		d.Submit(bus.OutboundCommand{
			To:       ar.To,
			Text:     ar.Text,
			QuotedID: ar.QuotedID,
			Priority: ar.Priority,
		})
	case bus.TopicTicketCreated:
		var ev bus.TicketEvent
		if err := bus.Unmarshal(payload, &ev); err != nil {
			d.recorder.Record(ctx, alerts.SeverityWarning, "decode_ticket_event", err)
			return
		}
		d.handleTicketCreated(ev)
	case bus.TopicTicketUpdated:
		var ev bus.TicketEvent
		if err := bus.Unmarshal(payload, &ev); err != nil {
			d.recorder.Record(ctx, alerts.SeverityWarning, "decode_ticket_event", err)
			return
		}
		// The classifier already acknowledged the note to the user.
		if ev.Success {
			slog.Debug("ticket note recorded", "ticket", ev.TicketID, "chat", ev.SourceChat)
		} else {
			slog.Warn("ticket note failed", "ticket", ev.TicketID, "chat", ev.SourceChat, "error", ev.Error)
		}
	}
}

// handleTicketCreated replies with a diagnostic when creation permanently
// failed. Successful creations are announced by the classifier, which holds
// the ticket context; the gateway only logs them.
func (d *Dispatcher) handleTicketCreated(ev bus.TicketEvent) {
	if ev.Success {
		slog.Info("ticket created",
			"ticket", ev.TicketNo, "chat", ev.SourceChat, "category", ev.Category)
		return
	}
	slog.Warn("ticket creation failed downstream",
		"chat", ev.SourceChat, "origin", ev.SourceMsgID, "error", ev.Error)
	if ev.SourceChat == "" {
		return
	}
	d.Submit(bus.OutboundCommand{
		To:       ev.SourceChat,
		Text:     createFailedReply,
		QuotedID: ev.SourceMsgID,
		Priority: bus.PriorityHigh,
	})
}

// Submit accepts one outbound command: recurring directives register with the
// cron scheduler, future-dated commands park until due, everything else
// enters the queue. Also the entry point for the manual /send endpoint.
func (d *Dispatcher) Submit(cmd bus.OutboundCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.ScheduleCron != "" {
		return d.registerCron(cmd)
	}
	if cmd.ScheduledAt != nil && cmd.ScheduledAt.After(d.now()) {
		d.mu.Lock()
		d.parked = append(d.parked, cmd)
		d.mu.Unlock()
		slog.Info("outbound parked until due", "id", cmd.ID, "to", cmd.To, "at", cmd.ScheduledAt)
		return nil
	}
	d.push(cmd)
	return nil
}

func (d *Dispatcher) registerCron(cmd bus.OutboundCommand) error {
	if !d.gron.IsValid(cmd.ScheduleCron) {
		err := errkind.Newf(errkind.Validation, "invalid cron expression %q", cmd.ScheduleCron)
		d.finalFailure(cmd, err)
		return err
	}
	next, err := gronx.NextTickAfter(cmd.ScheduleCron, d.now(), false)
	if err != nil {
		err = errkind.Wrap(errkind.Validation, err)
		d.finalFailure(cmd, err)
		return err
	}
	d.mu.Lock()
	d.crons = append(d.crons, &cronEntry{cmd: cmd, nextAt: next})
	d.mu.Unlock()
	slog.Info("recurring send registered",
		"id", cmd.ID, "to", cmd.To, "cron", cmd.ScheduleCron, "next", next)
	return nil
}

// push enqueues for immediate delivery and reports queue evictions as
// permanent failures.
func (d *Dispatcher) push(cmd bus.OutboundCommand) {
	evicted, ok := d.queue.Push(cmd)
	if !ok {
		d.finalFailure(cmd, errkind.New(errkind.Overflow, "outbound queue closed"))
		return
	}
	if evicted != nil {
		d.finalFailure(*evicted, errkind.New(errkind.Overflow, "outbound queue overflow"))
	}
}

func (d *Dispatcher) worker() {
	defer close(d.workerDone)
	for {
		cmd, ok := d.queue.Pop()
		if !ok {
			return
		}
		if d.sendCtx.Err() != nil {
			d.msglog.Outbound(cmd, "failed", "gateway shutting down")
			continue
		}
		d.deliver(cmd)
	}
}

// deliver runs the per-attempt pipeline: template expansion, body
// validation, destination normalization, destination window, global pacer,
// bridge send.
func (d *Dispatcher) deliver(cmd bus.OutboundCommand) {
	if err := d.templates.Apply(&cmd); err != nil {
		d.finalFailure(cmd, errkind.Wrap(errkind.Validation, err))
		return
	}
	if cmd.Text == "" && cmd.Media == nil {
		d.finalFailure(cmd, errkind.New(errkind.Validation, "nothing to send: no text or media"))
		return
	}
	if n := utf16Units(cmd.Text); n > maxBodyUnits {
		d.finalFailure(cmd, errkind.Newf(errkind.Validation,
			"body is %d utf-16 units, limit is %d", n, maxBodyUnits))
		return
	}
	to, err := transport.NormalizeJID(cmd.To, d.cfg.DefaultCountry)
	if err != nil {
		d.finalFailure(cmd, err)
		return
	}
	cmd.To = to

	if !d.destRate.Allow(to) {
		d.rejected.Add(1)
		d.finalFailure(cmd, errkind.Newf(errkind.RateLimited,
			"destination window exceeded (%d per %s)", destRateLimit, destRateWindow))
		return
	}

	if err := d.pacer.Wait(d.sendCtx); err != nil {
		d.finalFailure(cmd, errkind.Wrap(errkind.Transient, err))
		return
	}

	err = d.sender.Send(d.sendCtx, sendRequest(cmd))
	cmd.Attempts++
	if err == nil {
		d.sent.Add(1)
		d.msglog.Outbound(cmd, "sent", "")
		d.notifySendResult(cmd, nil)
		slog.Info("message delivered", "id", cmd.ID, "to", cmd.To, "attempt", cmd.Attempts)
		return
	}

	cmd.History = append(cmd.History, bus.SendAttempt{
		Attempt: cmd.Attempts,
		Error:   err.Error(),
		At:      d.now().UTC(),
	})
	if !errkind.Retryable(errkind.Of(err)) || cmd.Attempts >= sendMaxAttempts {
		d.finalFailure(cmd, err)
		return
	}
	d.scheduleRetry(cmd, err)
}

// scheduleRetry books a re-attempt at base·2^(attempt-1), capped. The sweep
// loop releases it.
func (d *Dispatcher) scheduleRetry(cmd bus.OutboundCommand, cause error) {
	delay := sendBaseBackoff << (cmd.Attempts - 1)
	if delay > sendMaxBackoff {
		delay = sendMaxBackoff
	}
	d.mu.Lock()
	d.retries = append(d.retries, retryEntry{cmd: cmd, nextAt: d.now().Add(delay)})
	d.mu.Unlock()
	d.msglog.Outbound(cmd, "queued", cause.Error())
	slog.Warn("send failed, retry scheduled",
		"id", cmd.ID, "to", cmd.To, "attempt", cmd.Attempts, "delay", delay, "error", cause)
}

func (d *Dispatcher) finalFailure(cmd bus.OutboundCommand, cause error) {
	d.failed.Add(1)
	d.msglog.Outbound(cmd, "failed", cause.Error())
	d.notifySendResult(cmd, cause)
	d.recorder.RecordErr(context.Background(), "outbound_send", cause)
	slog.Error("message delivery failed",
		"id", cmd.ID, "to", cmd.To, "attempts", cmd.Attempts,
		"kind", errkind.Of(cause), "error", cause)
}

// notifySendResult emits message_send_result with delivery metadata and a
// publisher snapshot, so observability consumers see queue pressure alongside
// outcomes.
func (d *Dispatcher) notifySendResult(cmd bus.OutboundCommand, cause error) {
	stats := d.pub.Stats()
	detail := map[string]string{
		"id":            cmd.ID,
		"to":            cmd.To,
		"success":       strconv.FormatBool(cause == nil),
		"attempts":      strconv.Itoa(cmd.Attempts),
		"publish_queue": strconv.Itoa(stats.Queued),
		"published":     strconv.FormatInt(stats.Sent, 10),
	}
	if cause != nil {
		detail["error"] = cause.Error()
		detail["kind"] = string(errkind.Of(cause))
	}
	d.pub.Publish(bus.TopicNotifications, bus.Notification{
		Event:   "message_send_result",
		Service: "gateway",
		Detail:  detail,
		At:      d.now().UTC(),
	})
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.SchedulerTick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweep()
		}
	}
}

// sweep re-queues due retries, releases due parked commands and fires due
// recurring sends.
func (d *Dispatcher) sweep() {
	now := d.now()
	var due []bus.OutboundCommand

	d.mu.Lock()
	keptRetries := d.retries[:0]
	for _, r := range d.retries {
		if r.nextAt.After(now) {
			keptRetries = append(keptRetries, r)
		} else {
			due = append(due, r.cmd)
		}
	}
	d.retries = keptRetries

	keptParked := d.parked[:0]
	for _, cmd := range d.parked {
		if cmd.ScheduledAt != nil && cmd.ScheduledAt.After(now) {
			keptParked = append(keptParked, cmd)
		} else {
			due = append(due, cmd)
		}
	}
	d.parked = keptParked

	keptCrons := d.crons[:0]
	for _, ce := range d.crons {
		if !ce.nextAt.After(now) {
			fire := ce.cmd
			fire.ID = fmt.Sprintf("%s-%d", ce.cmd.ID, now.Unix())
			fire.ScheduleCron = ""
			due = append(due, fire)
			ce.fired++
			next, err := gronx.NextTickAfter(ce.cmd.ScheduleCron, now, false)
			if err != nil {
				// Validated at registration; a failure here means the entry
				// can never fire again.
				slog.Error("recurring send dropped", "id", ce.cmd.ID, "error", err)
				continue
			}
			ce.nextAt = next
		}
		keptCrons = append(keptCrons, ce)
	}
	d.crons = keptCrons
	d.mu.Unlock()

	for _, cmd := range due {
		d.push(cmd)
	}
}

// utf16Units measures a body the way the transport does: UTF-16 code units,
// so astral-plane runes (emoji) count double.
func utf16Units(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// sendRequest maps a queue command onto the bridge wire shape. Media commands
// carry their text as the caption.
func sendRequest(cmd bus.OutboundCommand) transport.SendRequest {
	req := transport.SendRequest{
		To:       cmd.To,
		Text:     cmd.Text,
		Mentions: cmd.Mentions,
		QuotedID: cmd.QuotedID,
	}
	if cmd.Media != nil {
		req.Media = &transport.SendMedia{
			Kind:     string(cmd.Media.Kind),
			Path:     cmd.Media.Path,
			Mime:     cmd.Media.Mime,
			Filename: cmd.Media.Filename,
			Caption:  cmd.Text,
		}
		req.Text = ""
	}
	return req
}
