package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// State is the connection lifecycle position. Transitions follow the
// reconnect policy in retryDecision; everything else observes.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateQRIssued           State = "qr_issued"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectScheduled State = "reconnect_scheduled"
	StateTerminated         State = "terminated"
)

const (
	maxReconnectDelay = 30 * time.Second
	messageBufferSize = 256
)

// Binder receives the fresh socket after every successful connect. The send
// path registers one so writes always target the live connection; stale
// references die with the old socket.
type Binder interface {
	Rebind(*Socket)
}

// Status is a point-in-time connection snapshot for status endpoints.
type Status struct {
	State            State      `json:"state"`
	Attempts         int        `json:"attempts"`
	HasEverConnected bool       `json:"has_ever_connected"`
	SelfJID          string     `json:"self_jid,omitempty"`
	Since            time.Time  `json:"since"`
	LastClose        *CloseInfo `json:"last_close,omitempty"`
}

// Conn owns the bridge connection: dialing, session upload, the read loop,
// reconnection with jittered backoff, and ack routing. Consumers read
// normalizable messages from Messages(); the channel survives socket
// replacement so only writers need rebinding.
type Conn struct {
	cfg     config.TransportConfig
	session *SessionManager

	mu         sync.RWMutex
	state      State
	stateSince time.Time
	sock       *Socket
	attempts   int
	everOpen   bool
	selfJID    string
	lastClose  *CloseInfo
	binders    []Binder
	pending    map[string]chan AckResult

	onQR    func(code string)
	onState func(s State, ci CloseInfo)

	messages chan RawMessage
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConn builds an unstarted connection around a session directory.
func NewConn(cfg config.TransportConfig, session *SessionManager) *Conn {
	return &Conn{
		cfg:        cfg,
		session:    session,
		state:      StateDisconnected,
		stateSince: time.Now(),
		pending:    make(map[string]chan AckResult),
		messages:   make(chan RawMessage, messageBufferSize),
		stopCh:     make(chan struct{}),
	}
}

// Messages delivers protocol-shaped inbound messages across reconnects.
func (c *Conn) Messages() <-chan RawMessage { return c.messages }

// OnQR registers the pairing-code hook. Set before Start.
func (c *Conn) OnQR(fn func(code string)) { c.onQR = fn }

// OnState registers the transition hook. Set before Start. Called outside
// the connection lock.
func (c *Conn) OnState(fn func(s State, ci CloseInfo)) { c.onState = fn }

// Bind registers a writer for socket replacement. Set before Start.
func (c *Conn) Bind(b Binder) {
	c.mu.Lock()
	c.binders = append(c.binders, b)
	c.mu.Unlock()
}

// SelfJID returns the account identity learned at connect.
func (c *Conn) SelfJID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfJID
}

// Status snapshots the connection for status endpoints.
func (c *Conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:            c.state,
		Attempts:         c.attempts,
		HasEverConnected: c.everOpen,
		SelfJID:          c.selfJID,
		Since:            c.stateSince,
		LastClose:        c.lastClose,
	}
}

// Start validates the session and launches the connection loop. An invalid
// session is not fatal: the bridge will pair via QR instead.
func (c *Conn) Start(ctx context.Context) error {
	if err := c.session.Validate(); err != nil {
		slog.Warn("session not usable, expecting QR pairing", "error", err)
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop halts reconnection and closes the socket. Safe to call twice.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock != nil {
		sock.Close(1000, "shutdown")
	}
	c.wg.Wait()
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// retryDecision is the per-reason reconnect policy. 401 on a session that
// has connected before means logged out elsewhere; before first connect it
// is a stale session worth retrying into QR pairing. 403 is terminal, 515
// is the post-pairing stream restart, everything else is assumed recoverable.
func retryDecision(code int, hasEverConnected bool) bool {
	switch code {
	case 401:
		return !hasEverConnected
	case 403:
		return false
	default:
		return true
	}
}

// backoffDelay returns min(base·2^attempt, 30s) scaled by ±25% jitter.
// u is a uniform sample in [0,1).
func backoffDelay(attempt int, base time.Duration, u float64) time.Duration {
	d := maxReconnectDelay
	if attempt < 31 {
		if shifted := base << attempt; shifted > 0 && shifted < maxReconnectDelay {
			d = shifted
		}
	}
	return time.Duration(float64(d) * (0.75 + 0.5*u))
}

func (c *Conn) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if c.stopped() || ctx.Err() != nil {
			c.setState(StateDisconnected, CloseInfo{})
			return
		}

		c.setState(StateConnecting, CloseInfo{})
		ci, connected := c.connectOnce(ctx)
		if c.stopped() || ctx.Err() != nil {
			c.setState(StateDisconnected, CloseInfo{})
			return
		}

		c.mu.Lock()
		c.lastClose = &ci
		everOpen := c.everOpen
		// attempts counts consecutive failed epochs; handleOpen resets it.
		attempts := c.attempts
		if !connected {
			c.attempts++
		}
		c.mu.Unlock()

		if !retryDecision(ci.Code, everOpen) {
			slog.Error("whatsapp connection terminated",
				"code", ci.Code, "reason", ci.Reason, "has_ever_connected", everOpen)
			c.setState(StateTerminated, ci)
			return
		}
		if !connected && attempts+1 >= c.cfg.ReconnectMaxTry {
			slog.Error("whatsapp reconnect budget exhausted", "attempts", attempts+1)
			c.setState(StateTerminated, ci)
			return
		}

		delay := backoffDelay(attempts, c.cfg.ReconnectBase(), rand.Float64())
		slog.Warn("whatsapp disconnected, reconnect scheduled",
			"code", ci.Code, "reason", ci.Reason, "attempt", attempts+1, "delay", delay)
		c.setState(StateReconnectScheduled, ci)

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			c.setState(StateDisconnected, CloseInfo{})
			return
		case <-ctx.Done():
			c.setState(StateDisconnected, CloseInfo{})
			return
		}
	}
}

// connectOnce runs one full connection epoch: dial, session upload, read
// until the link drops. Returns the close reason and whether the epoch
// reached the connected state.
func (c *Conn) connectOnce(ctx context.Context) (CloseInfo, bool) {
	// Back up the session before every attempt so a corrupting handshake
	// can always be rolled back.
	if c.session.Exists() {
		if _, err := c.session.Backup(); err != nil {
			slog.Warn("session backup failed", "error", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout())
	sock, err := Dial(dialCtx, c.cfg.BridgeURL)
	cancel()
	if err != nil {
		return parseCloseInfo(err), false
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	if err := c.sendInit(ctx, sock); err != nil {
		sock.Close(1002, "init failed")
		return CloseInfo{Code: 1006, Reason: err.Error()}, false
	}

	epochCtx, stopEpoch := context.WithCancel(ctx)
	defer stopEpoch()
	go c.keepalive(epochCtx, sock)

	ci, connected := c.readLoop(ctx, sock)

	c.mu.Lock()
	c.sock = nil
	pending := c.pending
	c.pending = make(map[string]chan AckResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- AckResult{Success: false, Code: "connection", Error: "connection lost"}
	}
	sock.Close(1000, "")
	return ci, connected
}

func (c *Conn) sendInit(ctx context.Context, sock *Socket) error {
	files, err := c.session.Files()
	if err != nil {
		slog.Warn("session read failed, starting clean", "error", err)
		files = nil
	}
	data, err := encodeFrame(actionInit, "", initPayload{Session: files, MarkOnline: c.cfg.MarkOnline})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout())
	defer cancel()
	if err := sock.Write(wctx, data); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	return nil
}

// readLoop dispatches frames until the connection drops or a close event
// arrives. The bool reports whether an open event was seen this epoch.
func (c *Conn) readLoop(ctx context.Context, sock *Socket) (CloseInfo, bool) {
	connected := false
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return parseCloseInfo(err), connected
		}
		f, err := decodeFrame(data)
		if err != nil {
			slog.Warn("undecodable bridge frame", "error", err)
			continue
		}
		switch f.Event {
		case EventQR:
			var qr qrPayload
			if err := json.Unmarshal(f.Data, &qr); err != nil {
				slog.Warn("bad qr payload", "error", err)
				continue
			}
			c.setState(StateQRIssued, CloseInfo{})
			if c.onQR != nil {
				c.onQR(qr.Code)
			}
		case EventOpen:
			var open openPayload
			_ = json.Unmarshal(f.Data, &open)
			connected = true
			c.handleOpen(sock, open.JID)
		case EventClose:
			var cp closePayload
			if err := json.Unmarshal(f.Data, &cp); err != nil {
				slog.Warn("bad close payload", "error", err)
				cp = closePayload{Code: 1006, Reason: "unparseable close"}
			}
			return CloseInfo{Code: cp.Code, Reason: cp.Reason}, connected
		case EventMessage:
			var raw RawMessage
			if err := json.Unmarshal(f.Data, &raw); err != nil {
				slog.Warn("bad message payload", "error", err)
				continue
			}
			select {
			case c.messages <- raw:
			case <-ctx.Done():
				return CloseInfo{Code: 1000, Reason: "context cancelled"}, connected
			}
		case EventCreds:
			var cp credsPayload
			if err := json.Unmarshal(f.Data, &cp); err != nil {
				slog.Warn("bad creds payload", "error", err)
				continue
			}
			if err := c.session.Write(cp.File, cp.Blob); err != nil {
				slog.Error("session write failed", "file", cp.File, "error", err)
			}
		case EventAck:
			var ack AckResult
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				slog.Warn("bad ack payload", "error", err)
				continue
			}
			c.resolveAck(ack)
		case EventPong:
			// keepalive satisfied
		default:
			slog.Debug("unhandled bridge event", "event", f.Event)
		}
	}
}

// handleOpen flips to connected and hands the fresh socket to every bound
// writer before anything else can observe the state change. Queued sends
// resume only after rebinding completes.
func (c *Conn) handleOpen(sock *Socket, jid string) {
	c.mu.Lock()
	c.attempts = 0
	c.everOpen = true
	if jid != "" {
		c.selfJID = jid
	}
	binders := make([]Binder, len(c.binders))
	copy(binders, c.binders)
	c.mu.Unlock()

	for _, b := range binders {
		b.Rebind(sock)
	}
	slog.Info("whatsapp connected", "jid", jid)
	c.setState(StateConnected, CloseInfo{})
}

func (c *Conn) keepalive(ctx context.Context, sock *Socket) {
	t := time.NewTicker(c.cfg.Keepalive())
	defer t.Stop()
	data, err := encodeFrame(actionPing, "", struct{}{})
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout())
			err := sock.Write(wctx, data)
			cancel()
			if err != nil {
				return // read loop will observe the broken socket
			}
		}
	}
}

func (c *Conn) setState(s State, ci CloseInfo) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.stateSince = time.Now()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s, ci)
	}
}

func (c *Conn) resolveAck(ack AckResult) {
	c.mu.Lock()
	ch, ok := c.pending[ack.ID]
	if ok {
		delete(c.pending, ack.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// Request writes one action frame and waits for its ack, bounded by the
// query timeout. Fails immediately with a connection kind when the link is
// down so callers can apply their own retry budget.
func (c *Conn) Request(ctx context.Context, action string, payload any) (AckResult, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.sock == nil {
		c.mu.Unlock()
		return AckResult{}, errkind.New(errkind.Connection, "not connected")
	}
	sock := c.sock
	id := uuid.NewString()
	ch := make(chan AckResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	data, err := encodeFrame(action, id, payload)
	if err != nil {
		cleanup()
		return AckResult{}, errkind.Wrap(errkind.Validation, err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout())
	defer cancel()
	if err := sock.Write(wctx, data); err != nil {
		cleanup()
		return AckResult{}, errkind.Wrap(errkind.Connection, fmt.Errorf("write %s: %w", action, err))
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-wctx.Done():
		cleanup()
		return AckResult{}, errkind.Wrap(errkind.Transient, fmt.Errorf("%s ack: %w", action, wctx.Err()))
	}
}

// Download fetches and decodes one attachment through the bridge.
func (c *Conn) Download(ctx context.Context, chat, messageID string) ([]byte, string, error) {
	ack, err := c.Request(ctx, actionDownload, downloadPayload{MessageID: messageID, Chat: chat})
	if err != nil {
		return nil, "", err
	}
	if !ack.Success {
		return nil, "", ackError(ack)
	}
	var res DownloadResult
	if err := json.Unmarshal(ack.Data, &res); err != nil {
		return nil, "", errkind.Wrap(errkind.Transient, fmt.Errorf("decode download result: %w", err))
	}
	blob, err := decodeBase64(res.Data)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Transient, fmt.Errorf("decode media: %w", err))
	}
	return blob, res.Mime, nil
}
