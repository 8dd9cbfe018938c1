package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// Sender is the write half of the transport. It holds the socket reference
// the Conn rebinding hands it, so a queued send after a reconnect always
// targets the live connection.
type Sender struct {
	conn *Conn

	mu   sync.RWMutex
	sock *Socket
}

// NewSender builds a sender and registers it for socket rebinding.
func NewSender(conn *Conn) *Sender {
	s := &Sender{conn: conn}
	conn.Bind(s)
	return s
}

// Rebind receives the fresh socket after each successful connect.
func (s *Sender) Rebind(sock *Socket) {
	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
}

// Bound reports whether a live socket has been handed over.
func (s *Sender) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sock != nil
}

// Send delivers one message and waits for the bridge ack. Failures carry a
// taxonomy kind; callers decide retry by kind, never by message text.
func (s *Sender) Send(ctx context.Context, req SendRequest) error {
	if req.To == "" {
		return errkind.New(errkind.Validation, "empty destination")
	}
	if req.Text == "" && req.Media == nil {
		return errkind.New(errkind.Validation, "nothing to send")
	}
	ack, err := s.conn.Request(ctx, actionSend, req)
	if err != nil {
		return err
	}
	if !ack.Success {
		return ackError(ack)
	}
	return nil
}

// ackError maps a bridge failure code onto the shared taxonomy.
func ackError(ack AckResult) error {
	msg := ack.Error
	if msg == "" {
		msg = "request rejected"
	}
	err := fmt.Errorf("%s (%s)", msg, ack.Code)
	switch ack.Code {
	case "invalid_number", "invalid_jid", "not_found":
		return errkind.Wrap(errkind.Validation, err)
	case "blocked", "forbidden":
		return errkind.Wrap(errkind.Authentication, err)
	case "rate_limited":
		return errkind.Wrap(errkind.RateLimited, err)
	case "connection", "timeout":
		return errkind.Wrap(errkind.Connection, err)
	default:
		return errkind.Wrap(errkind.Transient, err)
	}
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty payload")
	}
	return base64.StdEncoding.DecodeString(s)
}
