package gateway

import (
	"sync"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

const outboundQueueCap = 10000

// sendQueue orders outbound commands for the dispatch worker: high priority
// ahead of normal, arrival order inside each class. The cap bounds memory
// during bridge outages; overflow evicts the oldest queued command.
type sendQueue struct {
	mu     sync.Mutex
	high   []bus.OutboundCommand
	normal []bus.OutboundCommand
	wake   chan struct{}
	closed bool
}

func newSendQueue() *sendQueue {
	return &sendQueue{wake: make(chan struct{}, 1)}
}

// Push enqueues cmd. When the queue is full the oldest normal command (or
// the oldest high one if only high remain) is evicted and returned so the
// caller can report the loss. ok is false after Close.
func (q *sendQueue) Push(cmd bus.OutboundCommand) (evicted *bus.OutboundCommand, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}

	if len(q.high)+len(q.normal) >= outboundQueueCap {
		if len(q.normal) > 0 {
			old := q.normal[0]
			q.normal = q.normal[1:]
			evicted = &old
		} else {
			old := q.high[0]
			q.high = q.high[1:]
			evicted = &old
		}
	}

	if cmd.Priority == bus.PriorityHigh {
		q.high = append(q.high, cmd)
	} else {
		q.normal = append(q.normal, cmd)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return evicted, true
}

// Pop blocks until a command is available. ok is false once the queue is
// closed and fully drained, which is the worker's signal to exit.
func (q *sendQueue) Pop() (bus.OutboundCommand, bool) {
	for {
		q.mu.Lock()
		if len(q.high) > 0 {
			cmd := q.high[0]
			q.high = q.high[1:]
			q.mu.Unlock()
			return cmd, true
		}
		if len(q.normal) > 0 {
			cmd := q.normal[0]
			q.normal = q.normal[1:]
			q.mu.Unlock()
			return cmd, true
		}
		if q.closed {
			q.mu.Unlock()
			return bus.OutboundCommand{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Close stops intake. Queued commands remain poppable so shutdown can drain.
func (q *sendQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
