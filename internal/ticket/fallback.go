package ticket

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

const (
	fallbackSweepEvery   = 30 * time.Second
	fallbackAttempts     = 3
	fallbackAttemptDelay = 5 * time.Second

	// maxQueueAttempts is the sweep ceiling after which an entry is reported
	// as failed and dropped, so the queue cannot grow forever on a request
	// that will never succeed.
	maxQueueAttempts = 5
)

// runFallback sweeps the persistent queue until ctx is canceled.
func (s *Service) runFallback(ctx context.Context) {
	ticker := time.NewTicker(fallbackSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainFallback(ctx)
		}
	}
}

// DrainFallback walks the queue once. Recovered entries are removed and
// announced on ticket.created; failures stay in place with their attempt
// count bumped; entries past the ceiling emit a failure event and drop.
//
// Index arithmetic over the snapshot is valid because only this goroutine
// removes or rewrites entries; the service itself only appends at the tail.
func (s *Service) DrainFallback(ctx context.Context) {
	entries, err := s.store.ListRange(ctx, bus.KeyTicketsPending, 0, -1)
	if err != nil {
		s.recorder.RecordErr(ctx, "fallback_scan", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	slog.Info("draining ticket fallback queue", "entries", len(entries))

	idx := int64(0)
	for _, raw := range entries {
		if ctx.Err() != nil {
			return
		}
		var req bus.TicketCreateRequest
		if err := bus.Unmarshal([]byte(raw), &req); err != nil {
			// An unreadable entry would wedge the queue forever.
			s.recorder.RecordErr(ctx, "fallback_decode", err)
			_ = s.store.ListRemove(ctx, bus.KeyTicketsPending, raw)
			continue
		}

		created, err := s.retryCreate(ctx, req)
		if err == nil {
			s.drained.Add(1)
			_ = s.store.ListRemove(ctx, bus.KeyTicketsPending, raw)
			s.publishCreated(req, created)
			slog.Info("fallback entry recovered",
				"ticket", created.Number, "chat", req.SourceChat, "attempts", req.Attempts)
			continue
		}

		req.Attempts++
		req.LastError = err.Error()
		if req.Attempts >= maxQueueAttempts {
			s.failed.Add(1)
			_ = s.store.ListRemove(ctx, bus.KeyTicketsPending, raw)
			s.publishCreateFailed(req, err)
			s.notify("ticket_fallback_exhausted", map[string]string{
				"chat":     req.SourceChat,
				"attempts": strconv.Itoa(req.Attempts),
				"error":    err.Error(),
			})
			slog.Error("fallback entry exhausted",
				"chat", req.SourceChat, "subject", req.Subject, "error", err)
			continue
		}
		if err := s.store.ListSet(ctx, bus.KeyTicketsPending, idx, req); err != nil {
			s.recorder.RecordErr(ctx, "fallback_update", err)
		}
		idx++
	}
}

// retryCreate makes up to fallbackAttempts tries through the breaker. An
// open breaker or a non-retryable failure stops immediately and leaves the
// entry for the next sweep instead of sleeping through delays that cannot
// succeed.
func (s *Service) retryCreate(ctx context.Context, req bus.TicketCreateRequest) (*CreatedTicket, error) {
	var created *CreatedTicket
	err := retry.Do(
		func() error {
			c, err := s.createThroughBreaker(ctx, req)
			if err != nil {
				return err
			}
			created = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(fallbackAttempts),
		retry.Delay(fallbackAttemptDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !breakerOpen(err) && errkind.Retryable(errkind.Of(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return created, nil
}
