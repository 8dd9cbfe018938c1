// Package alerts records worker errors by severity and raises an operator
// alert when criticals pile up faster than anyone is fixing them.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// Severity grades a recorded error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	criticalThreshold = 5
	criticalWindow    = 5 * time.Minute
	alertCooldown     = 5 * time.Minute
)

// Notifier delivers a threshold alert to wherever the operators look.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// SeverityOf grades an error by its kind: terminal auth failures are
// critical, infrastructure trouble is a warning, bad input is informational.
func SeverityOf(err error) Severity {
	switch errkind.Of(err) {
	case errkind.Authentication, errkind.AuthExpired:
		return SeverityCritical
	case errkind.Validation:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Recorder counts errors per severity and notifies once the critical rate
// crosses the threshold. A nil notifier reduces it to counters and logs.
type Recorder struct {
	service  string
	notifier Notifier

	mu        sync.Mutex
	counts    map[Severity]int64
	criticals []time.Time
	lastAlert time.Time
	now       func() time.Time
}

// NewRecorder builds a recorder for one service.
func NewRecorder(service string, notifier Notifier) *Recorder {
	return &Recorder{
		service:  service,
		notifier: notifier,
		counts:   make(map[Severity]int64),
		now:      time.Now,
	}
}

// Record logs one worker error and checks the critical threshold.
func (r *Recorder) Record(ctx context.Context, sev Severity, component string, err error) {
	switch sev {
	case SeverityCritical:
		slog.Error("worker error", "service", r.service, "component", component, "severity", sev, "error", err)
	case SeverityWarning:
		slog.Warn("worker error", "service", r.service, "component", component, "severity", sev, "error", err)
	default:
		slog.Info("worker error", "service", r.service, "component", component, "severity", sev, "error", err)
	}

	now := r.now()
	r.mu.Lock()
	r.counts[sev]++
	if sev != SeverityCritical {
		r.mu.Unlock()
		return
	}
	r.criticals = append(r.criticals, now)
	r.criticals = trimOlder(r.criticals, now.Add(-criticalWindow))
	fire := len(r.criticals) >= criticalThreshold && now.Sub(r.lastAlert) >= alertCooldown
	count := len(r.criticals)
	if fire {
		r.lastAlert = now
	}
	r.mu.Unlock()

	if !fire {
		return
	}
	text := fmt.Sprintf("⚠️ %s: %d critical errors in the last %s (latest: %s / %v)",
		r.service, count, criticalWindow, component, err)
	if r.notifier == nil {
		slog.Error("critical error threshold crossed", "service", r.service, "count", count)
		return
	}
	if nerr := r.notifier.Notify(ctx, text); nerr != nil {
		slog.Error("alert notification failed", "service", r.service, "error", nerr)
	}
}

// RecordErr grades err automatically and records it.
func (r *Recorder) RecordErr(ctx context.Context, component string, err error) {
	if err == nil {
		return
	}
	r.Record(ctx, SeverityOf(err), component, err)
}

// Counts returns a snapshot of per-severity totals for status endpoints.
func (r *Recorder) Counts() map[Severity]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Severity]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func trimOlder(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
