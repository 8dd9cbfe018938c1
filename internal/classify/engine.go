package classify

import (
	"context"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mesabot/internal/errkind"
	"github.com/nextlevelbuilder/mesabot/internal/tracing"
)

const (
	modelRetryAttempts = 2
	modelRetryDelay    = time.Second
)

var tracer = tracing.Tracer("mesabot/classify")

// Engine runs the two models in parallel and folds their verdicts through
// consensus. A model failure is data here, not an error: it feeds the
// partial_error and both_error consensus rows.
type Engine struct {
	primary   Model
	secondary Model
	timeout   time.Duration
}

// NewEngine pairs the two classifier sides. timeout bounds each model call
// including its retry.
func NewEngine(primary, secondary Model, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{primary: primary, secondary: secondary, timeout: timeout}
}

// Classify produces the consensus classification for one message body.
func (e *Engine) Classify(ctx context.Context, text string) Classification {
	ctx, span := tracer.Start(ctx, "classify.consensus")
	defer span.End()

	var pv, sv Verdict
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pv = e.call(gctx, e.primary, text)
		return nil
	})
	g.Go(func() error {
		sv = e.call(gctx, e.secondary, text)
		return nil
	})
	_ = g.Wait()

	cls := Consensus(pv, sv)
	if cls.Consensus == ConsensusBothError {
		cls = KeywordFallback(text, cls)
		slog.Warn("both models failed, keyword fallback applied",
			"primary_err", pv.Err, "secondary_err", sv.Err,
			"is_incident", cls.IsIncident, "confidence", cls.Confidence)
	}

	span.SetAttributes(
		attribute.String("consensus", string(cls.Consensus)),
		attribute.Bool("is_incident", cls.IsIncident),
		attribute.Float64("confidence", cls.Confidence),
		attribute.String("category", cls.Category),
	)
	return cls
}

// call runs one model with a per-side timeout and a short transient retry.
// The verdict carries the final error instead of returning it: consensus
// needs both sides to report, not the first failure to win.
func (e *Engine) call(ctx context.Context, m Model, text string) Verdict {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var v Verdict
	err := retry.Do(
		func() error {
			var err error
			v, err = m.Classify(cctx, text)
			return err
		},
		retry.RetryIf(func(err error) bool { return errkind.Retryable(errkind.Of(err)) }),
		retry.Attempts(modelRetryAttempts),
		retry.Delay(modelRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(cctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("model call retry", "model", m.Name(), "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return Verdict{Model: m.Name(), Err: err}
	}
	return v
}
