// Package refresh pre-warms the tier-1 cache on a schedule, decoupled from
// request traffic. Each run enumerates the CMS's current suggested questions,
// skips any with a fresh entry, and generates the rest with empty context.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"queryguard/internal/guard/metrics"
)

// QuestionSource enumerates the current suggested questions.
type QuestionSource interface {
	SuggestedQuestions(ctx context.Context) ([]string, error)
}

// Warmer populates one tier-1 entry unless a fresh one exists. It also
// receives the question set so miss promotion stays in sync with the CMS.
type Warmer interface {
	EnsureWarm(ctx context.Context, question string) (warmed bool, cost float64, err error)
	UpdateSuggestedQuestions(questions []string)
}

// SpendRecorder accounts the cost of background generations.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, identifier string, amount float64) error
}

// Worker runs the recurring refresh.
type Worker struct {
	questions QuestionSource
	warmer    Warmer
	spend     SpendRecorder
	interval  time.Duration
	kick      chan struct{}
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Worker instance.
type Option func(*Worker)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the metrics recorder for observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithSpendRecorder accounts refresh generations against the global spend
// ledgers.
func WithSpendRecorder(s SpendRecorder) Option {
	return func(w *Worker) {
		w.spend = s
	}
}

// New creates a refresh worker with the given run interval.
func New(questions QuestionSource, warmer Warmer, interval time.Duration, opts ...Option) *Worker {
	w := &Worker{
		questions: questions,
		warmer:    warmer,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes refreshes until the context is canceled. The first run starts
// immediately; later runs follow the interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.kick:
			w.RunOnce(ctx)
		}
	}
}

// Kick schedules an extra pass on the Run loop without waiting for the
// ticker. Kicks arriving while one is already pending coalesce. The pass
// runs under the loop's context, so shutdown cancels it like any other.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// RunOnce performs a single refresh pass. A failure warming one question is
// logged and the pass continues; only a failure to enumerate the questions
// aborts the run.
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()

	questions, err := w.questions.SuggestedQuestions(ctx)
	if err != nil {
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "failed to enumerate suggested questions", "error", err)
		}
		w.recordRun("error", start)
		return
	}
	w.warmer.UpdateSuggestedQuestions(questions)

	var warmed, failed int
	for _, q := range questions {
		if ctx.Err() != nil {
			w.recordRun("canceled", start)
			return
		}

		ok, cost, err := w.warmer.EnsureWarm(ctx, q)
		if err != nil {
			failed++
			if w.logger != nil {
				w.logger.WarnContext(ctx, "failed to warm suggested question",
					"question", q,
					"error", err,
				)
			}
			continue
		}
		if !ok {
			continue
		}
		warmed++
		if w.metrics != nil {
			w.metrics.RefreshWarmedentries.Inc()
		}
		if w.spend != nil && cost > 0 {
			if err := w.spend.RecordSpend(ctx, "", cost); err != nil && w.logger != nil {
				w.logger.WarnContext(ctx, "failed to record refresh spend", "error", err)
			}
		}
	}

	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	w.recordRun(status, start)
	if w.logger != nil {
		w.logger.InfoContext(ctx, "tier-1 refresh completed",
			"questions", len(questions),
			"warmed", warmed,
			"failed", failed,
			"duration", time.Since(start).String(),
		)
	}
}

func (w *Worker) recordRun(status string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.RefreshRunsTotal.WithLabelValues(status).Inc()
	w.metrics.RefreshDurationSecs.Observe(time.Since(start).Seconds())
}
