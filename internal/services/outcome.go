package services

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

// Outcome distinguishes a fully delivered submission from one that is
// durable but was never acknowledged by the broker.
type Outcome string

const (
	OutcomePublished             Outcome = "published"
	OutcomePersistedNotPublished Outcome = "persisted_not_published"
)

// Submission is the result of a successful Submit. Application is always the
// persisted row; PublishErr is set only for OutcomePersistedNotPublished.
type Submission struct {
	Application domain.Application
	Outcome     Outcome
	PublishErr  error
	BytesSent   int
}

// Published reports whether the broker acknowledged the event.
func (s Submission) Published() bool { return s.Outcome == OutcomePublished }

// OutcomeSink observes every submission. Report must not block for long; it
// runs on the request path.
type OutcomeSink interface {
	Report(ctx context.Context, sub Submission)
}

// SinkFunc adapts a plain function to OutcomeSink.
type SinkFunc func(ctx context.Context, sub Submission)

func (f SinkFunc) Report(ctx context.Context, sub Submission) { f(ctx, sub) }

var submittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "applications_submitted_total",
		Help: "Persisted applications by publish outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(submittedTotal)
}

// MetricsSink counts submissions in applications_submitted_total{outcome}.
type MetricsSink struct{}

func (MetricsSink) Report(_ context.Context, sub Submission) {
	submittedTotal.WithLabelValues(string(sub.Outcome)).Inc()
}

// LogSink writes one line per submission using the request logger, warning
// when the event was not published.
type LogSink struct{}

func (LogSink) Report(ctx context.Context, sub Submission) {
	l := zerolog.Ctx(ctx)
	if sub.Published() {
		l.Info().
			Int64("application_id", sub.Application.ID).
			Int("bytes", sub.BytesSent).
			Msg("application created and published")
		return
	}
	l.Warn().
		Err(sub.PublishErr).
		Int64("application_id", sub.Application.ID).
		Str("outcome", string(sub.Outcome)).
		Msg("application persisted but not published")
}
