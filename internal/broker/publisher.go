// Package broker publishes persisted applications to a message broker.
//
// A Publisher owns the two pieces of process-wide broker state: whether the
// target topic is known to exist, and the shared producer handle. Both are
// initialised at most once under concurrent first use and are released by
// Close. The wire transport is pluggable; KafkaTransport is the production
// implementation.
//
// States:
//
//	Uninitialized -> TopicPending -> Ready -> Closed -> Uninitialized ...
//
// A failed readiness check drops back to Uninitialized so the next publish
// retries it.
package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

// State is the lifecycle position of a Publisher.
type State int32

const (
	StateUninitialized State = iota
	StateTopicPending
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTopicPending:
		return "topic_pending"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// TopicSpec describes the topic to create when it is missing.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Admin is the topic-management half of a transport.
type Admin interface {
	ListTopics(ctx context.Context) ([]string, error)
	CreateTopic(ctx context.Context, spec TopicSpec) error
}

// Producer is an open handle able to send to a single topic. Send must block
// until the broker acknowledges the write.
type Producer interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// Transport bundles topic administration with producer construction.
type Transport interface {
	Admin
	OpenProducer(topic string) (Producer, error)
}

// Options configures a Publisher. Zero values fall back to defaults.
type Options struct {
	Topic             string
	Partitions        int
	ReplicationFactor int
	// TopicAttempts bounds how many times the listing is polled after a
	// create request (default 10).
	TopicAttempts int
	// TopicBackoff is the fixed wait between polls (default 500ms).
	TopicBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Partitions <= 0 {
		o.Partitions = 1
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.TopicAttempts <= 0 {
		o.TopicAttempts = 10
	}
	if o.TopicBackoff <= 0 {
		o.TopicBackoff = 500 * time.Millisecond
	}
	return o
}

// Publisher sends one event per persisted application. The zero value is not
// usable; construct with NewPublisher.
type Publisher struct {
	transport Transport
	opts      Options

	// topicSem is a one-slot semaphore serializing the readiness check so
	// waiters can give up on their own deadline; topicReady is its cached
	// result.
	topicSem   chan struct{}
	topicReady atomic.Bool
	pending    atomic.Bool

	// mu guards handle and started. Sends hold the read lock so Close waits
	// for them; opening or releasing the handle takes the write lock.
	mu      sync.RWMutex
	handle  Producer
	started bool
	closed  atomic.Bool
}

// NewPublisher returns a Publisher in the Uninitialized state.
func NewPublisher(t Transport, opts Options) *Publisher {
	p := &Publisher{
		transport: t,
		opts:      opts.withDefaults(),
		topicSem:  make(chan struct{}, 1),
	}
	p.observeState()
	return p
}

// Topic returns the configured topic name.
func (p *Publisher) Topic() string { return p.opts.Topic }

// State reports the current lifecycle state.
func (p *Publisher) State() State {
	switch {
	case p.closed.Load():
		return StateClosed
	case p.pending.Load():
		return StateTopicPending
	case p.topicReady.Load():
		return StateReady
	}
	return StateUninitialized
}

func (p *Publisher) observeState() { stateGauge.Set(float64(p.State())) }

// Start is the startup hook. It marks the publisher as running so later
// publishes share one handle, confirms the topic, and opens the handle.
// A readiness failure is returned but leaves the publisher usable; the next
// Publish retries the check.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = true
	p.closed.Store(false)
	p.mu.Unlock()
	p.observeState()

	if err := p.EnsureTopic(ctx); err != nil {
		return err
	}
	if _, err := p.sharedHandle(); err != nil {
		return &PublishError{Reason: ReasonUnreachable, Err: err}
	}
	return nil
}

// EnsureTopic confirms the topic exists, creating it if needed. Once it
// succeeds it is never re-run until Close. Concurrent first callers
// serialize; only the first may issue a create request. A caller waiting
// behind another check returns when its ctx ends.
func (p *Publisher) EnsureTopic(ctx context.Context) error {
	if p.topicReady.Load() {
		return nil
	}
	select {
	case p.topicSem <- struct{}{}:
	case <-ctx.Done():
		return &PublishError{Reason: ReasonUnreachable, Err: ctx.Err()}
	}
	defer func() { <-p.topicSem }()
	if p.topicReady.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &PublishError{Reason: ReasonUnreachable, Err: err}
	}

	p.pending.Store(true)
	p.observeState()
	defer func() {
		p.pending.Store(false)
		p.observeState()
	}()

	l := zerolog.Ctx(ctx)
	exists, err := p.topicListed(ctx)
	if err != nil {
		return &PublishError{Reason: ReasonUnreachable, Err: err}
	}
	if exists {
		p.topicReady.Store(true)
		return nil
	}

	l.Info().Str("topic", p.opts.Topic).
		Int("partitions", p.opts.Partitions).
		Int("replication", p.opts.ReplicationFactor).
		Msg("creating topic")
	topicCreates.Inc()
	err = p.transport.CreateTopic(ctx, TopicSpec{
		Name:              p.opts.Topic,
		Partitions:        p.opts.Partitions,
		ReplicationFactor: p.opts.ReplicationFactor,
	})
	if err != nil {
		return &PublishError{Reason: ReasonTopicUnconfirmed, Err: err}
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := p.topicListed(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errTopicMissing
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.opts.TopicBackoff)),
		backoff.WithMaxTries(uint(p.opts.TopicAttempts)),
	)
	if err != nil {
		l.Warn().Err(err).Str("topic", p.opts.Topic).Int("attempts", p.opts.TopicAttempts).Msg("topic not confirmed")
		return &PublishError{Reason: ReasonTopicUnconfirmed, Err: err}
	}
	p.topicReady.Store(true)
	return nil
}

func (p *Publisher) topicListed(ctx context.Context) (bool, error) {
	topics, err := p.transport.ListTopics(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range topics {
		if t == p.opts.Topic {
			return true, nil
		}
	}
	return false, nil
}

// Publish sends app as a PublishEvent and waits for the acknowledgement.
// It returns the number of payload bytes sent.
func (p *Publisher) Publish(ctx context.Context, app domain.Application) (n int, err error) {
	tr := otel.Tracer("broker/Publisher")
	ctx, span := tr.Start(ctx, "broker.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("application.id", app.ID),
			attribute.String("messaging.destination.name", p.opts.Topic),
		),
	)
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(ReasonOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		publishTotal.WithLabelValues(result).Inc()
		publishLat.Observe(time.Since(start).Seconds())
		span.End()
	}()

	if !app.Persisted() {
		return 0, &PublishError{Reason: ReasonEncode, Err: errors.New("application has no identity")}
	}
	payload, err := domain.NewPublishEvent(app).Encode()
	if err != nil {
		return 0, &PublishError{Reason: ReasonEncode, Err: err}
	}
	key := []byte(strconv.FormatInt(app.ID, 10))

	// A publish after Close re-enters the lifecycle from the start.
	if p.closed.CompareAndSwap(true, false) {
		p.observeState()
	}

	if err := p.EnsureTopic(ctx); err != nil {
		return 0, err
	}
	if err := p.send(ctx, key, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// send uses the shared handle when the publisher has been started, and a
// temporary one otherwise.
func (p *Publisher) send(ctx context.Context, key, value []byte) error {
	for {
		p.mu.RLock()
		if p.handle != nil {
			err := p.handle.Send(ctx, key, value)
			p.mu.RUnlock()
			if err != nil {
				return sendFailure(err)
			}
			return nil
		}
		started := p.started
		p.mu.RUnlock()

		if !started {
			return p.sendOnce(ctx, key, value)
		}
		if _, err := p.sharedHandle(); err != nil {
			return &PublishError{Reason: ReasonUnreachable, Err: err}
		}
	}
}

// sharedHandle opens the shared producer unless one exists. A concurrent
// Close may release it again before the caller uses it, so callers re-check
// under the read lock.
func (p *Publisher) sharedHandle() (Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return p.handle, nil
	}
	h, err := p.transport.OpenProducer(p.opts.Topic)
	if err != nil {
		return nil, err
	}
	p.handle = h
	return h, nil
}

func (p *Publisher) sendOnce(ctx context.Context, key, value []byte) error {
	h, err := p.transport.OpenProducer(p.opts.Topic)
	if err != nil {
		return &PublishError{Reason: ReasonUnreachable, Err: err}
	}
	sendErr := h.Send(ctx, key, value)
	if cerr := h.Close(); cerr != nil {
		zerolog.Ctx(ctx).Debug().Err(cerr).Msg("closing temporary producer")
	}
	if sendErr != nil {
		return sendFailure(sendErr)
	}
	return nil
}

// Close releases the shared handle, waiting for in-flight sends, and forgets
// topic readiness. It is safe to call any number of times.
func (p *Publisher) Close() error {
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.started = false
	p.closed.Store(true)
	p.mu.Unlock()

	p.topicSem <- struct{}{}
	p.topicReady.Store(false)
	<-p.topicSem
	p.observeState()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Msg("closing producer")
	}
	return nil
}
