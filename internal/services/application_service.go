// Package services – ApplicationService
//
// This file implements ApplicationService, which owns the create-and-publish
// workflow and the read-side queries for applications.
//
// Submit persists first and publishes second. Once the row is durable the call
// succeeds regardless of what the broker does; a failed publish is reported as
// a typed Submission outcome to the configured sinks, never as an error.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-applications-backend/internal/domain"
	"github.com/tbourn/go-applications-backend/internal/repo"
)

// ApplicationRepo defines the persistence contract required by
// ApplicationService.
type ApplicationRepo interface {
	// CreateApplication inserts one row; the store assigns id and created_at.
	CreateApplication(ctx context.Context, db *gorm.DB, draft domain.ApplicationCreate) (*domain.Application, error)

	// GetApplication fetches one application or repo.ErrNotFound.
	GetApplication(ctx context.Context, db *gorm.DB, id int64) (*domain.Application, error)

	// ListApplications returns a page ordered newest first.
	ListApplications(ctx context.Context, db *gorm.DB, f repo.ListFilter) ([]domain.Application, error)

	// CountApplications returns the total for an optional user filter.
	CountApplications(ctx context.Context, db *gorm.DB, userName *string) (int64, error)
}

// Publisher emits one event per persisted application.
type Publisher interface {
	Publish(ctx context.Context, app domain.Application) (int, error)
}

// Defaults applied by NewApplicationService.
const (
	DefaultPageSize       = 10
	DefaultMaxPageSize    = 100
	DefaultPublishTimeout = 10 * time.Second
)

// ApplicationService coordinates persistence, publishing and queries.
type ApplicationService struct {
	DB        *gorm.DB
	Repo      ApplicationRepo
	Publisher Publisher
	Sinks     []OutcomeSink

	DefaultPageSize int
	MaxPageSize     int
	// PublishTimeout bounds a publish that runs detached from the request.
	PublishTimeout time.Duration
}

// NewApplicationService constructs an ApplicationService with default paging
// and publish timeout.
func NewApplicationService(db *gorm.DB, r ApplicationRepo, p Publisher, sinks ...OutcomeSink) *ApplicationService {
	return &ApplicationService{
		DB:              db,
		Repo:            r,
		Publisher:       p,
		Sinks:           sinks,
		DefaultPageSize: DefaultPageSize,
		MaxPageSize:     DefaultMaxPageSize,
		PublishTimeout:  DefaultPublishTimeout,
	}
}

// Submit persists draft and then publishes the stored application.
//
// Errors are returned only when nothing was persisted: ErrInvalidDraft for a
// blank field, or *WorkflowError{Stage: StagePersist}. Publishing starts only
// after the insert has returned and is not cancelled by ctx; it is bounded by
// PublishTimeout instead.
func (s *ApplicationService) Submit(ctx context.Context, draft domain.ApplicationCreate) (*Submission, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "Submit")
	defer span.End()

	draft.UserName = strings.TrimSpace(draft.UserName)
	draft.Description = strings.TrimSpace(draft.Description)
	if draft.UserName == "" || draft.Description == "" {
		return nil, ErrInvalidDraft
	}

	app, err := s.Repo.CreateApplication(ctx, s.DB, draft)
	if err != nil {
		span.RecordError(err)
		return nil, &WorkflowError{Stage: StagePersist, Err: err}
	}
	span.SetAttributes(attribute.Int64("application.id", app.ID))

	sub := &Submission{Application: *app, Outcome: OutcomePublished}
	if s.Publisher == nil {
		sub.Outcome = OutcomePersistedNotPublished
		sub.PublishErr = errNoPublisher
	} else {
		pctx, cancel := s.publishContext(ctx)
		n, perr := s.Publisher.Publish(pctx, *app)
		cancel()
		sub.BytesSent = n
		if perr != nil {
			sub.Outcome = OutcomePersistedNotPublished
			sub.PublishErr = perr
		}
	}

	s.report(ctx, *sub)
	return sub, nil
}

var errNoPublisher = errors.New("no publisher configured")

// publishContext detaches from the caller's cancellation but keeps its
// values (logger, trace span).
func (s *ApplicationService) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.PublishTimeout
	if d <= 0 {
		d = DefaultPublishTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (s *ApplicationService) report(ctx context.Context, sub Submission) {
	// Sinks see a context that outlives the request too.
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.Sinks {
		if sink == nil {
			continue
		}
		sink.Report(ctx, sub)
	}
}

// ListQuery selects a page of applications. UserName nil or empty lists all.
type ListQuery struct {
	UserName *string
	Page     int
	Size     int
}

// List returns one page of applications, newest first, plus the total row
// count for the filter. Page must be >= 1 and Size within [1, MaxPageSize];
// a zero Size takes DefaultPageSize.
func (s *ApplicationService) List(ctx context.Context, q ListQuery) ([]domain.Application, int64, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.Int("page", q.Page),
			attribute.Int("size", q.Size),
		),
	)
	defer span.End()

	maxSize := s.MaxPageSize
	if maxSize <= 0 || maxSize > repo.MaxListLimit {
		maxSize = repo.MaxListLimit
	}
	if q.Size == 0 {
		q.Size = s.DefaultPageSize
		if q.Size <= 0 {
			q.Size = DefaultPageSize
		}
	}
	if q.Page < 1 || q.Size < 1 || q.Size > maxSize {
		return nil, 0, ErrInvalidPage
	}
	if q.UserName != nil && *q.UserName == "" {
		q.UserName = nil
	}

	total, err := s.Repo.CountApplications(ctx, s.DB, q.UserName)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Application{}, 0, nil
	}

	items, err := s.Repo.ListApplications(ctx, s.DB, repo.ListFilter{
		UserName: q.UserName,
		Limit:    q.Size,
		Offset:   (q.Page - 1) * q.Size,
	})
	if err != nil {
		return nil, 0, err
	}
	zerolog.Ctx(ctx).Debug().Int("count", len(items)).Int64("total", total).Msg("applications listed")
	return items, total, nil
}

// Get returns one application by id.
func (s *ApplicationService) Get(ctx context.Context, id int64) (*domain.Application, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.Int64("application.id", id)))
	defer span.End()

	app, err := s.Repo.GetApplication(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrApplicationNotFound
	}
	return app, err
}
