// Application HTTP handlers.
//
// This file exposes REST endpoints for application submissions:
//   - POST /applications        (persist, then publish)
//   - GET  /applications        (list newest first, optional user filter)
//   - GET  /applications/{id}   (fetch one)
//
// Handlers are transport-thin: they bind and validate input, call the
// application service, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-applications-backend/internal/domain"
	"github.com/tbourn/go-applications-backend/internal/http/middleware"
	"github.com/tbourn/go-applications-backend/internal/services"
	"github.com/tbourn/go-applications-backend/internal/utils"
)

// ApplicationService is the subset of *services.ApplicationService the
// handlers depend on. Implementations must be safe for concurrent use.
type ApplicationService interface {
	Submit(ctx context.Context, draft domain.ApplicationCreate) (*services.Submission, error)
	List(ctx context.Context, q services.ListQuery) ([]domain.Application, int64, error)
	Get(ctx context.Context, id int64) (*domain.Application, error)
}

// ErrKeyInUse is returned by IdempotencyStore.Reserve when another request
// already holds or has bound the key.
var ErrKeyInUse = errors.New("idempotency key in use")

// IdempotencyStore binds Idempotency-Key values to the application they
// produced. A key is reserved before submitting so concurrent requests with
// the same key cannot both insert.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) error
	Complete(ctx context.Context, key string, applicationID int64) error
	Release(ctx context.Context, key string) error
}

// Handlers groups the application endpoints.
type Handlers struct {
	svc  ApplicationService
	keys IdempotencyStore
}

// New binds handlers to svc. keys may be nil, which disables idempotency
// keys.
func New(svc ApplicationService, keys IdempotencyStore) *Handlers {
	return &Handlers{svc: svc, keys: keys}
}

// Response headers.
const (
	headerTotalCount = "X-Total-Count"
	headerReplayed   = "Idempotency-Replayed"
)

// CreateApplication godoc
// @ID          createApplication
// @Summary     Submit an application
// @Description Persists the application and then publishes it to the broker.
// @Description A broker failure does not fail the request once the row is stored.
// @Description Supports idempotency via the Idempotency-Key header (same key → same application).
// @Tags        Applications
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    domain.ApplicationCreate  true  "Application draft"
//
// @Success     200  {object}  domain.Application     "Stored application"
// @Failure     400  {object}  handlers.ErrorResponse "Malformed body or blank fields"
// @Failure     409  {object}  handlers.ErrorResponse "Same Idempotency-Key still in progress"
// @Failure     500  {object}  handlers.ErrorResponse "Application could not be stored"
// @Router      /applications [post]
func (h *Handlers) CreateApplication(c *gin.Context) {
	ctx := c.Request.Context()
	key, hasKey := middleware.GetIdempotencyKey(c)
	hasKey = hasKey && h.keys != nil

	if id, replay := middleware.ReplayApplicationID(c); replay {
		prev, err := h.svc.Get(ctx, id)
		if err == nil {
			c.Header(headerReplayed, "true")
			ok(c, prev)
			return
		}
		// The recorded row is gone; forget the binding and treat the request
		// as new.
		if hasKey && errors.Is(err, services.ErrApplicationNotFound) {
			h.releaseKey(c, key)
		}
	}

	var draft domain.ApplicationCreate
	if err := c.ShouldBindJSON(&draft); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_name and description are required")
		return
	}

	reserved := false
	if hasKey {
		switch err := h.keys.Reserve(ctx, key); {
		case errors.Is(err, ErrKeyInUse):
			fail(c, http.StatusConflict, ErrCodeIdempotencyConflict, "a request with this Idempotency-Key is already in progress")
			return
		case err != nil:
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency key not reserved")
		default:
			reserved = true
		}
	}

	sub, err := h.svc.Submit(ctx, draft)
	if err != nil {
		if reserved {
			h.releaseKey(c, key)
		}
		if errors.Is(err, services.ErrInvalidDraft) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "application could not be stored", err)
		return
	}

	if reserved {
		if err := h.keys.Complete(ctx, key, sub.Application.ID); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Int64("application_id", sub.Application.ID).
				Msg("idempotency key not stored")
		}
	}

	ok(c, sub.Application)
}

func (h *Handlers) releaseKey(c *gin.Context, key string) {
	if err := h.keys.Release(c.Request.Context(), key); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency key not released")
	}
}

// ListApplications godoc
// @ID          listApplications
// @Summary     List applications
// @Description Returns applications newest first. The total row count for the filter is sent in X-Total-Count.
// @Tags        Applications
// @Produce     json
//
// @Param       user_name  query  string  false  "Exact author filter"  example(alice)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       size       query  int     false  "Items per page"  minimum(1) maximum(100) default(10)
//
// @Success     200  {array}   domain.Application
// @Header      200  {integer} X-Total-Count "Rows matching the filter"
// @Failure     400  {object}  handlers.ErrorResponse "Page or size out of range"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /applications [get]
func (h *Handlers) ListApplications(c *gin.Context) {
	page, err := utils.QueryInt(c.Query("page"), 1)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPage, "page must be an integer")
		return
	}
	// An absent size is passed as 0 so the service applies its default; an
	// explicit value must be >= 1.
	sizeRaw := strings.TrimSpace(c.Query("size"))
	size, err := utils.QueryInt(sizeRaw, 0)
	if err != nil || (sizeRaw != "" && size < 1) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPage, "size must be an integer >= 1")
		return
	}

	q := services.ListQuery{Page: page, Size: size}
	if user, has := c.GetQuery("user_name"); has {
		q.UserName = &user
	}

	items, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPage) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidPage, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "applications could not be listed", err)
		return
	}

	c.Header(headerTotalCount, strconv.FormatInt(total, 10))
	ok(c, items)
}

// GetApplication godoc
// @ID          getApplication
// @Summary     Get an application
// @Tags        Applications
// @Produce     json
//
// @Param       id  path  int  true  "Application ID"  minimum(1)
//
// @Success     200  {object}  domain.Application
// @Failure     400  {object}  handlers.ErrorResponse "Invalid id"
// @Failure     404  {object}  handlers.ErrorResponse "Application not found"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /applications/{id} [get]
func (h *Handlers) GetApplication(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id must be a positive integer")
		return
	}

	app, err := h.svc.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrApplicationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeGetFailed, "application could not be loaded", err)
	default:
		ok(c, app)
	}
}
