// Package httpapi wires the HTTP transport (Gin) to the application service,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-applications-backend/docs"
	"github.com/tbourn/go-applications-backend/internal/config"
	"github.com/tbourn/go-applications-backend/internal/domain"
	"github.com/tbourn/go-applications-backend/internal/http/handlers"
	"github.com/tbourn/go-applications-backend/internal/http/middleware"
	"github.com/tbourn/go-applications-backend/internal/repo"
	"github.com/tbourn/go-applications-backend/internal/services"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// applicationRepoShim adapts the repository free functions to
// services.ApplicationRepo.
type applicationRepoShim struct{}

func (applicationRepoShim) CreateApplication(ctx context.Context, db *gorm.DB, draft domain.ApplicationCreate) (*domain.Application, error) {
	return repo.CreateApplication(ctx, db, draft)
}

func (applicationRepoShim) GetApplication(ctx context.Context, db *gorm.DB, id int64) (*domain.Application, error) {
	return repo.GetApplication(ctx, db, id)
}

func (applicationRepoShim) ListApplications(ctx context.Context, db *gorm.DB, f repo.ListFilter) ([]domain.Application, error) {
	return repo.ListApplications(ctx, db, f)
}

func (applicationRepoShim) CountApplications(ctx context.Context, db *gorm.DB, userName *string) (int64, error) {
	return repo.CountApplications(ctx, db, userName)
}

// pendingKeyTTL bounds how long a reserved Idempotency-Key blocks retries
// when its request never completes.
const pendingKeyTTL = time.Minute

// idempotencyStore adapts the idempotency repository to
// handlers.IdempotencyStore.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

func (s idempotencyStore) Reserve(ctx context.Context, key string) error {
	_, err := repo.ReserveIdempotency(ctx, s.db, key, pendingKeyTTL)
	if errors.Is(err, repo.ErrDuplicate) {
		return handlers.ErrKeyInUse
	}
	return err
}

func (s idempotencyStore) Complete(ctx context.Context, key string, applicationID int64) error {
	return repo.CompleteIdempotency(ctx, s.db, key, applicationID, s.ttl)
}

func (s idempotencyStore) Release(ctx context.Context, key string) error {
	return repo.ReleaseIdempotency(ctx, s.db, key)
}

// Deps are the collaborators the routes are built from. Publisher may be nil,
// in which case every submission is stored but reported as not published.
type Deps struct {
	DB        *gorm.DB
	Publisher services.Publisher
	Sinks     []services.OutcomeSink
}

// RegisterRoutes attaches all middleware and HTTP endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (request-scoped, redacting)
//  4. Recovery, after the logger so panics carry the request id
//  5. Body size limit, gzip
//  6. Metrics
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. Rate limiter
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())

	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, key string, now time.Time) (int64, bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return rec.ApplicationID, true, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	alive := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }
	r.GET("/", alive)
	r.GET("/health", alive)

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	svc := services.NewApplicationService(deps.DB, applicationRepoShim{}, deps.Publisher, deps.Sinks...)
	if cfg.PageSizeDefault > 0 {
		svc.DefaultPageSize = cfg.PageSizeDefault
	}
	if cfg.PageSizeMax > 0 {
		svc.MaxPageSize = cfg.PageSizeMax
	}
	if cfg.Kafka.PublishTimeout > 0 {
		svc.PublishTimeout = cfg.Kafka.PublishTimeout
	}

	h := handlers.New(svc, idempotencyStore{db: deps.DB, ttl: cfg.IdempotencyTTL})

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/applications", h.CreateApplication)
		api.GET("/applications", h.ListApplications)
		api.GET("/applications/:id", h.GetApplication)
	}
}

// useCORS installs gin-contrib/cors. With no allowlist every origin is
// accepted and ACAO: * is forced even without an Origin header; otherwise the
// request origin is echoed when allowed.
func useCORS(r *gin.Engine, origins []string) {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "Idempotency-Replayed", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		base.AllowAllOrigins = true
		r.Use(cors.New(base))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	base.AllowOrigins = origins
	r.Use(cors.New(base))
}

// limitBody caps the request body at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
