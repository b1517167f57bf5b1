// Package handlers provides HTTP handler implementations for the public API.
//
// Every error leaves through fail, which writes the ErrorResponse envelope and
// logs 5xx responses with the request-scoped logger. Success bodies are the
// resources themselves, without an envelope:
//
//	HTTP/1.1 200 OK
//	{ "id": 42, "user_name": "alice", "description": "hello", "created_at": "2025-01-01T10:00:00Z" }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-applications-backend/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"application not found"`
}

// fail aborts the request with a structured error. Server errors are logged
// together with cause, which never reaches the client.
func fail(c *gin.Context, status int, code, msg string, cause ...error) {
	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code)
		if len(cause) > 0 && cause[0] != nil {
			ev = ev.Err(cause[0])
		}
		ev.Msg("api error")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}
