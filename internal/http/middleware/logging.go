// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, the access logger, and the
// panic recovery handler.
//
//   - RequestID() reuses or generates X-Request-ID and stores it in the Gin
//     context.
//   - Logger() builds a request-scoped zerolog.Logger, attaches it both to the
//     Gin context ("logger") and to the request context so services can call
//     zerolog.Ctx(ctx), and emits one access line per request. Query strings
//     and header values are scrubbed of emails, phone numbers and UUIDs;
//     credential headers are masked entirely. Bodies are never logged.
//   - Recovery() turns panics into a JSON 500 carrying the request ID.
//
// Recommended order: RequestID, Logger, Recovery.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
// An incoming X-Request-ID is reused; otherwise a UUIDv4 is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// LogOptions configures Logger.
type LogOptions struct {
	// MaskHeaders lists extra header names whose values are replaced with
	// "[REDACTED]". Authorization, Cookie and Set-Cookie are always masked.
	MaskHeaders []string
	// LogHeaders includes the scrubbed request headers in the access line.
	LogHeaders bool
}

// UUIDs are redacted before phone numbers so the phone pattern cannot eat
// their digit groups.
var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Redact scrubs UUIDs, email addresses and phone numbers from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// Logger writes a structured access log for each request.
//
// Level is error for 5xx or when the Gin context carries errors, warn for
// 4xx, info otherwise. Place it after RequestID.
func Logger(opts LogOptions) gin.HandlerFunc {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Logger()

		c.Set("logger", &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		ev := l.Info()
		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}

		ev = ev.
			Str("query", truncate(Redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("user_agent", c.Request.UserAgent()).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", c.Writer.Status()).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start))
		if opts.LogHeaders {
			ev = ev.Interface("headers", scrubHeaders(c.Request.Header, mask))
		}
		ev.Msg("request")
	}
}

func scrubHeaders(h http.Header, mask map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = Redact(strings.Join(vv, ", "))
	}
	return out
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500 with
// the standard error envelope. Place it after Logger.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or a copy of the global one
// when Logger did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
