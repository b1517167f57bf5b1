// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header on unsafe methods and, when
// a lookup is configured, detects retries of a POST that already produced an
// application. Downstream code reads:
//   - GetIdempotencyKey: the validated key
//   - ReplayApplicationID / IsReplay: the application a previous request with
//     the same key created
//
// A detected replay also exempts the request from rate limiting.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client's key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // int64: application id to replay
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// ReplayApplicationID returns the id of the application recorded for this
// request's key, if any.
func ReplayApplicationID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

// IsReplay reports whether a previous request with the same key succeeded.
func IsReplay(c *gin.Context) bool {
	_, ok := ReplayApplicationID(c)
	return ok
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; nil uses ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup returns the application id bound to key at now. Expiry is
// the lookup's responsibility. Errors are treated as a miss.
type IdempotencyLookup func(ctx context.Context, key string, now time.Time) (applicationID int64, found bool, err error)

// IdempotencyValidator validates the header on POST, PUT and PATCH.
//
//   - Absent header, or a safe method: no-op.
//   - Invalid key: 400 {"code":"bad_idempotency_key"}.
//   - Lookup hit: marks replay and rate bypass.
//
// It never writes the replayed body itself; handlers decide how to serve it.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdemPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			id, found, err := lookup(c.Request.Context(), key, time.Now().UTC())
			if err == nil && found && id > 0 {
				c.Set(ctxKeyIdemReplay, id)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

func unsafeMethod(m string) bool {
	return m == http.MethodPost || m == http.MethodPut || m == http.MethodPatch
}
