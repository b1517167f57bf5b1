// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches a conservative set of
// response headers suited to a JSON API behind a reverse proxy. HSTS is opt-in
// and only sent on HTTPS requests.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	EnableHSTS   bool          // set true only when traffic is HTTPS end-to-end
	HSTSMaxAge   time.Duration // defaults to 180 days
	NoStore      bool          // add Cache-Control: no-store
	EnablePolicy bool          // include Permissions-Policy, etc.
}

// SecurityHeaders always sets X-Content-Type-Options, X-Frame-Options and
// Referrer-Policy, plus the optional groups selected in opt. When the response
// already carries X-Request-ID it is added to Access-Control-Expose-Headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get(requestIDHeader) != "" {
			const hdr = "Access-Control-Expose-Headers"
			switch cur := h.Get(hdr); {
			case cur == "":
				h.Set(hdr, requestIDHeader)
			case !strings.Contains(cur, requestIDHeader):
				h.Set(hdr, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS directly or through a
// proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
