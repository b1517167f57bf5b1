package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_ReplayApplicationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}

	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("expected GetIdempotencyKey to be absent for non-string value")
	}

	c.Set(ctxKeyIdemReplay, int64(7))
	if id, ok := ReplayApplicationID(c); !ok || id != 7 || !IsReplay(c) {
		t.Fatalf("expected replay of 7, got %d %v", id, ok)
	}
	c.Set(ctxKeyIdemReplay, "7")
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for non-int64")
	}
	c.Set(ctxKeyIdemReplay, int64(0))
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for zero id")
	}
}

func TestIdempotencyValidator_NoHeader_NoLookupCalled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	lookupCalled := false
	lookup := func(_ context.Context, _ string, _ time.Time) (int64, bool, error) {
		lookupCalled = true
		return 0, false, nil
	}
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/ping", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("key should not be present when header missing")
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ping", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	// Safe methods ignore the header, even an invalid one.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderIdempotencyKey, "not valid!")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("GET with key: expected 204, got %d", w.Code)
	}
	if lookupCalled {
		t.Fatalf("lookup should not be called")
	}
}

func TestIdempotencyValidator_InvalidKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		opts IdempotencyOptions
		key  string
	}{
		{"too long", IdempotencyOptions{MaxLen: 5}, "abcdef"},
		{"pattern", IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123"},
		{"default pattern", IdempotencyOptions{}, "has space"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(tc.opts, nil))
			r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			r.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if body["code"] != "bad_idempotency_key" {
				t.Fatalf("unexpected body: %v", body)
			}
		})
	}
}

func TestIdempotencyValidator_Valid_NoLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, nil))
	r.POST("/z", func(c *gin.Context) {
		key, ok := GetIdempotencyKey(c)
		if !ok || key != "abc-123" {
			t.Fatalf("expected stashed key abc-123, got %q ok=%v", key, ok)
		}
		if IsReplay(c) || IsRateBypass(c) {
			t.Fatalf("expected no replay/bypass when lookup=nil")
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/z", nil)
	req.Header.Set(HeaderIdempotencyKey, "abc-123")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestIdempotencyValidator_Lookup(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		id         int64
		found      bool
		err        error
		wantReplay bool
	}{
		{"miss", 0, false, nil, false},
		{"hit", 42, true, nil, true},
		{"error is a miss", 42, true, errors.New("db down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			lookup := func(_ context.Context, key string, now time.Time) (int64, bool, error) {
				if key != "k-9" || now.IsZero() {
					t.Fatalf("lookup args not populated: key=%q now=%v", key, now)
				}
				return tc.id, tc.found, tc.err
			}
			r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
			r.POST("/api/v1/applications", func(c *gin.Context) {
				if IsReplay(c) != tc.wantReplay || IsRateBypass(c) != tc.wantReplay {
					t.Fatalf("replay=%v bypass=%v; want %v", IsReplay(c), IsRateBypass(c), tc.wantReplay)
				}
				if tc.wantReplay {
					if id, _ := ReplayApplicationID(c); id != tc.id {
						t.Fatalf("replay id = %d; want %d", id, tc.id)
					}
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/applications", nil)
			req.Header.Set(HeaderIdempotencyKey, "k-9")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
		})
	}
}
