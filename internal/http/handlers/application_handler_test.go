package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-applications-backend/internal/domain"
	"github.com/tbourn/go-applications-backend/internal/http/middleware"
	"github.com/tbourn/go-applications-backend/internal/services"
)

// ---------- test plumbing ----------

type stubSvc struct {
	submit func(ctx context.Context, d domain.ApplicationCreate) (*services.Submission, error)
	list   func(ctx context.Context, q services.ListQuery) ([]domain.Application, int64, error)
	get    func(ctx context.Context, id int64) (*domain.Application, error)
}

func (s stubSvc) Submit(ctx context.Context, d domain.ApplicationCreate) (*services.Submission, error) {
	return s.submit(ctx, d)
}

func (s stubSvc) List(ctx context.Context, q services.ListQuery) ([]domain.Application, int64, error) {
	return s.list(ctx, q)
}

func (s stubSvc) Get(ctx context.Context, id int64) (*domain.Application, error) {
	return s.get(ctx, id)
}

var createdAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func stored(id int64, user, desc string) domain.Application {
	return domain.Application{ID: id, UserName: user, Description: desc, CreatedAt: createdAt}
}

func newRouter(h *Handlers, lookup middleware.IdempotencyLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup))
	r.POST("/applications", h.CreateApplication)
	r.GET("/applications", h.ListApplications)
	r.GET("/applications/:id", h.GetApplication)
	return r
}

func do(r http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er
}

// ---------- POST /applications ----------

func TestCreateApplication_OK_EvenWhenNotPublished(t *testing.T) {
	var got domain.ApplicationCreate
	svc := stubSvc{submit: func(_ context.Context, d domain.ApplicationCreate) (*services.Submission, error) {
		got = d
		return &services.Submission{
			Application: stored(7, d.UserName, d.Description),
			Outcome:     services.OutcomePersistedNotPublished,
			PublishErr:  errors.New("broker down"),
		}, nil
	}}
	r := newRouter(New(svc, nil), nil)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"alice","description":"hello"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got.UserName != "alice" || got.Description != "hello" {
		t.Fatalf("draft = %+v", got)
	}
	var app domain.Application
	if err := json.Unmarshal(w.Body.Bytes(), &app); err != nil {
		t.Fatalf("json: %v", err)
	}
	if app.ID != 7 || app.UserName != "alice" || !app.CreatedAt.Equal(createdAt) {
		t.Fatalf("app = %+v", app)
	}
	if strings.Contains(w.Body.String(), "broker") {
		t.Fatalf("publish failure leaked: %s", w.Body.String())
	}
}

func TestCreateApplication_BadRequests(t *testing.T) {
	calls := 0
	svc := stubSvc{submit: func(_ context.Context, d domain.ApplicationCreate) (*services.Submission, error) {
		calls++
		if strings.TrimSpace(d.UserName) == "" || strings.TrimSpace(d.Description) == "" {
			return nil, services.ErrInvalidDraft
		}
		t.Fatalf("unexpected valid draft %+v", d)
		return nil, nil
	}}
	r := newRouter(New(svc, nil), nil)

	cases := []struct {
		name     string
		body     string
		wantCall bool
	}{
		{"malformed json", `{"user_name":`, false},
		{"missing description", `{"user_name":"alice"}`, false},
		{"empty user", `{"user_name":"","description":"x"}`, false},
		{"blank after trim", `{"user_name":"   ","description":"x"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := calls
			w := do(r, http.MethodPost, "/applications", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d", w.Code)
			}
			if er := decodeErr(t, w); er.Code != ErrCodeBadRequest || er.RequestID == "" {
				t.Fatalf("body=%+v", er)
			}
			if (calls > before) != tc.wantCall {
				t.Fatalf("service called=%v; want %v", calls > before, tc.wantCall)
			}
		})
	}
}

func TestCreateApplication_PersistFailure_GenericBody(t *testing.T) {
	svc := stubSvc{submit: func(context.Context, domain.ApplicationCreate) (*services.Submission, error) {
		return nil, &services.WorkflowError{Stage: services.StagePersist, Err: errors.New("pq: relation \"applications\" does not exist")}
	}}
	r := newRouter(New(svc, nil), nil)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"alice","description":"hello"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decodeErr(t, w)
	if er.Code != ErrCodeCreateFailed || strings.Contains(er.Message, "relation") {
		t.Fatalf("body=%+v", er)
	}
}

// stubKeys is an in-memory IdempotencyStore that logs each call.
type stubKeys struct {
	held        map[string]int64
	reserveErr  error
	completeErr error
	calls       []string
}

func newStubKeys() *stubKeys { return &stubKeys{held: map[string]int64{}} }

func (k *stubKeys) Reserve(_ context.Context, key string) error {
	k.calls = append(k.calls, "reserve:"+key)
	if k.reserveErr != nil {
		return k.reserveErr
	}
	if _, taken := k.held[key]; taken {
		return ErrKeyInUse
	}
	k.held[key] = 0
	return nil
}

func (k *stubKeys) Complete(_ context.Context, key string, id int64) error {
	k.calls = append(k.calls, "complete:"+key)
	if k.completeErr != nil {
		return k.completeErr
	}
	k.held[key] = id
	return nil
}

func (k *stubKeys) Release(_ context.Context, key string) error {
	k.calls = append(k.calls, "release:"+key)
	delete(k.held, key)
	return nil
}

func submitAs(id int64) stubSvc {
	return stubSvc{submit: func(_ context.Context, d domain.ApplicationCreate) (*services.Submission, error) {
		return &services.Submission{Application: stored(id, d.UserName, d.Description), Outcome: services.OutcomePublished}, nil
	}}
}

func TestCreateApplication_ReservesThenBindsKey(t *testing.T) {
	keys := newStubKeys()
	r := newRouter(New(submitAs(11), keys), nil)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"bob","description":"d"}`,
		map[string]string{middleware.HeaderIdempotencyKey: "k-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := strings.Join(keys.calls, ","); got != "reserve:k-123,complete:k-123" {
		t.Fatalf("calls = %s", got)
	}
	if keys.held["k-123"] != 11 {
		t.Fatalf("key bound to %d; want 11", keys.held["k-123"])
	}
}

func TestCreateApplication_KeyInFlightIsConflict(t *testing.T) {
	keys := newStubKeys()
	keys.held["k-busy"] = 0 // another request holds the reservation
	svc := stubSvc{submit: func(context.Context, domain.ApplicationCreate) (*services.Submission, error) {
		t.Fatalf("a second request with a held key must not insert")
		return nil, nil
	}}
	r := newRouter(New(svc, keys), nil)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"bob","description":"d"}`,
		map[string]string{middleware.HeaderIdempotencyKey: "k-busy"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d; want 409", w.Code)
	}
	if er := decodeErr(t, w); er.Code != ErrCodeIdempotencyConflict {
		t.Fatalf("code=%q", er.Code)
	}
}

func TestCreateApplication_FailedSubmitReleasesKey(t *testing.T) {
	keys := newStubKeys()
	svc := stubSvc{submit: func(context.Context, domain.ApplicationCreate) (*services.Submission, error) {
		return nil, &services.WorkflowError{Stage: services.StagePersist, Err: errors.New("down")}
	}}
	r := newRouter(New(svc, keys), nil)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"bob","description":"d"}`,
		map[string]string{middleware.HeaderIdempotencyKey: "k-fail"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if _, held := keys.held["k-fail"]; held {
		t.Fatalf("key still held after failed submit; calls=%v", keys.calls)
	}
}

func TestCreateApplication_KeyStoreErrorsNeverFailRequest(t *testing.T) {
	cases := []struct {
		name  string
		setup func(k *stubKeys)
	}{
		{"reserve fails", func(k *stubKeys) { k.reserveErr = errors.New("db gone") }},
		{"complete fails", func(k *stubKeys) { k.completeErr = errors.New("db gone") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys := newStubKeys()
			tc.setup(keys)
			r := newRouter(New(submitAs(12), keys), nil)
			w := do(r, http.MethodPost, "/applications", `{"user_name":"bob","description":"d"}`,
				map[string]string{middleware.HeaderIdempotencyKey: "k-124"})
			if w.Code != http.StatusOK {
				t.Fatalf("status=%d", w.Code)
			}
		})
	}
}

func TestCreateApplication_ReplayReturnsRecordedApplication(t *testing.T) {
	svc := stubSvc{
		submit: func(context.Context, domain.ApplicationCreate) (*services.Submission, error) {
			t.Fatalf("replay must not submit again")
			return nil, nil
		},
		get: func(_ context.Context, id int64) (*domain.Application, error) {
			a := stored(id, "alice", "hello")
			return &a, nil
		},
	}
	lookup := func(_ context.Context, key string, _ time.Time) (int64, bool, error) {
		return 42, key == "seen", nil
	}
	r := newRouter(New(svc, nil), lookup)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"alice","description":"hello"}`,
		map[string]string{middleware.HeaderIdempotencyKey: "seen"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("missing replay header")
	}
	var app domain.Application
	_ = json.Unmarshal(w.Body.Bytes(), &app)
	if app.ID != 42 {
		t.Fatalf("replayed id = %d", app.ID)
	}
}

func TestCreateApplication_ReplayOfVanishedRowSubmitsAgain(t *testing.T) {
	submitted := false
	svc := stubSvc{
		submit: func(_ context.Context, d domain.ApplicationCreate) (*services.Submission, error) {
			submitted = true
			return &services.Submission{Application: stored(43, d.UserName, d.Description)}, nil
		},
		get: func(context.Context, int64) (*domain.Application, error) {
			return nil, services.ErrApplicationNotFound
		},
	}
	lookup := func(context.Context, string, time.Time) (int64, bool, error) { return 42, true, nil }
	keys := newStubKeys()
	keys.held["seen"] = 42
	r := newRouter(New(svc, keys), lookup)

	w := do(r, http.MethodPost, "/applications", `{"user_name":"alice","description":"hello"}`,
		map[string]string{middleware.HeaderIdempotencyKey: "seen"})
	if w.Code != http.StatusOK || !submitted {
		t.Fatalf("status=%d submitted=%v", w.Code, submitted)
	}
	if keys.held["seen"] != 43 {
		t.Fatalf("stale binding not replaced; calls=%v", keys.calls)
	}
	if w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("unexpected replay header")
	}
}

// ---------- GET /applications ----------

func TestListApplications_QueryMapping(t *testing.T) {
	var got services.ListQuery
	svc := stubSvc{list: func(_ context.Context, q services.ListQuery) ([]domain.Application, int64, error) {
		got = q
		return []domain.Application{stored(2, "alice", "b"), stored(1, "alice", "a")}, 25, nil
	}}
	r := newRouter(New(svc, nil), nil)

	w := do(r, http.MethodGet, "/applications?user_name=alice&page=2&size=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got.Page != 2 || got.Size != 10 || got.UserName == nil || *got.UserName != "alice" {
		t.Fatalf("query = %+v", got)
	}
	if w.Header().Get("X-Total-Count") != "25" {
		t.Fatalf("X-Total-Count = %q", w.Header().Get("X-Total-Count"))
	}
	var apps []domain.Application
	if err := json.Unmarshal(w.Body.Bytes(), &apps); err != nil || len(apps) != 2 || apps[0].ID != 2 {
		t.Fatalf("apps=%+v err=%v", apps, err)
	}

	// Defaults: page 1, size left to the service, no filter.
	w = do(r, http.MethodGet, "/applications", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got.Page != 1 || got.Size != 0 || got.UserName != nil {
		t.Fatalf("default query = %+v", got)
	}
}

func TestListApplications_EmptyIsArray(t *testing.T) {
	svc := stubSvc{list: func(context.Context, services.ListQuery) ([]domain.Application, int64, error) {
		return []domain.Application{}, 0, nil
	}}
	r := newRouter(New(svc, nil), nil)

	w := do(r, http.MethodGet, "/applications?user_name=nobody", "", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestListApplications_InvalidPaging(t *testing.T) {
	svc := stubSvc{list: func(_ context.Context, q services.ListQuery) ([]domain.Application, int64, error) {
		if q.Page < 1 || q.Size < 0 || q.Size > 100 {
			return nil, 0, services.ErrInvalidPage
		}
		return []domain.Application{}, 0, nil
	}}
	r := newRouter(New(svc, nil), nil)

	for _, target := range []string{
		"/applications?page=0",
		"/applications?page=-1",
		"/applications?size=101",
		"/applications?page=abc",
		"/applications?size=1.5",
		"/applications?size=0",
	} {
		w := do(r, http.MethodGet, target, "", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", target, w.Code)
		}
		if er := decodeErr(t, w); er.Code != ErrCodeInvalidPage {
			t.Fatalf("%s: code=%q", target, er.Code)
		}
	}
}

func TestListApplications_StoreFailure(t *testing.T) {
	svc := stubSvc{list: func(context.Context, services.ListQuery) ([]domain.Application, int64, error) {
		return nil, 0, errors.New("store: count (unavailable): boom")
	}}
	r := newRouter(New(svc, nil), nil)

	w := do(r, http.MethodGet, "/applications", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decodeErr(t, w); er.Code != ErrCodeListFailed || strings.Contains(er.Message, "boom") {
		t.Fatalf("body=%+v", er)
	}
}

// ---------- GET /applications/:id ----------

func TestGetApplication(t *testing.T) {
	svc := stubSvc{get: func(_ context.Context, id int64) (*domain.Application, error) {
		switch id {
		case 1:
			a := stored(1, "alice", "hello")
			return &a, nil
		case 2:
			return nil, errors.New("timeout")
		}
		return nil, services.ErrApplicationNotFound
	}}
	r := newRouter(New(svc, nil), nil)

	cases := []struct {
		target string
		status int
		code   string
	}{
		{"/applications/1", http.StatusOK, ""},
		{"/applications/99", http.StatusNotFound, ErrCodeNotFound},
		{"/applications/2", http.StatusInternalServerError, ErrCodeGetFailed},
		{"/applications/abc", http.StatusBadRequest, ErrCodeBadRequest},
		{"/applications/0", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		w := do(r, http.MethodGet, tc.target, "", nil)
		if w.Code != tc.status {
			t.Fatalf("%s: status=%d want %d", tc.target, w.Code, tc.status)
		}
		if tc.code != "" {
			if er := decodeErr(t, w); er.Code != tc.code {
				t.Fatalf("%s: code=%q want %q", tc.target, er.Code, tc.code)
			}
		}
	}
}
