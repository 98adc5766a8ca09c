package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/internal/idempotency"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config: cfg,
	}
}

func rejectAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps()
	deps.Readiness.TemplatesLoaded = func() bool { return true }
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_ready_withoutTemplates(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when no templates are loaded", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	deps.Authenticate = rejectAll
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when metrics are disabled", w.Code)
	}
}

func TestNewRouter_contract(t *testing.T) {
	idx, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}
	deps := testDeps()
	deps.Contract = idx
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/openapi.yaml", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 (contract is public)", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q, want application/yaml", ct)
	}
	if !strings.Contains(w.Body.String(), "operationId: approveStage") {
		t.Error("body should carry the API contract")
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// With auth rejecting all requests, all authenticated routes should
	// return 401, confirming they are registered and not 404/405.
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	const stage = "/api/v1/instances/wf-1/stages/artwork-approval"
	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/templates"},
		{"GET", "/api/v1/templates/artwork-production"},
		{"POST", "/api/v1/workflows/artwork-production/instances"},
		{"GET", "/api/v1/instances"},
		{"GET", "/api/v1/instances/wf-1"},
		{"GET", "/api/v1/instances/wf-1/events"},
		{"POST", "/api/v1/instances/wf-1/cancel"},
		{"GET", "/api/v1/orders/SO-1001/instance"},
		{"POST", stage + "/evidence"},
		{"GET", stage + "/evidence/ev-1/content"},
		{"POST", stage + "/submit"},
		{"POST", stage + "/approve"},
		{"POST", stage + "/reject"},
		{"POST", stage + "/complete"},
		{"GET", stage + "/history"},
	}

	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401 (auth should reject)", w.Code)
			}
		})
	}
}

func TestNewRouter_coversContract(t *testing.T) {
	idx, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}
	r := NewRouter(testDeps())

	registered := make(map[string]bool)
	err = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		registered[method+" "+route] = true
		return nil
	})
	if err != nil {
		t.Fatalf("chi.Walk: %v", err)
	}

	for _, id := range idx.AllOperationIDs() {
		op, _ := idx.GetOperation(id)
		if !registered[op.Method+" "+op.PathTemplate] {
			t.Errorf("operation %s (%s %s) has no route", id, op.Method, op.PathTemplate)
		}
	}
}

func TestNewRouter_publicRoutesbypassAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	deps.Readiness.TemplatesLoaded = func() bool { return true }
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 200 {
				t.Errorf("status = %d, want 200 (should bypass auth)", w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/templates", nil))
	if w.Code != 401 {
		t.Errorf("templates status = %d, want 401 (auth should reject)", w.Code)
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Idempotency-Key"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID_generated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CorrelationIDFrom(r.Context()) == "" {
			t.Error("correlation ID should be generated")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("response should have X-Correlation-Id header")
	}
}

func TestRequestID_propagated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := CorrelationIDFrom(r.Context()); id != "test-corr-123" {
			t.Errorf("correlation ID = %q, want test-corr-123", id)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "test-corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-Id"); got != "test-corr-123" {
		t.Errorf("response X-Correlation-Id = %q, want test-corr-123", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	claims := map[string]any{
		"sub":   "user-42",
		"email": "somchai@example.com",
		"name":  "Somchai",
		"sid":   "session-9",
		"roles": []any{"Sales", "Procurement"},
	}

	called := false
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			t.Fatal("RequestContext should be in context")
		}
		if rctx.SubjectID != "user-42" {
			t.Errorf("SubjectID = %q, want user-42", rctx.SubjectID)
		}
		if rctx.DisplayName != "Somchai" {
			t.Errorf("DisplayName = %q, want Somchai", rctx.DisplayName)
		}
		if rctx.SessionID != "session-9" {
			t.Errorf("SessionID = %q, want session-9", rctx.SessionID)
		}
		if rctx.DeviceID != "device-abc" {
			t.Errorf("DeviceID = %q, want device-abc", rctx.DeviceID)
		}
		if rctx.Timezone != "Asia/Bangkok" {
			t.Errorf("Timezone = %q, want Asia/Bangkok", rctx.Timezone)
		}
		if len(rctx.Roles) != 2 || rctx.Roles[0] != "Sales" {
			t.Errorf("Roles = %v, want [Sales Procurement]", rctx.Roles)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	req.Header.Set("X-Device-Id", "device-abc")
	req.Header.Set("X-Timezone", "Asia/Bangkok")
	req.Header.Set("Accept-Language", "th-TH")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if !called {
		t.Fatalf("handler not called, status = %d", w.Code)
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"preferred_username": "user-99",
		"realm_access": map[string]any{
			"roles": []any{"Warehouse"},
		},
	}

	paths := map[string]string{
		"subject_id": "preferred_username",
		"roles":      "realm_access.roles",
	}

	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx.SubjectID != "user-99" {
			t.Errorf("SubjectID = %q, want user-99", rctx.SubjectID)
		}
		if len(rctx.Roles) != 1 || rctx.Roles[0] != "Warehouse" {
			t.Errorf("Roles = %v, want [Warehouse]", rctx.Roles)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
}

func TestBuildRequestContextMiddleware_missingSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a subject")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"email": "x@example.com"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResolveRoles(t *testing.T) {
	resolver := &mockResolver{roles: []string{"Sales", "Supervisor"}}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if !rctx.HasRole("Supervisor") {
			t.Errorf("Roles = %v, want resolved roles", rctx.Roles)
		}
		if rctx.HasRole("sales-team") {
			t.Error("token roles should be replaced by resolved roles")
		}
		w.WriteHeader(200)
	})

	handler := BuildRequestContextMiddleware(nil)(ResolveRoles(resolver)(inner))

	claims := map[string]any{"sub": "user-1", "roles": []any{"sales-team"}}
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}
}

func TestResolveRoles_errorKeepsTokenRoles(t *testing.T) {
	resolver := &mockResolver{err: errors.New("mapping unavailable")}

	handler := BuildRequestContextMiddleware(nil)(ResolveRoles(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if !rctx.HasRole("Sales") {
			t.Errorf("Roles = %v, want token roles kept", rctx.Roles)
		}
		w.WriteHeader(200)
	})))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"sub": "user-1", "roles": []any{"Sales"}}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestResolveRoles_nilResolver(t *testing.T) {
	handler := ResolveRoles(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) != nil {
			t.Error("no request context should be created")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have deadline when timeout is 0")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	handler := RequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

// --- Idempotency middleware ---

func idempotentHandler(t *testing.T, status int, calls *int) http.Handler {
	t.Helper()
	return Idempotency(idempotency.NewMemoryStore(), time.Hour, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*calls++
			WriteJSON(w, status, map[string]int{"call": *calls})
		}),
	)
}

func idempotentRequest(subject, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances/wf-1/stages/cnc/complete", strings.NewReader(body))
	req.Header.Set("X-Idempotency-Key", key)
	rctx := &model.RequestContext{SubjectID: subject}
	return req.WithContext(model.WithRequestContext(req.Context(), rctx))
}

type replayCounter struct{ n int }

func (c *replayCounter) RecordIdempotentReplay() { c.n++ }

func TestIdempotency_replaysStoredResponse(t *testing.T) {
	calls := 0
	counter := &replayCounter{}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, counter)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			WriteJSON(w, http.StatusOK, map[string]int{"call": calls})
		}),
	)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest("user-1", "key-1", `{"expected_version":1}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentRequest("user-1", "key-1", `{"expected_version":1}`))

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replayed response should carry X-Idempotent-Replay")
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Errorf("replayed body = %s, want %s", second.Body.String(), first.Body.String())
	}
	if counter.n != 1 {
		t.Errorf("replays recorded = %d, want 1", counter.n)
	}
}

func TestIdempotency_conflictOnDifferentInput(t *testing.T) {
	calls := 0
	handler := idempotentHandler(t, http.StatusOK, &calls)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("user-1", "key-1", `{"expected_version":1}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("user-1", "key-1", `{"expected_version":2}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestIdempotency_keysScopedPerSubject(t *testing.T) {
	calls := 0
	handler := idempotentHandler(t, http.StatusOK, &calls)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("user-1", "key-1", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("user-2", "key-1", `{}`))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 for distinct subjects", calls)
	}
}

func TestIdempotency_failuresNotCached(t *testing.T) {
	calls := 0
	handler := idempotentHandler(t, http.StatusConflict, &calls)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("user-1", "key-1", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("user-1", "key-1", `{}`))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (error responses are not stored)", calls)
	}
}

func TestIdempotency_keyTooLong(t *testing.T) {
	calls := 0
	handler := idempotentHandler(t, http.StatusOK, &calls)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("user-1", strings.Repeat("k", 129), `{}`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if calls != 0 {
		t.Error("handler should not run for an oversized key")
	}
}

func TestIdempotency_withoutKeyPassesThrough(t *testing.T) {
	calls := 0
	handler := idempotentHandler(t, http.StatusOK, &calls)

	for range 2 {
		req := idempotentRequest("user-1", "", `{}`)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	track := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				next.ServeHTTP(w, r)
			})
		}
	}

	deps := testDeps()
	deps.Engine = newTestEngine()
	deps.Authenticate = func(next http.Handler) http.Handler {
		return track("authenticate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Identity must not be resolved before authentication.
			if model.RequestContextFrom(r.Context()) != nil {
				t.Error("request context built before authentication")
			}
			ctx := WithClaims(r.Context(), map[string]any{"sub": "user-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		}))
	}
	deps.RoleResolver = &mockResolver{
		roles: []string{"Sales"},
		onResolve: func(rctx *model.RequestContext) {
			mu.Lock()
			order = append(order, "roles")
			mu.Unlock()
			if rctx.SubjectID != "user-1" {
				t.Errorf("roles resolved before the request context was built")
			}
		},
	}

	r := NewRouter(deps)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/templates", nil)
	r.ServeHTTP(w, req)

	expected := []string{"authenticate", "roles"}
	if len(order) != len(expected) {
		t.Fatalf("order = %v, want %v", order, expected)
	}
	for i, name := range expected {
		if order[i] != name {
			t.Errorf("order[%d] = %q, want %q", i, order[i], name)
		}
	}
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("global middleware should run ahead of the authenticated group")
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("health should still get X-Correlation-Id")
	}
}

// --- mocks ---

type mockResolver struct {
	roles     []string
	err       error
	calls     int
	onResolve func(*model.RequestContext)
}

func (m *mockResolver) Resolve(rctx *model.RequestContext) ([]string, error) {
	m.calls++
	if m.onResolve != nil {
		m.onResolve(rctx)
	}
	return m.roles, m.err
}

func (m *mockResolver) Invalidate(string) {}
