package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["templates"].Status != "ok" {
		t.Errorf("templates = %q, want ok", resp.Checks["templates"].Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %d, want 1 without optional checkers", len(resp.Checks))
	}
}

func TestHandleReady_templatesNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["templates"].Error == "" {
		t.Error("templates error should have a message")
	}
}

func TestHandleReady_nilTemplatesCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() bool { return true },
		WorkflowStore:    &mockHealthChecker{},
		IdempotencyStore: &mockHealthChecker{},
		EvidenceStore:    &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	for _, name := range []string{"templates", "workflow_store", "idempotency_store", "evidence_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		failed string
		errMsg string
	}{
		{
			name:   "workflow store",
			checks: ReadinessChecks{WorkflowStore: &mockHealthChecker{err: errors.New("connection refused")}},
			failed: "workflow_store",
			errMsg: "connection refused",
		},
		{
			name:   "idempotency store",
			checks: ReadinessChecks{IdempotencyStore: &mockHealthChecker{err: errors.New("redis timeout")}},
			failed: "idempotency_store",
			errMsg: "redis timeout",
		},
		{
			name:   "evidence store",
			checks: ReadinessChecks{EvidenceStore: &mockHealthChecker{err: errors.New("bucket missing")}},
			failed: "evidence_store",
			errMsg: "bucket missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.TemplatesLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)

			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			got := resp.Checks[tt.failed]
			if got.Status != "error" || got.Error != tt.errMsg {
				t.Errorf("%s = %+v, want error %q", tt.failed, got, tt.errMsg)
			}
			if resp.Checks["templates"].Status != "ok" {
				t.Error("templates check should still pass")
			}
		})
	}
}

func TestHandleReady_checkHonoursTimeout(t *testing.T) {
	slow := checkerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx)
	HandleReady(ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
		WorkflowStore:   slow,
	}).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }
