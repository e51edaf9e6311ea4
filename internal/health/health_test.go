package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var testService = Service{Name: "parley relay", Version: "1.2.3"}

func TestRoot_StatusDocument(t *testing.T) {
	h := New(testService)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	h.Root(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body status
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "online" || body.Service != "parley relay" || body.Version != "1.2.3" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealth_StatusDocument(t *testing.T) {
	h := New(testService, CredentialChecker(""))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body status
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "healthy" || body.Service != "parley relay" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(testService)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New(testService)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(testService,
		CredentialChecker("sk-test"),
		CapacityChecker(func() bool { return true }),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["upstream_credentials"] != "ok" {
		t.Errorf("upstream_credentials check = %q, want %q", body.Checks["upstream_credentials"], "ok")
	}
	if body.Checks["capacity"] != "ok" {
		t.Errorf("capacity check = %q, want %q", body.Checks["capacity"], "ok")
	}
}

func TestReadyz_MissingCredentials(t *testing.T) {
	h := New(testService,
		CredentialChecker(""),
		CapacityChecker(func() bool { return true }),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if want := "fail: no upstream API key configured"; body.Checks["upstream_credentials"] != want {
		t.Errorf("upstream_credentials check = %q, want %q", body.Checks["upstream_credentials"], want)
	}
	if body.Checks["capacity"] != "ok" {
		t.Errorf("capacity check = %q, want %q", body.Checks["capacity"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New(testService)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(testService,
		Checker{Name: "dns", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		CapacityChecker(func() bool { return false }),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["dns"] != "fail: timeout" {
		t.Errorf("dns check = %q", body.Checks["dns"])
	}
	if body.Checks["capacity"] != "fail: session limit reached" {
		t.Errorf("capacity check = %q", body.Checks["capacity"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(testService, CredentialChecker("sk-test"))

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/", http.StatusOK},
		{"/health", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(testService,
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
