package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowEnforcesConcurrencyCap(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000, 1000, 1000, 2)

	if !rl.Allow("1.1.1.1") {
		t.Fatalf("first request rejected")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatalf("second request rejected")
	}
	if rl.Allow("3.3.3.3") {
		t.Fatalf("third concurrent request allowed past cap of 2")
	}

	rl.Done()
	if !rl.Allow("3.3.3.3") {
		t.Fatalf("request rejected after a slot freed up")
	}
}

func TestAllowPerIPRate(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000, 1, 1, 100)

	if !rl.Allow("10.0.0.1") {
		t.Fatalf("first request from IP rejected")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatalf("second immediate request from same IP allowed past burst 1")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatalf("other IP throttled by the first IP's burst")
	}
}

func TestMiddlewareRejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000, 1000, 1000, 0)

	called := false
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if called {
		t.Fatalf("handler must not run when limiter rejects")
	}
}

func TestMiddlewarePassesThroughAndReleases(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000, 1000, 1000, 1)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (slot must be released)", i, rec.Code)
		}
	}
}
