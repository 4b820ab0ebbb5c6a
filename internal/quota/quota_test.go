package quota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	// 10 requests per minute
	rl := NewRateLimiter(10)
	var userID int64 = 1

	// Should allow up to 10 requests
	for i := 0; i < 10; i++ {
		if !rl.Allow(userID) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 11th should be denied
	if rl.Allow(userID) {
		t.Error("11th request should be denied")
	}
	if ra := rl.RetryAfter(userID); ra < 1 || ra > 6 {
		t.Errorf("expected retry-after between 1 and 6 seconds, got %d", ra)
	}

	// other users have their own bucket
	if !rl.Allow(2) {
		t.Error("user 2 should not be limited by user 1")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)

	for i := 0; i < 1000; i++ {
		if !rl.Allow(1) {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if rl.RetryAfter(1) != 0 {
		t.Error("unlimited limiter should never ask to retry")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(60) // 1 token per second
	var userID int64 = 1

	for i := 0; i < 60; i++ {
		rl.Allow(userID)
	}

	if rl.Allow(userID) {
		t.Error("should be rate limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if !rl.Allow(userID) {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.Allow(1)
	rl.Allow(2)
	if rl.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.Len())
	}

	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(5 * time.Millisecond)
	if rl.Len() != 0 {
		t.Errorf("expected idle buckets to be removed, %d left", rl.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	userOf := func(ctx context.Context) (int64, bool) {
		id, ok := ctx.Value(ctxKey{}).(int64)
		return id, ok
	}
	h := RateLimitMiddleware(rl, userOf)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(withUser bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
		if withUser {
			req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, int64(5)))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(true); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}
	rec := send(true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := send(false); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous request: expected 204, got %d", rec.Code)
	}
}

type ctxKey struct{}

func TestUploadLimitMiddleware(t *testing.T) {
	var readErr error
	h := UploadLimitMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		if IsTooLarge(readErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	// declared length over the cap is rejected before the handler runs
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	// unknown length is cut off while reading
	req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for streamed body, got %d (%v)", rec.Code, readErr)
	}

	if IsTooLarge(fmt.Errorf("other")) {
		t.Error("plain errors are not size errors")
	}
}
