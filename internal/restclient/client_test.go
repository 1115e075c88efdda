package restclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoJSONRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.Header.Get("X-Api-Token") != "secret" {
			t.Fatalf("expected static header to be forwarded, got %q", r.Header.Get("X-Api-Token"))
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Fatalf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	client := New(Options{
		BaseURL:    server.URL,
		Headers:    map[string]string{"X-Api-Token": "secret"},
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
	})
	var out struct {
		Value string `json:"value"`
	}
	if err := client.DoJSON(context.Background(), http.MethodGet, "/records", nil, nil, &out); err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if out.Value != "ok" {
		t.Fatalf("expected value ok, got %q", out.Value)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestDoJSONDoesNotRetryClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":422,"error_code":"email_exists","msg":"A user with this email address has already been registered"}`))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client(), BaseDelay: time.Millisecond})
	err := client.DoJSON(context.Background(), http.MethodPost, "/admin/users", nil, map[string]string{"email": "a@x.com"}, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", httpErr.StatusCode)
	}
	if httpErr.Code != "email_exists" {
		t.Fatalf("expected error_code to win over numeric code, got %q", httpErr.Code)
	}
	if httpErr.Message != "A user with this email address has already been registered" {
		t.Fatalf("unexpected message %q", httpErr.Message)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retries for 4xx, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestDoJSONMapsConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"duplicate"}`))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	err := client.DoJSON(context.Background(), http.MethodPost, "/admin/users", nil, map[string]string{}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDoJSONStopsRetryingWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.DoJSON(ctx, http.MethodGet, "/records", nil, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRetryDelayBackoffIsCapped(t *testing.T) {
	client := New(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
	if got := client.retryDelay(2, ""); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms, got %s", got)
	}
	if got := client.retryDelay(5, ""); got != 300*time.Millisecond {
		t.Fatalf("expected cap 300ms, got %s", got)
	}
	if got := client.retryDelay(1, "10"); got != 300*time.Millisecond {
		t.Fatalf("expected Retry-After to be capped at 300ms, got %s", got)
	}
}
