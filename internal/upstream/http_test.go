package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avolkov/citytemp/internal/models"
)

// TestHTTPSource_Fetch verifies snapshot decoding and request headers.
func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/temperatures" {
			t.Errorf("path = %s, want /temperatures", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("missing API key header")
		}
		if r.Header.Get("X-Correlation-ID") == "" {
			t.Errorf("missing correlation ID header")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Berlin": 29, "Paris": 31.5}`)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, "secret", time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	snapshot, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(snapshot) != 2 || snapshot["Berlin"] != 29 || snapshot["Paris"] != 31.5 {
		t.Errorf("Fetch() = %v, want Berlin=29 Paris=31.5", snapshot)
	}
}

// TestHTTPSource_Fetch_ErrorClassification verifies the error taxonomy
// mapping from HTTP status codes.
func TestHTTPSource_Fetch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: ErrPermanent},
		{name: "forbidden", status: http.StatusForbidden, wantErr: ErrPermanent},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: ErrRateLimited},
		{name: "server error", status: http.StatusInternalServerError, wantErr: ErrUpstream},
		{name: "bad gateway", status: http.StatusBadGateway, wantErr: ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			src, err := NewHTTPSource(srv.URL, "", time.Second, nil)
			if err != nil {
				t.Fatalf("NewHTTPSource() error = %v", err)
			}
			_, err = src.Fetch(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestHTTPSource_Fetch_BreakerOpens verifies that consecutive failures
// open the circuit and further calls fail fast as transient errors.
func TestHTTPSource_Fetch_BreakerOpens(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, "", time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := src.Fetch(context.Background()); err == nil {
			t.Fatal("Fetch() succeeded against failing upstream")
		}
	}
	if hits >= 10 {
		t.Errorf("upstream hit %d times, want breaker to cut off calls", hits)
	}
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Errorf("Fetch() with open breaker = %v, want transient upstream error", err)
	}
}

// TestHTTPSource_Subscribe verifies SSE framing: data lines decode to
// facts, comments and unknown fields are skipped, undecodable payloads
// are dropped, and server close terminates the session cleanly.
func TestHTTPSource_Subscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			t.Errorf("path = %s, want /stream", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"city\":\"London\",\"temperature\":27}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "event: update\n")
		fmt.Fprint(w, "data: {\"city\":\"Riga\",\"temperature\":19}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, "", time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	sub, err := src.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	var facts []models.Fact
	for fact := range sub.Events() {
		facts = append(facts, fact)
	}
	<-sub.Done()
	if err := sub.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for clean close", err)
	}
	want := []models.Fact{
		{City: "London", Temperature: 27},
		{City: "Riga", Temperature: 19},
	}
	if len(facts) != len(want) {
		t.Fatalf("received %d facts, want %d: %v", len(facts), len(want), facts)
	}
	for i := range want {
		if facts[i] != want[i] {
			t.Errorf("fact[%d] = %v, want %v", i, facts[i], want[i])
		}
	}
}

// TestHTTPSource_Subscribe_AuthFailure verifies that an auth rejection on
// the stream endpoint is classified permanent.
func TestHTTPSource_Subscribe_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, "bad", time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	if _, err := src.Subscribe(context.Background()); !errors.Is(err, ErrPermanent) {
		t.Errorf("Subscribe() error = %v, want permanent", err)
	}
}

// TestHTTPSource_Subscribe_Cancel verifies cooperative teardown via Close.
func TestHTTPSource_Subscribe_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"city\":\"Paris\",\"temperature\":32}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, "", time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	sub, err := src.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fact := <-sub.Events()
	if fact.City != "Paris" {
		t.Errorf("fact = %v, want Paris", fact)
	}
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not terminate after Close")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for caller-initiated close", err)
	}
}

// TestHTTPSource_RequiresBaseURL verifies constructor validation.
func TestHTTPSource_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPSource("  ", "", time.Second, nil); err == nil {
		t.Error("NewHTTPSource() accepted empty base URL")
	}
}
