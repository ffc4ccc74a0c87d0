package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestQuery_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Text == "" {
			t.Error("empty query text")
		}
		_ = json.NewEncoder(w).Encode(queryResponse{Response: "sharper, more detailed"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	got, err := c.Query(context.Background(), "improve this prompt", "blurry output")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != "sharper, more detailed" {
		t.Errorf("response = %q", got)
	}
}

func TestQuery_UnreachableDegrades(t *testing.T) {
	c := New("http://127.0.0.1:1", 100*time.Millisecond, nil)
	_, err := c.Query(context.Background(), "anything", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestQuery_DisabledClient(t *testing.T) {
	c := New("", time.Second, nil)
	_, err := c.Query(context.Background(), "anything", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestQuery_EmptyResponseIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(queryResponse{Response: "   "})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	if _, err := c.Query(context.Background(), "x", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestNotify_NeverPanicsOrFails(t *testing.T) {
	c := New("http://127.0.0.1:1", 50*time.Millisecond, nil)
	c.Notify(context.Background(), "report text", "gate learning signal")
}
