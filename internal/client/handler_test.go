package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/routetunnel/internal/protocol"
)

func Test_handler_forwards_request(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "made")
	}))
	defer backend.Close()

	h := NewRequestHandler(backend.URL, 5*time.Second)
	resp := h.Handle(context.Background(), &protocol.Frame{
		Type:          protocol.TypeRequest,
		CorrelationID: "abc123",
		Method:        "POST",
		Path:          "/items",
		Query:         map[string][]string{"tag": {"a", "b"}},
		Headers:       map[string]string{"content-type": "text/plain"},
		BodyB64:       protocol.EncodeBody([]byte("payload")),
	})

	if resp.Type != protocol.TypeResponse || resp.CorrelationID != "abc123" {
		t.Fatalf("unexpected response frame: %+v", resp)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status: got %d", resp.StatusCode)
	}
	if got.Method != "POST" || got.URL.Path != "/items" {
		t.Errorf("backend saw %s %s", got.Method, got.URL.Path)
	}
	if q := got.URL.Query()["tag"]; len(q) != 2 {
		t.Errorf("query multiplicity lost: %v", got.URL.Query())
	}
	if string(gotBody) != "payload" {
		t.Errorf("backend body: %q", gotBody)
	}
	if resp.Headers["x-backend"] != "yes" {
		t.Errorf("response headers not lower-cased: %v", resp.Headers)
	}
	body, err := protocol.DecodeBody(resp.BodyB64)
	if err != nil || string(body) != "made" {
		t.Errorf("response body: %q %v", body, err)
	}
}

func Test_handler_backend_down_becomes_502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // deliberately unreachable

	h := NewRequestHandler(backend.URL, time.Second)
	resp := h.Handle(context.Background(), &protocol.Frame{
		Type:          protocol.TypeRequest,
		CorrelationID: "abc123",
		Method:        "GET",
		Path:          "/",
	})

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	if resp.CorrelationID != "abc123" {
		t.Errorf("correlation id lost: %q", resp.CorrelationID)
	}
}

func Test_handler_bad_body_becomes_502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	}))
	defer backend.Close()

	bad := "%%%not-base64%%%"
	h := NewRequestHandler(backend.URL, time.Second)
	resp := h.Handle(context.Background(), &protocol.Frame{
		Type:          protocol.TypeRequest,
		CorrelationID: "abc123",
		Method:        "POST",
		Path:          "/",
		BodyB64:       &bad,
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}
