package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/routetunnel/internal/protocol"
	"github.com/routetunnel/internal/store"
	"github.com/routetunnel/internal/tunnel"
)

// scriptedConn is a tunnel.Conn whose responses are produced by a callback,
// dispatched back through the registry the way a websocket receive loop would.
type scriptedConn struct {
	reg     *tunnel.Registry
	respond func(req *protocol.Frame) *protocol.Frame

	mu       sync.Mutex
	requests []*protocol.Frame
	closed   bool
}

func (c *scriptedConn) WriteFrame(f *protocol.Frame) error {
	if f.Type != protocol.TypeRequest {
		return nil
	}
	c.mu.Lock()
	c.requests = append(c.requests, f)
	c.mu.Unlock()
	if c.respond != nil {
		resp := c.respond(f)
		go c.reg.DispatchClientFrame(c, resp)
	}
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func _new_test_server(t *testing.T, timeout time.Duration) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tunnels.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &Config{
		APIBaseURL:    "http://localhost:8000",
		WSBaseURL:     "ws://localhost:8000",
		TunnelTimeout: timeout,
		PingInterval:  time.Minute,
		SecretKey:     "test-secret",
	}
	return New(cfg, tunnel.NewRegistry(nil, time.Minute), st)
}

// _attach_scripted creates route svc and attaches a scripted connection.
func _attach_scripted(t *testing.T, s *Server, route string, respond func(req *protocol.Frame) *protocol.Frame) *scriptedConn {
	t.Helper()
	sess, err := s.registry.CreateRoute(route, "")
	if err != nil {
		t.Fatalf("creating route: %v", err)
	}
	conn := &scriptedConn{reg: s.registry, respond: respond}
	sess.Attach(conn)
	return conn
}

// _echo_request_json responds 200 with the received request frame as JSON,
// so tests can assert on exactly what crossed the tunnel.
func _echo_request_json(req *protocol.Frame) *protocol.Frame {
	data, _ := json.Marshal(req)
	return &protocol.Frame{
		Type:          protocol.TypeResponse,
		CorrelationID: req.CorrelationID,
		StatusCode:    200,
		Headers:       map[string]string{"content-type": "application/json"},
		BodyB64:       protocol.EncodeBody(data),
	}
}

func Test_ingress_translates_request(t *testing.T) {
	s := _new_test_server(t, time.Second)
	_attach_scripted(t, s, "svc", _echo_request_json)

	r := httptest.NewRequest(http.MethodGet, "/r/svc/hello/deep?x=1&a=1&a=2", nil)
	r.Header.Set("Accept", "text/plain")
	r.Header.Add("X-Multi", "one")
	r.Header.Add("X-Multi", "two")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("Proxy-Authorization", "Basic abc")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var seen protocol.Frame
	if err := json.Unmarshal(w.Body.Bytes(), &seen); err != nil {
		t.Fatalf("decoding echoed request: %v", err)
	}

	if seen.Method != "GET" {
		t.Errorf("method: got %q", seen.Method)
	}
	if seen.Path != "/hello/deep" {
		t.Errorf("path: got %q, want /hello/deep", seen.Path)
	}
	if len(seen.CorrelationID) != 32 {
		t.Errorf("correlation id not minted: %q", seen.CorrelationID)
	}
	if got := seen.Query["a"]; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("query multiplicity lost: %v", seen.Query)
	}
	if seen.Headers["accept"] != "text/plain" {
		t.Errorf("headers not lower-cased: %v", seen.Headers)
	}
	if seen.Headers["x-multi"] != "one, two" {
		t.Errorf("repeated headers not joined: %v", seen.Headers)
	}
	for _, hop := range []string{"connection", "proxy-authorization", "host"} {
		if _, ok := seen.Headers[hop]; ok {
			t.Errorf("hop-by-hop header %q crossed the tunnel", hop)
		}
	}
	if seen.BodyB64 != nil {
		t.Errorf("empty body should be absent, got %q", *seen.BodyB64)
	}
}

func Test_ingress_root_path(t *testing.T) {
	s := _new_test_server(t, time.Second)
	_attach_scripted(t, s, "svc", _echo_request_json)

	for _, target := range []string{"/r/svc", "/r/svc/"} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, r)

		var seen protocol.Frame
		if err := json.Unmarshal(w.Body.Bytes(), &seen); err != nil {
			t.Fatalf("%s: decoding echoed request: %v", target, err)
		}
		if seen.Path != "/" {
			t.Errorf("%s: path %q, want /", target, seen.Path)
		}
	}
}

func Test_ingress_body_round_trip(t *testing.T) {
	s := _new_test_server(t, time.Second)
	// echo the request body back as the response body
	_attach_scripted(t, s, "bin", func(req *protocol.Frame) *protocol.Frame {
		return &protocol.Frame{
			Type:          protocol.TypeResponse,
			CorrelationID: req.CorrelationID,
			StatusCode:    200,
			Headers:       map[string]string{"content-type": "application/octet-stream"},
			BodyB64:       req.BodyB64,
		}
	})

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	r := httptest.NewRequest(http.MethodPost, "/r/bin/", bytes.NewReader(payload))
	r.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Errorf("body not byte-exact: got %d bytes", w.Body.Len())
	}
}

func Test_ingress_preserves_response_header_case(t *testing.T) {
	s := _new_test_server(t, time.Second)
	_attach_scripted(t, s, "svc", func(req *protocol.Frame) *protocol.Frame {
		return &protocol.Frame{
			Type:          protocol.TypeResponse,
			CorrelationID: req.CorrelationID,
			StatusCode:    200,
			Headers: map[string]string{
				"x-weird-CASE": "kept",
				"connection":   "close", // hop-by-hop, must be dropped
			},
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/r/svc/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if got := w.Header()["x-weird-CASE"]; len(got) != 1 || got[0] != "kept" {
		t.Errorf("header casing not preserved: %v", w.Header())
	}
	if _, ok := w.Header()["connection"]; ok {
		t.Error("hop-by-hop response header not stripped")
	}
}

func Test_ingress_not_connected(t *testing.T) {
	s := _new_test_server(t, time.Second)
	if _, err := s.registry.CreateRoute("ghost", ""); err != nil {
		t.Fatalf("creating route: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/r/ghost/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "Tunnel not connected" {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
}

func Test_ingress_timeout(t *testing.T) {
	s := _new_test_server(t, 50*time.Millisecond)
	_attach_scripted(t, s, "slow", nil) // never responds

	start := time.Now()
	r := httptest.NewRequest(http.MethodGet, "/r/slow/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "Tunnel timeout" {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
	sess := s.registry.GetSession("slow")
	deadline := time.Now().Add(100 * time.Millisecond)
	for sess.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending table not emptied after timeout: %d", sess.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func Test_ingress_malformed_status(t *testing.T) {
	s := _new_test_server(t, time.Second)
	_attach_scripted(t, s, "svc", func(req *protocol.Frame) *protocol.Frame {
		return &protocol.Frame{
			Type:          protocol.TypeResponse,
			CorrelationID: req.CorrelationID,
			StatusCode:    0,
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/r/svc/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for malformed status, got %d", w.Code)
	}
}

func Test_ingress_malformed_body(t *testing.T) {
	s := _new_test_server(t, time.Second)
	bad := "%%%not-base64%%%"
	_attach_scripted(t, s, "svc", func(req *protocol.Frame) *protocol.Frame {
		return &protocol.Frame{
			Type:          protocol.TypeResponse,
			CorrelationID: req.CorrelationID,
			StatusCode:    200,
			BodyB64:       &bad,
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/r/svc/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for undecodable body, got %d", w.Code)
	}
}
