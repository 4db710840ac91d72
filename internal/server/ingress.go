package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/routetunnel/internal/protocol"
	"github.com/routetunnel/internal/tunnel"
)

// _hop_headers describe the edge hop rather than the origin request; they
// never cross the tunnel in either direction.
var _hop_headers = map[string]bool{
	"host":                true,
	"connection":          true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
}

// handleIngress forwards one public HTTP request through the route's tunnel
// and renders the correlated response. forwarded requests may be
// non-idempotent, so there is no retry on any failure.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")

	frame, err := _build_request_frame(r)
	if err != nil {
		slog.Error("building request frame failed", "route", route, "err", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	resp, err := s.registry.SendIngress(r.Context(), route, frame, s.cfg.TunnelTimeout)
	if err != nil {
		_write_ingress_error(w, route, err)
		return
	}
	_write_tunnel_response(w, route, resp)
}

// _build_request_frame translates an inbound HTTP request into a tunnel
// request frame. the correlation id is assigned downstream and never
// trusted from the caller.
func _build_request_frame(r *http.Request) (*protocol.Frame, error) {
	rest := r.PathValue("rest")
	path := "/"
	if rest != "" {
		path = "/" + rest
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if _hop_headers[lower] {
			continue
		}
		headers[lower] = strings.Join(values, ", ")
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		r.Body.Close()
	}

	return &protocol.Frame{
		Type:    protocol.TypeRequest,
		Method:  r.Method,
		Path:    path,
		Query:   r.URL.Query(),
		Headers: headers,
		BodyB64: protocol.EncodeBody(body),
	}, nil
}

// _write_tunnel_response renders a tunnel response frame as the public HTTP
// response. headers pass through with the exact casing the tunnel client
// emitted, minus hop-by-hop fields; content-length is recomputed locally.
func _write_tunnel_response(w http.ResponseWriter, route string, resp *protocol.Frame) {
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		slog.Warn("malformed tunnel response status", "route", route, "status", resp.StatusCode)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	body, err := protocol.DecodeBody(resp.BodyB64)
	if err != nil {
		slog.Warn("malformed tunnel response body", "route", route, "err", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	h := w.Header()
	for name, value := range resp.Headers {
		lower := strings.ToLower(name)
		if _hop_headers[lower] || lower == "content-length" {
			continue
		}
		// direct map assignment to keep the client's header casing intact
		h[name] = append(h[name], value)
	}
	w.WriteHeader(resp.StatusCode)
	if len(body) > 0 {
		w.Write(body)
	}
}

// _write_ingress_error maps tunnel errors onto gateway statuses.
func _write_ingress_error(w http.ResponseWriter, route string, err error) {
	switch {
	case errors.Is(err, tunnel.ErrNotConnected):
		slog.Info("ingress to unconnected route", "route", route)
		http.Error(w, "Tunnel not connected", http.StatusBadGateway)
	case errors.Is(err, tunnel.ErrTimeout):
		slog.Warn("ingress timed out", "route", route)
		http.Error(w, "Tunnel timeout", http.StatusGatewayTimeout)
	case errors.Is(err, tunnel.ErrDisconnected), errors.Is(err, tunnel.ErrSuperseded),
		errors.Is(err, tunnel.ErrTransport):
		slog.Warn("ingress failed mid-flight", "route", route, "err", err)
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// public caller went away; nothing left to write to
		slog.Debug("ingress cancelled by caller", "route", route)
	default:
		slog.Error("ingress failed", "route", route, "err", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}
}
