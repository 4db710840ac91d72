package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/routetunnel/internal/protocol"
)

// RequestHandler executes tunnelled request frames against the local backend.
type RequestHandler struct {
	targetURL string
	client    *http.Client
}

// NewRequestHandler creates a handler targeting the given backend url.
func NewRequestHandler(targetURL string, timeout time.Duration) *RequestHandler {
	return &RequestHandler{
		targetURL: strings.TrimRight(targetURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

// Handle runs one request frame against the backend and builds the response
// frame. backend failures become a 502 response frame rather than an error,
// so the server side always gets its correlated answer.
func (h *RequestHandler) Handle(ctx context.Context, frame *protocol.Frame) *protocol.Frame {
	resp, err := h._execute(ctx, frame)
	if err != nil {
		slog.Warn("backend request failed", "path", frame.Path, "err", err)
		return _error_response(frame.CorrelationID, http.StatusBadGateway, err.Error())
	}
	return resp
}

// _execute performs the backend round trip.
func (h *RequestHandler) _execute(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	body, err := protocol.DecodeBody(frame.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}

	target := h.targetURL + frame.Path
	if len(frame.Query) > 0 {
		target += "?" + url.Values(frame.Query).Encode()
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, frame.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating backend request: %w", err)
	}
	for name, value := range frame.Headers {
		req.Header.Set(name, value)
	}
	req.Host = req.URL.Host

	slog.Debug("forwarding request to backend", "method", frame.Method, "url", target)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing backend request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}

	return &protocol.Frame{
		Type:          protocol.TypeResponse,
		CorrelationID: frame.CorrelationID,
		StatusCode:    resp.StatusCode,
		Headers:       headers,
		BodyB64:       protocol.EncodeBody(respBody),
	}, nil
}

// _error_response builds a plain-text error response frame.
func _error_response(cid string, status int, message string) *protocol.Frame {
	return &protocol.Frame{
		Type:          protocol.TypeResponse,
		CorrelationID: cid,
		StatusCode:    status,
		Headers:       map[string]string{"content-type": "text/plain"},
		BodyB64:       protocol.EncodeBody([]byte(message)),
	}
}
