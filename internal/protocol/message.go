package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// frame types for the tunnel wire protocol.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// ErrMalformedFrame marks an inbound frame that could not be decoded.
// such frames are ignored by receive loops rather than killing the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single tunnel message. frames travel as websocket text messages
// carrying one JSON object; the populated fields depend on Type.
type Frame struct {
	Type          string              `json:"type"`
	TS            float64             `json:"ts,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Method        string              `json:"method,omitempty"`
	Path          string              `json:"path,omitempty"`
	Query         map[string][]string `json:"query,omitempty"`
	Headers       map[string]string   `json:"headers,omitempty"`
	StatusCode    int                 `json:"status_code,omitempty"`
	BodyB64       *string             `json:"body_b64,omitempty"`
}

// MarshalFrame serialises a frame into its JSON wire form.
func MarshalFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame: %w", err)
	}
	return data, nil
}

// UnmarshalFrame deserialises JSON bytes into a frame. non-JSON payloads and
// objects without a type field yield ErrMalformedFrame.
func UnmarshalFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	return f, nil
}

// PingFrame builds a liveness probe stamped with the given wall time.
func PingFrame(ts float64) *Frame {
	return &Frame{Type: TypePing, TS: ts}
}

// PongFrame builds the reply to a liveness probe.
func PongFrame(ts float64) *Frame {
	return &Frame{Type: TypePong, TS: ts}
}

// EncodeBody renders a request or response body for the wire.
// empty bodies are carried as an absent body_b64 field.
func EncodeBody(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(body)
	return &s
}

// DecodeBody restores body bytes from their wire form. strict standard
// base64 with padding; an absent field means an empty body.
func DecodeBody(b64 *string) ([]byte, error) {
	if b64 == nil || *b64 == "" {
		return nil, nil
	}
	body, err := base64.StdEncoding.DecodeString(*b64)
	if err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return body, nil
}

// NewCorrelationID mints a random 128-bit identifier in lowercase hex.
func NewCorrelationID() string {
	return _random_hex(16)
}

// NewToken mints a random 128-bit tunnel token in lowercase hex.
func NewToken() string {
	return _random_hex(16)
}

// UnixSeconds renders a wall time as float seconds for ping/pong frames.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// _random_hex returns n random bytes as lowercase hex.
func _random_hex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
