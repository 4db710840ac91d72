package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing tunnel frames over a websocket connection.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame as a websocket text message.
// concurrent writers serialise on the codec's write mutex, so frames appear
// on the wire in the order they were handed over.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and deserialises the next frame. transport failures are
// returned as-is; payloads that do not decode yield ErrMalformedFrame so the
// caller can skip them and keep reading.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrMalformedFrame, msgType)
	}
	return UnmarshalFrame(data)
}

// WriteClose sends a websocket close frame with the given code and reason.
func (c *Codec) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteMessage(websocket.CloseMessage, msg)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
