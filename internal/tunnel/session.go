package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/routetunnel/internal/protocol"
)

// Conn is the connection handle a session writes frames on. the websocket
// codec satisfies it on the server; tests substitute in-memory fakes.
// implementations must serialise concurrent writes internally.
type Conn interface {
	WriteFrame(f *protocol.Frame) error
	Close() error
}

// Session binds one route to at most one attached connection and owns the
// correlation table for requests in flight on that connection.
type Session struct {
	route       string
	token       string
	description string
	createdAt   time.Time

	mu        sync.Mutex
	conn      Conn
	connected bool
	lastSeen  time.Time

	pending *pendingTable
}

// Info is a point-in-time snapshot of a session's observable state.
type Info struct {
	Route       string
	Description string
	Connected   bool
	CreatedAt   time.Time
	LastSeen    time.Time // zero when no frame was ever received
}

func newSession(route, token, description string, createdAt time.Time) *Session {
	return &Session{
		route:       route,
		token:       token,
		description: description,
		createdAt:   createdAt,
		pending:     newPendingTable(),
	}
}

// Route returns the session's route identifier.
func (s *Session) Route() string { return s.route }

// Token returns the tunnel token bound to this session's route.
func (s *Session) Token() string { return s.token }

// Info snapshots the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Route:       s.route,
		Description: s.description,
		Connected:   s.connected,
		CreatedAt:   s.createdAt,
		LastSeen:    s.lastSeen,
	}
}

// Attach binds conn to the session. an already-attached session is
// superseded: the previous connection is closed and its pending requests
// failed with ErrSuperseded before conn takes its place, so a reconnecting
// client is never locked out by a stale connection.
func (s *Session) Attach(conn Conn) {
	s.mu.Lock()
	prev := s.conn
	if prev != nil {
		prev.Close()
		s.pending.drain(ErrSuperseded)
	}
	s.conn = conn
	s.connected = true
	s._touch_locked(time.Now())
	s.mu.Unlock()
}

// Detach unbinds conn if it is still the session's current connection,
// closing it and failing its pending requests with reason. calls naming a
// stale or foreign connection are no-ops, which makes detach idempotent.
func (s *Session) Detach(conn Conn, reason error) {
	s.mu.Lock()
	if s.conn != conn || conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	s._touch_locked(time.Now())
	s.mu.Unlock()

	conn.Close()
	if reason == nil {
		reason = ErrDisconnected
	}
	s.pending.drain(reason)
}

// Close tears the session down regardless of which connection is attached.
// pending requests fail with reason (ErrDisconnected when nil).
func (s *Session) Close(reason error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if reason == nil {
		reason = ErrDisconnected
	}
	s.pending.drain(reason)
}

// SendRequest allocates a correlation id for frame, registers a pending sink
// with deadline now+timeout, writes the frame, and awaits the correlated
// response. it fails with ErrNotConnected when detached, ErrTransport when
// the write fails, ErrTimeout on deadline, and ErrDisconnected or
// ErrSuperseded when the sink is voided underneath it. cancelling ctx frees
// the pending slot promptly; a late response for the slot is dropped.
func (s *Session) SendRequest(ctx context.Context, frame *protocol.Frame, timeout time.Duration) (*protocol.Frame, error) {
	cid := protocol.NewCorrelationID()
	frame.Type = protocol.TypeRequest
	frame.CorrelationID = cid

	s.mu.Lock()
	if !s.connected || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := s.conn
	entry, err := s.pending.insert(cid, time.Now().Add(timeout))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := conn.WriteFrame(frame); err != nil {
		s.pending.remove(cid)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-entry.ch:
		return out.frame, out.err
	case <-timer.C:
		// fail the slot; if a response raced us the sink already holds it
		// and the receive below returns that instead.
		s.pending.fail(cid, ErrTimeout)
		out := <-entry.ch
		return out.frame, out.err
	case <-ctx.Done():
		s.pending.remove(cid)
		return nil, ctx.Err()
	}
}

// SendPing writes a liveness probe on the attached connection. a write
// failure detaches the connection with ErrTransport. returns nil when the
// session is already detached.
func (s *Session) SendPing(ts float64) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.WriteFrame(protocol.PingFrame(ts)); err != nil {
		s.Detach(conn, ErrTransport)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// OnFrame consumes one inbound frame from conn. frames from a connection
// that is no longer attached are ignored. response frames resolve their
// pending sink; every accepted frame advances last_seen. unknown frame
// types are ignored for forward compatibility.
func (s *Session) OnFrame(conn Conn, frame *protocol.Frame) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s._touch_locked(time.Now())
	s.mu.Unlock()

	switch frame.Type {
	case protocol.TypeResponse:
		if frame.CorrelationID != "" {
			s.pending.complete(frame.CorrelationID, frame)
		}
	case protocol.TypePong:
		// last_seen already advanced above
	}
}

// HasConn reports whether conn is the session's current connection.
func (s *Session) HasConn(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

// ExpirePending fails every pending request whose deadline has passed.
func (s *Session) ExpirePending(now time.Time) int {
	return s.pending.expireDue(now)
}

// PendingCount reports the number of requests in flight.
func (s *Session) PendingCount() int {
	return s.pending.size()
}

// _touch_locked advances last_seen monotonically. callers hold s.mu.
func (s *Session) _touch_locked(now time.Time) {
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}
