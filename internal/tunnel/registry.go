package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/routetunnel/internal/protocol"
)

// routePattern is the shape of a valid route identifier.
var routePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// ValidRoute reports whether route is an acceptable route identifier.
func ValidRoute(route string) bool {
	return routePattern.MatchString(route)
}

// TokenStore is the persistent token index the registry consults on attach.
// the registry treats it as read-mostly: lookups and a last-connected stamp.
type TokenStore interface {
	// LookupActiveToken resolves a token to its route. ok is false for
	// unknown or inactive tokens.
	LookupActiveToken(ctx context.Context, token string) (route string, ok bool, err error)

	// UpdateLastConnected stamps the route's record with the current time.
	UpdateLastConnected(ctx context.Context, route string) error
}

// Registry owns the route and token indices and binds routes to live
// sessions. the registry lock guards only the two maps; no I/O happens
// under it.
type Registry struct {
	mu      sync.Mutex
	byRoute map[string]*Session
	byToken map[string]string

	store        TokenStore // optional
	pingInterval time.Duration
}

// NewRegistry creates an empty registry. store may be nil, in which case
// attach validates tokens against the in-memory index alone.
func NewRegistry(store TokenStore, pingInterval time.Duration) *Registry {
	return &Registry{
		byRoute:      make(map[string]*Session),
		byToken:      make(map[string]string),
		store:        store,
		pingInterval: pingInterval,
	}
}

// CreateRoute reserves route, mints its token, and registers a detached
// session. exactly one of two racing creators for the same route succeeds.
func (r *Registry) CreateRoute(route, description string) (*Session, error) {
	if !ValidRoute(route) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoute, route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRoute[route]; ok {
		return nil, ErrRouteExists
	}
	s := newSession(route, protocol.NewToken(), description, time.Now())
	r.byRoute[route] = s
	r.byToken[s.token] = route
	return s, nil
}

// RestoreRoute re-registers a persisted route as a detached session, for
// example after a server restart. existing routes are left untouched.
func (r *Registry) RestoreRoute(route, token, description string, createdAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRoute[route]; ok {
		return
	}
	r.byRoute[route] = newSession(route, token, description, createdAt)
	r.byToken[token] = route
}

// GetSession returns the session for route, or nil.
func (r *Registry) GetSession(route string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byRoute[route]
}

// ListSessions snapshots all registered sessions.
func (r *Registry) ListSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.byRoute))
	for _, s := range r.byRoute {
		sessions = append(sessions, s)
	}
	return sessions
}

// DeleteRoute removes route from both indices and destroys its session,
// closing the connection if attached and failing pending requests with
// ErrDisconnected. returns whether the route was present. concurrent
// ingress callers observe either the dying session (and fail with
// ErrDisconnected) or ErrNotConnected; they never hang.
func (r *Registry) DeleteRoute(route string) bool {
	r.mu.Lock()
	s, ok := r.byRoute[route]
	if ok {
		delete(r.byRoute, route)
		delete(r.byToken, s.token)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close(ErrDisconnected)
	slog.Info("route deleted", "route", route)
	return true
}

// Attach validates token and binds conn to its session. with a store
// configured the token must also be known and active there, and the route's
// last_connected_at is stamped on success. an attach to an already-attached
// session supersedes the previous connection.
func (r *Registry) Attach(ctx context.Context, token string, conn Conn) (*Session, error) {
	if r.store != nil {
		_, ok, err := r.store.LookupActiveToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("validating token: %w", err)
		}
		if !ok {
			return nil, ErrInvalidToken
		}
	}

	r.mu.Lock()
	route, ok := r.byToken[token]
	if !ok {
		r.mu.Unlock()
		return nil, ErrInvalidToken
	}
	s, ok := r.byRoute[route]
	r.mu.Unlock()
	if !ok {
		return nil, ErrRouteGone
	}

	s.Attach(conn)

	if r.store != nil {
		if err := r.store.UpdateLastConnected(ctx, route); err != nil {
			slog.Warn("updating last_connected_at failed", "route", route, "err", err)
		}
	}

	slog.Info("tunnel attached", "route", route)
	return s, nil
}

// Detach unbinds conn from whichever session holds it, failing that
// session's pending requests with ErrDisconnected. idempotent; unknown
// connections are ignored.
func (r *Registry) Detach(conn Conn) {
	if s := r._session_for(conn); s != nil {
		s.Detach(conn, ErrDisconnected)
		slog.Info("tunnel detached", "route", s.Route())
	}
}

// SendIngress forwards a request frame through route's session and awaits
// the correlated response. the session is snapshotted under the registry
// lock; the await happens without it.
func (r *Registry) SendIngress(ctx context.Context, route string, frame *protocol.Frame, timeout time.Duration) (*protocol.Frame, error) {
	r.mu.Lock()
	s := r.byRoute[route]
	r.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.SendRequest(ctx, frame, timeout)
}

// DispatchClientFrame routes one inbound frame to the session owning conn.
// frames from connections no longer attached anywhere are dropped.
func (r *Registry) DispatchClientFrame(conn Conn, frame *protocol.Frame) {
	if s := r._session_for(conn); s != nil {
		s.OnFrame(conn, frame)
	}
}

// PingConnected sends a liveness probe to every attached session and sweeps
// expired pending requests. a failed send closes that connection and
// detaches the session with ErrTransport.
func (r *Registry) PingConnected() {
	now := time.Now()
	ts := protocol.UnixSeconds(now)
	for _, s := range r.ListSessions() {
		if err := s.SendPing(ts); err != nil {
			slog.Warn("ping failed, detaching", "route", s.Route(), "err", err)
		}
		s.ExpirePending(now)
	}
}

// Run drives the ping ticker until ctx is cancelled, then shuts the
// registry down.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.PingConnected()
		case <-ctx.Done():
			r.Shutdown()
			return
		}
	}
}

// Shutdown closes every connection and fails every pending request with
// ErrDisconnected. sessions stay registered; only live state is torn down.
func (r *Registry) Shutdown() {
	for _, s := range r.ListSessions() {
		s.Close(ErrDisconnected)
	}
	slog.Info("registry shut down")
}

// _session_for finds the session currently holding conn, or nil.
func (r *Registry) _session_for(conn Conn) *Session {
	for _, s := range r.ListSessions() {
		if s.HasConn(conn) {
			return s
		}
	}
	return nil
}
