package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/routetunnel/internal/protocol"
	"github.com/routetunnel/internal/store"
	"github.com/routetunnel/internal/tunnel"
)

// CreateTunnelRequest is the body of POST /api/tunnels.
type CreateTunnelRequest struct {
	Route       string `json:"route"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"is_public,omitempty"`
}

// CreateTunnelResponse is returned on successful tunnel creation.
type CreateTunnelResponse struct {
	Route     string `json:"route"`
	Token     string `json:"token"`
	PublicURL string `json:"public_url"`
	WSURL     string `json:"ws_url"`
}

// TunnelInfo is one tunnel in a listing: the persisted record merged with
// live registry state where a session exists.
type TunnelInfo struct {
	Route       string   `json:"route"`
	Connected   bool     `json:"connected"`
	CreatedAt   float64  `json:"created_at"`
	LastSeen    *float64 `json:"last_seen,omitempty"`
	Description string   `json:"description,omitempty"`
	IsPublic    bool     `json:"is_public"`
}

// ListTunnelsResponse is the body of the tunnel listing endpoints.
type ListTunnelsResponse struct {
	Tunnels []TunnelInfo `json:"tunnels"`
}

// DeleteTunnelResponse is the body of DELETE /api/tunnels/{route}.
type DeleteTunnelResponse struct {
	Route   string `json:"route"`
	Removed bool   `json:"removed"`
}

// handleCreateTunnel reserves a route, mints its token, persists the record
// and returns the public and websocket URLs.
func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request, userID int64) {
	var req CreateTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_write_json(w, http.StatusBadRequest, map[string]string{"detail": "Invalid request body"})
		return
	}
	if !tunnel.ValidRoute(req.Route) {
		_write_json(w, http.StatusBadRequest, map[string]string{"detail": "Invalid route"})
		return
	}

	// check persistence before mutating anything in memory
	if existing, err := s.store.GetByRoute(r.Context(), req.Route); err != nil {
		slog.Error("route lookup failed", "route", req.Route, "err", err)
		_write_json(w, http.StatusInternalServerError, map[string]string{"detail": "Internal error"})
		return
	} else if existing != nil {
		_write_json(w, http.StatusConflict, map[string]string{"detail": "Route already exists"})
		return
	}

	sess, err := s.registry.CreateRoute(req.Route, req.Description)
	if errors.Is(err, tunnel.ErrRouteExists) {
		_write_json(w, http.StatusConflict, map[string]string{"detail": "Route already exists"})
		return
	}
	if err != nil {
		_write_json(w, http.StatusBadRequest, map[string]string{"detail": "Invalid route"})
		return
	}

	if _, err := s.store.CreateToken(r.Context(), sess.Route(), sess.Token(), req.Description, userID, req.IsPublic); err != nil {
		s.registry.DeleteRoute(sess.Route())
		if errors.Is(err, store.ErrRouteTaken) {
			_write_json(w, http.StatusConflict, map[string]string{"detail": "Route already exists"})
			return
		}
		slog.Error("persisting tunnel token failed", "route", req.Route, "err", err)
		_write_json(w, http.StatusInternalServerError, map[string]string{"detail": "Internal error"})
		return
	}

	slog.Info("tunnel created", "route", sess.Route(), "user_id", userID)
	_write_json(w, http.StatusOK, CreateTunnelResponse{
		Route:     sess.Route(),
		Token:     sess.Token(),
		PublicURL: s.cfg.PublicURL(sess.Route()),
		WSURL:     s.cfg.WSURL(sess.Token()),
	})
}

// handleListTunnels lists the caller's tunnels, merging persisted records
// with live registry state. live state wins where a session exists.
func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request, userID int64) {
	recs, err := s.store.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("listing tunnels failed", "user_id", userID, "err", err)
		_write_json(w, http.StatusInternalServerError, map[string]string{"detail": "Internal error"})
		return
	}
	_write_json(w, http.StatusOK, s._merge_records(recs))
}

// handleListPublicTunnels lists all public tunnels. no authentication.
func (s *Server) handleListPublicTunnels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListPublic(r.Context())
	if err != nil {
		slog.Error("listing public tunnels failed", "err", err)
		_write_json(w, http.StatusInternalServerError, map[string]string{"detail": "Internal error"})
		return
	}
	_write_json(w, http.StatusOK, s._merge_records(recs))
}

// handleDeleteTunnel destroys a route: the live session first, then the
// persisted record.
func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request, _ int64) {
	route := r.PathValue("route")
	removed := s.registry.DeleteRoute(route)
	if _, err := s.store.Delete(r.Context(), route); err != nil {
		slog.Error("deleting tunnel record failed", "route", route, "err", err)
	}
	if !removed {
		_write_json(w, http.StatusNotFound, map[string]string{"detail": "Not found"})
		return
	}
	_write_json(w, http.StatusOK, DeleteTunnelResponse{Route: route, Removed: true})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_write_json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// _merge_records builds the listing view from persisted records plus live
// registry state.
func (s *Server) _merge_records(recs []*store.TunnelToken) ListTunnelsResponse {
	tunnels := make([]TunnelInfo, 0, len(recs))
	for _, rec := range recs {
		info := TunnelInfo{
			Route:       rec.Route,
			Connected:   false,
			CreatedAt:   protocol.UnixSeconds(rec.CreatedAt),
			Description: rec.Description,
			IsPublic:    rec.IsPublic,
		}
		if !rec.LastConnectedAt.IsZero() {
			ts := protocol.UnixSeconds(rec.LastConnectedAt)
			info.LastSeen = &ts
		}
		if sess := s.registry.GetSession(rec.Route); sess != nil {
			live := sess.Info()
			info.Connected = live.Connected
			info.CreatedAt = protocol.UnixSeconds(live.CreatedAt)
			if live.Description != "" {
				info.Description = live.Description
			}
			if !live.LastSeen.IsZero() {
				ts := protocol.UnixSeconds(live.LastSeen)
				info.LastSeen = &ts
			}
		}
		tunnels = append(tunnels, info)
	}
	return ListTunnelsResponse{Tunnels: tunnels}
}

// _write_json writes a JSON response body with the given status.
func _write_json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response failed", "err", err)
	}
}
