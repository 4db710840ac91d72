package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/routetunnel/internal/protocol"
	"github.com/routetunnel/internal/tunnel"
)

// websocket close codes for attach rejections.
const (
	_close_missing_token = 4401
	_close_invalid_token = 4403
	_close_unknown_route = 4404
)

// handleTunnelWS upgrades a tunnel client connection, binds it to its
// session, and runs the receive loop until the connection dies.
func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}
	codec := protocol.NewCodec(conn)

	token := r.URL.Query().Get("token")
	if token == "" {
		slog.Warn("tunnel attach rejected: missing token", "remote", r.RemoteAddr)
		_close_with_code(codec, _close_missing_token, "missing token")
		return
	}

	sess, err := s.registry.Attach(r.Context(), token, codec)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrRouteGone):
			slog.Warn("tunnel attach rejected: unknown route", "remote", r.RemoteAddr)
			_close_with_code(codec, _close_unknown_route, "unknown route")
		default:
			slog.Warn("tunnel attach rejected: invalid token", "remote", r.RemoteAddr, "err", err)
			_close_with_code(codec, _close_invalid_token, "invalid token")
		}
		return
	}

	slog.Info("tunnel client connected", "route", sess.Route(), "remote", r.RemoteAddr)
	s._receive_loop(codec)
}

// _receive_loop reads frames sequentially and hands them to the registry.
// malformed frames are skipped; a read error detaches the connection, which
// drains that session's pending requests.
func (s *Server) _receive_loop(codec *protocol.Codec) {
	defer s.registry.Detach(codec)
	for {
		frame, err := codec.ReadFrame()
		if errors.Is(err, protocol.ErrMalformedFrame) {
			slog.Debug("ignoring malformed frame", "err", err)
			continue
		}
		if err != nil {
			slog.Info("tunnel connection closed", "err", err)
			return
		}
		s.registry.DispatchClientFrame(codec, frame)
	}
}

// _close_with_code sends a close frame and tears the connection down.
func _close_with_code(codec *protocol.Codec, code int, reason string) {
	if err := codec.WriteClose(code, reason); err != nil {
		slog.Debug("writing close frame failed", "err", err)
	}
	// give the peer a moment to observe the close frame
	time.Sleep(50 * time.Millisecond)
	codec.Close()
}
