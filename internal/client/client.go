// Package client implements the tunnel client: it attaches a local HTTP
// server to a route on the tunnel service and answers forwarded requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/routetunnel/internal/protocol"
)

// Client maintains the tunnel connection across reconnects.
type Client struct {
	cfg     *Config
	handler *RequestHandler
	dialer  *ProxyDialer
}

// New creates a client from the given configuration.
func New(cfg *Config) (*Client, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.DialTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		cfg:     cfg,
		handler: NewRequestHandler(cfg.Backend.TargetURL, cfg.Backend.Timeout),
		dialer:  dialer,
	}, nil
}

// Run connects and serves forwarded requests, reconnecting with exponential
// backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.Tunnel.ReconnectDelay
	for {
		err := c._run_once(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > c.cfg.Tunnel.MaxReconnectDelay {
			delay = c.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// _run_once dials the tunnel endpoint and serves until the connection dies.
func (c *Client) _run_once(ctx context.Context) error {
	dialURL, err := c.cfg.DialURL()
	if err != nil {
		return err
	}

	wsDialer := websocket.Dialer{}
	if c.dialer != nil {
		wsDialer.NetDialContext = c.dialer.DialContext
	}

	slog.Info("connecting to tunnel service")
	conn, _, err := wsDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dialling tunnel service: %w", err)
	}
	codec := protocol.NewCodec(conn)
	defer codec.Close()
	slog.Info("tunnel attached")

	// tear the read loop down when ctx is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			codec.Close()
		case <-done:
		}
	}()

	return c._serve(ctx, codec)
}

// _serve reads frames sequentially and answers them. the server initiates
// all pings; this side only replies with pong.
func (c *Client) _serve(ctx context.Context, codec *protocol.Codec) error {
	for {
		frame, err := codec.ReadFrame()
		if errors.Is(err, protocol.ErrMalformedFrame) {
			slog.Debug("ignoring malformed frame", "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		switch frame.Type {
		case protocol.TypePing:
			if err := codec.WriteFrame(protocol.PongFrame(protocol.UnixSeconds(time.Now()))); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case protocol.TypeRequest:
			// handle concurrently; the codec serialises response writes
			go c._answer(ctx, codec, frame)
		default:
			slog.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

// _answer runs one forwarded request against the backend and writes the
// correlated response.
func (c *Client) _answer(ctx context.Context, codec *protocol.Codec, frame *protocol.Frame) {
	resp := c.handler.Handle(ctx, frame)
	if err := codec.WriteFrame(resp); err != nil {
		slog.Error("sending response failed", "correlation_id", frame.CorrelationID, "err", err)
	}
}
