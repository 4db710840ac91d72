package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server configuration, loaded from the environment.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`

	APIBaseURL    string `env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	WSBaseURL     string `env:"WS_BASE_URL" envDefault:"ws://localhost:8000"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	TunnelTimeout time.Duration `env:"TUNNEL_TIMEOUT" envDefault:"30s"`
	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"routetunnel.db"`
	SecretKey    string `env:"SECRET_KEY"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PublicURL composes the public ingress URL for route. PUBLIC_BASE_URL wins
// when set; otherwise the public edge is assumed to be the API base.
func (c *Config) PublicURL(route string) string {
	base := c.PublicBaseURL
	if base == "" {
		base = c.APIBaseURL
	}
	return strings.TrimRight(base, "/") + "/r/" + route
}

// WSURL composes the tunnel connection URL for token. the websocket base is
// configured independently of the public base; the two must not be conflated.
func (c *Config) WSURL(token string) string {
	return strings.TrimRight(c.WSBaseURL, "/") + "/api/tunnels/ws/tunnel?token=" + token
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
