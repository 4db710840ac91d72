package client

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunnel client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
}

// ServerConfig points at the tunnel service and carries the route token.
type ServerConfig struct {
	WSURL string `yaml:"ws_url"`
	Token string `yaml:"token"`
}

// BackendConfig specifies the local HTTP server to publish.
type BackendConfig struct {
	TargetURL string        `yaml:"target_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProxyConfig routes the tunnel connection through an egress proxy.
type ProxyConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TunnelConfig controls reconnection behaviour.
type TunnelConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// LoadConfig reads and parses a client configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Backend: BackendConfig{
			TargetURL: "http://127.0.0.1:8080",
			Timeout:   30 * time.Second,
		},
		Proxy: ProxyConfig{DialTimeout: 10 * time.Second},
		Tunnel: TunnelConfig{
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Server.WSURL == "" {
		return nil, fmt.Errorf("server.ws_url is required")
	}
	if cfg.Server.Token == "" && !strings.Contains(cfg.Server.WSURL, "token=") {
		return nil, fmt.Errorf("server.token is required")
	}
	return cfg, nil
}

// DialURL composes the full websocket URL including the token query.
func (c *Config) DialURL() (string, error) {
	u, err := url.Parse(c.Server.WSURL)
	if err != nil {
		return "", fmt.Errorf("parsing ws_url: %w", err)
	}
	// accept http(s) bases and convert to the websocket scheme
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.Server.Token != "" {
		q := u.Query()
		q.Set("token", c.Server.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
