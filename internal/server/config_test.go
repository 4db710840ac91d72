package server

import (
	"log/slog"
	"testing"
	"time"
)

func Test_public_url_prefers_public_base(t *testing.T) {
	cfg := &Config{
		APIBaseURL:    "http://api.example.com",
		PublicBaseURL: "https://edge.example.com/",
	}
	got := cfg.PublicURL("svc")
	want := "https://edge.example.com/r/svc"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_public_url_falls_back_to_api_base(t *testing.T) {
	cfg := &Config{APIBaseURL: "http://api.example.com/"}
	got := cfg.PublicURL("svc")
	want := "http://api.example.com/r/svc"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_ws_url_uses_ws_base_alone(t *testing.T) {
	cfg := &Config{
		APIBaseURL:    "http://api.example.com",
		WSBaseURL:     "wss://ws.example.com",
		PublicBaseURL: "https://edge.example.com",
	}
	got := cfg.WSURL("cafebabe")
	want := "wss://ws.example.com/api/tunnels/ws/tunnel?token=cafebabe"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_addr_joins_host_and_port(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: 8000}
	if got := cfg.Addr(); got != "0.0.0.0:8000" {
		t.Errorf("got %q", got)
	}
}

func Test_log_level_parsing(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("%q: got %v, want %v", in, got, want)
		}
	}
}

func Test_load_config_defaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("TUNNEL_TIMEOUT", "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 8000 || cfg.Host != "0.0.0.0" {
		t.Errorf("unexpected listen defaults: %s", cfg.Addr())
	}
	if cfg.TunnelTimeout != 30*time.Second || cfg.PingInterval != 10*time.Second {
		t.Errorf("unexpected timing defaults: %v %v", cfg.TunnelTimeout, cfg.PingInterval)
	}
}

func Test_load_config_requires_secret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing SECRET_KEY")
	}
}
