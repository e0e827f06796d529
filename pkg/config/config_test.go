package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if len(cfg.WebRTC.ICEServers) != 2 {
		t.Fatalf("expected two default STUN servers, got %d", len(cfg.WebRTC.ICEServers))
	}
	if got := cfg.ListenAddress(); got != ":3000" {
		t.Fatalf("expected :3000, got %s", got)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "port out of range",
			mutate: func(c *Config) { c.Server.Port = 70000 },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "send buffer must be > 0",
			mutate: func(c *Config) { c.Signal.SendBufferSize = 0 },
		},
		{
			name:   "max message bytes must be > 0",
			mutate: func(c *Config) { c.Signal.MaxMessageBytes = 0 },
		},
		{
			name: "ice server without urls",
			mutate: func(c *Config) {
				c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, ICEServer{})
			},
		},
		{
			name: "port range inverted",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
		{
			name: "tracing sample rate above one",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
		{
			name: "redis lock ttl must be > 0",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.LockTTL = 0
			},
		},
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "http max concurrent must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "ws burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 4000
  public_url: "https://meet.example.com"
signal:
  ping_interval: 10s
  pong_timeout: 30s
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MESHROOM_PORT", "5000")
	t.Setenv("MESHROOM_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Fatalf("expected env port 5000, got %d", cfg.Server.Port)
	}
	if cfg.Server.PublicURL != "https://meet.example.com" {
		t.Fatalf("unexpected public url %q", cfg.Server.PublicURL)
	}
	if cfg.Signal.PingInterval != 10*time.Second {
		t.Fatalf("unexpected ping interval %v", cfg.Signal.PingInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	if len(cfg.WebRTC.ICEServers) != 1 {
		t.Fatalf("expected file ice servers to replace defaults, got %d", len(cfg.WebRTC.ICEServers))
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_BadPortEnv(t *testing.T) {
	t.Setenv("MESHROOM_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric MESHROOM_PORT")
	}
}
