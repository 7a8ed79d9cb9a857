package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  addr: ":9090"
upstream:
  base_url: https://quote.example.com
  api_key: test-key
node:
  endpoints:
    - https://rpc-1.example.com
    - https://rpc-2.example.com
cache:
  ttls:
    price: 2s
    tokens: 1m
stream:
  tokens:
    - So11111111111111111111111111111111111111112
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Upstream.BaseURL != "https://quote.example.com" {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, "https://quote.example.com")
	}
	if len(cfg.Node.Endpoints) != 2 {
		t.Errorf("len(Node.Endpoints) = %d, want 2", len(cfg.Node.Endpoints))
	}
	if cfg.Cache.TTLs["price"] != 2*time.Second {
		t.Errorf("Cache.TTLs[price] = %v, want 2s", cfg.Cache.TTLs["price"])
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret123")

	yaml := `
upstream:
  base_url: https://quote.example.com
  api_key: ${TEST_API_KEY}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.APIKey != "secret123" {
		t.Errorf("Upstream.APIKey = %q, want %q", cfg.Upstream.APIKey, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
upstream:
  base_url: https://quote.example.com
node:
  endpoints:
    - https://rpc.example.com
stream:
  tokens:
    - mint1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.RateLimit.RatePerSecond != DefaultRatePerSecond {
		t.Errorf("RateLimit.RatePerSecond = %v, want %v", cfg.RateLimit.RatePerSecond, DefaultRatePerSecond)
	}
	if cfg.Cache.DefaultTTL != DefaultCacheTTL {
		t.Errorf("Cache.DefaultTTL = %v, want %v", cfg.Cache.DefaultTTL, DefaultCacheTTL)
	}
	if cfg.Stream.PollInterval != 5*time.Second {
		t.Errorf("Stream.PollInterval = %v, want 5s", cfg.Stream.PollInterval)
	}
}

func TestLoadAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
upstream:
  base_url: https://quote.example.com
node:
  endpoints:
    - https://rpc.example.com
stream:
  tokens:
    - mint1
`,
		},
		{
			name: "missing upstream url",
			yaml: `
node:
  endpoints:
    - https://rpc.example.com
stream:
  tokens:
    - mint1
`,
			wantErr: "upstream.base_url",
		},
		{
			name: "no node endpoints",
			yaml: `
upstream:
  base_url: https://quote.example.com
stream:
  tokens:
    - mint1
`,
			wantErr: "node.endpoints",
		},
		{
			name: "bad endpoint scheme",
			yaml: `
upstream:
  base_url: https://quote.example.com
node:
  endpoints:
    - ftp://rpc.example.com
stream:
  tokens:
    - mint1
`,
			wantErr: "node.endpoints[0]",
		},
		{
			name: "no stream tokens",
			yaml: `
upstream:
  base_url: https://quote.example.com
node:
  endpoints:
    - https://rpc.example.com
`,
			wantErr: "stream.tokens",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, tt.yaml)
			_, err := LoadAndValidate(path)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("LoadAndValidate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestBackoffOrdering(t *testing.T) {
	yaml := `
upstream:
  base_url: https://quote.example.com
node:
  endpoints:
    - https://rpc.example.com
coalesce:
  backoff_base: 2m
  backoff_max: 30s
stream:
  tokens:
    - mint1
`
	path := writeTempFile(t, yaml)

	if _, err := LoadAndValidate(path); err == nil {
		t.Fatal("expected backoff ordering error, got nil")
	}
}

func TestLoadOrEnv_EnvOnlyStartup(t *testing.T) {
	t.Setenv(UpstreamURLEnv, "https://quote.example.com")
	t.Setenv(NodeEndpointsEnv, "https://rpc-1.example.com, https://rpc-2.example.com")
	t.Setenv(StreamTokensEnv, "mint1,mint2")
	t.Setenv(MaxBurstEnv, "75")

	cfg, err := LoadOrEnv(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadOrEnv failed: %v", err)
	}

	if cfg.Upstream.BaseURL != "https://quote.example.com" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if len(cfg.Node.Endpoints) != 2 || cfg.Node.Endpoints[1] != "https://rpc-2.example.com" {
		t.Errorf("Node.Endpoints = %v, want two trimmed entries", cfg.Node.Endpoints)
	}
	if len(cfg.Stream.Tokens) != 2 {
		t.Errorf("Stream.Tokens = %v, want 2 entries", cfg.Stream.Tokens)
	}
	if cfg.RateLimit.MaxBurst != 75 {
		t.Errorf("RateLimit.MaxBurst = %d, want 75", cfg.RateLimit.MaxBurst)
	}
	// Unset keys pick up the documented defaults.
	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.RateLimit.RatePerSecond != DefaultRatePerSecond {
		t.Errorf("RateLimit.RatePerSecond = %v, want %v", cfg.RateLimit.RatePerSecond, DefaultRatePerSecond)
	}
}

func TestLoadOrEnv_FileWinsOverEnv(t *testing.T) {
	t.Setenv(UpstreamURLEnv, "https://env.example.com")

	yaml := `
upstream:
  base_url: https://file.example.com
node:
  endpoints:
    - https://rpc.example.com
stream:
  tokens:
    - mint1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadOrEnv(path)
	if err != nil {
		t.Fatalf("LoadOrEnv failed: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://file.example.com" {
		t.Errorf("Upstream.BaseURL = %q, want file value", cfg.Upstream.BaseURL)
	}
}

func TestLoadOrEnv_MissingRequiredEnv(t *testing.T) {
	t.Setenv(UpstreamURLEnv, "")
	t.Setenv(NodeEndpointsEnv, "")
	t.Setenv(StreamTokensEnv, "")

	if _, err := LoadOrEnv(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected validation error without required env vars, got nil")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
