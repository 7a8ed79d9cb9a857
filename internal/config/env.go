package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for the env-only startup path. A config
// file, when present, always wins over these.
const (
	AddrEnv          = "DEXRELAY_ADDR"
	UpstreamURLEnv   = "DEXRELAY_UPSTREAM_URL"
	UpstreamKeyEnv   = "DEXRELAY_UPSTREAM_API_KEY"
	NodeEndpointsEnv = "DEXRELAY_NODE_ENDPOINTS" // comma-separated
	StreamTokensEnv  = "DEXRELAY_STREAM_TOKENS"  // comma-separated
	RatePerSecondEnv = "DEXRELAY_RATE_PER_SECOND"
	MaxBurstEnv      = "DEXRELAY_MAX_BURST"
	CacheTTLEnv      = "DEXRELAY_CACHE_TTL"
	PollIntervalEnv  = "DEXRELAY_STREAM_POLL_INTERVAL"
)

// FromEnv builds a configuration from DEXRELAY_* variables alone.
// Unset tunables stay at their zero value and pick up applyDefaults;
// an unset API key degrades to the public access path.
func FromEnv() *BrokerConfig {
	return &BrokerConfig{
		Server: ServerConfig{
			Addr: loadStringEnv(AddrEnv, ""),
		},
		Upstream: UpstreamConfig{
			BaseURL: loadStringEnv(UpstreamURLEnv, ""),
			APIKey:  loadStringEnv(UpstreamKeyEnv, ""),
		},
		Node: NodeConfig{
			Endpoints: loadListEnv(NodeEndpointsEnv),
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: loadFloatEnv(RatePerSecondEnv, 0),
			MaxBurst:      loadIntEnv(MaxBurstEnv, 0),
		},
		Cache: CacheConfig{
			DefaultTTL: loadDurationEnv(CacheTTLEnv, 0),
		},
		Stream: StreamConfig{
			Tokens:       loadListEnv(StreamTokensEnv),
			PollInterval: loadDurationEnv(PollIntervalEnv, 0),
		},
	}
}

func loadStringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func loadListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadIntEnv(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	num, err := strconv.Atoi(value)
	if err != nil || num < 0 {
		return fallback
	}
	return num
}

func loadFloatEnv(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	num, err := strconv.ParseFloat(value, 64)
	if err != nil || num < 0 {
		return fallback
	}
	return num
}

func loadDurationEnv(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	dur, err := time.ParseDuration(value)
	if err != nil || dur < 0 {
		return fallback
	}
	return dur
}
