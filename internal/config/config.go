package config

import "time"

// BrokerConfig is the root configuration for a broker instance.
type BrokerConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Node      NodeConfig      `yaml:"node"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Coalesce  CoalesceConfig  `yaml:"coalesce"`
	Stream    StreamConfig    `yaml:"stream"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds the swap-quote API settings.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"` // Empty degrades to public access
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NodeConfig holds the blockchain node pool settings.
type NodeConfig struct {
	Endpoints      []string      `yaml:"endpoints"`
	Timeout        time.Duration `yaml:"timeout"`
	ErrorThreshold int           `yaml:"error_threshold"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// RateLimitConfig holds the outbound token bucket settings.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	MaxBurst      int     `yaml:"max_burst"`
}

// CacheConfig holds the tiered cache settings. TTLs overrides the
// built-in micro-cache TTL per logical endpoint name.
type CacheConfig struct {
	MaxEntries    int                      `yaml:"max_entries"`
	PromoteAfter  int                      `yaml:"promote_after"`
	DefaultTTL    time.Duration            `yaml:"default_ttl"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	TTLs          map[string]time.Duration `yaml:"ttls"`
}

// CoalesceConfig holds the per-key throttle settings.
type CoalesceConfig struct {
	WindowLimit    int           `yaml:"window_limit"`
	Window         time.Duration `yaml:"window"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	ThrottleStates int           `yaml:"throttle_states"`
}

// StreamConfig holds the broadcast stream settings.
type StreamConfig struct {
	Tokens            []string      `yaml:"tokens"` // Mints published on the price feed
	PollInterval      time.Duration `yaml:"poll_interval"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}
