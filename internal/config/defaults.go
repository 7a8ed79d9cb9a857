package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultUpstreamTimeout = 15 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 500 * time.Millisecond

	DefaultNodeTimeout    = 15 * time.Second
	DefaultErrorThreshold = 5
	DefaultMaxAttempts    = 3
	DefaultProbeInterval  = 5 * time.Second
	DefaultProbeTimeout   = 3 * time.Second

	DefaultRatePerSecond = 45.0
	DefaultMaxBurst      = 50

	DefaultCacheMaxEntries    = 1000
	DefaultCachePromoteAfter  = 10
	DefaultCacheTTL           = 30 * time.Second
	DefaultCacheSweepInterval = 10 * time.Second

	DefaultWindowLimit    = 30
	DefaultWindow         = 60 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultThrottleStates = 512

	DefaultPollInterval      = 5 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultFetchTimeout      = 10 * time.Second
	DefaultSubscriberBuffer  = 8
	DefaultIdleTimeout       = 2 * time.Minute
)

func (c *BrokerConfig) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Upstream defaults
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}
	if c.Upstream.RetryBackoff == 0 {
		c.Upstream.RetryBackoff = DefaultRetryBackoff
	}

	// Node pool defaults
	if c.Node.Timeout == 0 {
		c.Node.Timeout = DefaultNodeTimeout
	}
	if c.Node.ErrorThreshold == 0 {
		c.Node.ErrorThreshold = DefaultErrorThreshold
	}
	if c.Node.MaxAttempts == 0 {
		c.Node.MaxAttempts = DefaultMaxAttempts
	}
	if c.Node.ProbeInterval == 0 {
		c.Node.ProbeInterval = DefaultProbeInterval
	}
	if c.Node.ProbeTimeout == 0 {
		c.Node.ProbeTimeout = DefaultProbeTimeout
	}

	// Rate limiter defaults
	if c.RateLimit.RatePerSecond == 0 {
		c.RateLimit.RatePerSecond = DefaultRatePerSecond
	}
	if c.RateLimit.MaxBurst == 0 {
		c.RateLimit.MaxBurst = DefaultMaxBurst
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.PromoteAfter == 0 {
		c.Cache.PromoteAfter = DefaultCachePromoteAfter
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = DefaultCacheTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultCacheSweepInterval
	}

	// Coalesce defaults
	if c.Coalesce.WindowLimit == 0 {
		c.Coalesce.WindowLimit = DefaultWindowLimit
	}
	if c.Coalesce.Window == 0 {
		c.Coalesce.Window = DefaultWindow
	}
	if c.Coalesce.BackoffBase == 0 {
		c.Coalesce.BackoffBase = DefaultBackoffBase
	}
	if c.Coalesce.BackoffMax == 0 {
		c.Coalesce.BackoffMax = DefaultBackoffMax
	}
	if c.Coalesce.ThrottleStates == 0 {
		c.Coalesce.ThrottleStates = DefaultThrottleStates
	}

	// Stream defaults
	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = DefaultPollInterval
	}
	if c.Stream.KeepAliveInterval == 0 {
		c.Stream.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.Stream.FetchTimeout == 0 {
		c.Stream.FetchTimeout = DefaultFetchTimeout
	}
	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = DefaultIdleTimeout
	}
}
