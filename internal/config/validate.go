package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *BrokerConfig) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if err := validateURL(c.Upstream.BaseURL, "upstream.base_url"); err != nil {
		return err
	}

	if len(c.Node.Endpoints) == 0 {
		return errors.New("node.endpoints requires at least one endpoint")
	}
	for i, ep := range c.Node.Endpoints {
		if err := validateURL(ep, fmt.Sprintf("node.endpoints[%d]", i)); err != nil {
			return err
		}
	}

	if c.RateLimit.RatePerSecond <= 0 {
		return errors.New("rate_limit.rate_per_second must be > 0")
	}
	if c.RateLimit.MaxBurst < 1 {
		return errors.New("rate_limit.max_burst must be >= 1")
	}

	if c.Cache.MaxEntries < 1 {
		return errors.New("cache.max_entries must be >= 1")
	}
	if c.Cache.PromoteAfter < 1 {
		return errors.New("cache.promote_after must be >= 1")
	}

	if c.Coalesce.WindowLimit < 1 {
		return errors.New("coalesce.window_limit must be >= 1")
	}
	if c.Coalesce.BackoffBase > c.Coalesce.BackoffMax {
		return fmt.Errorf("coalesce.backoff_base (%s) cannot exceed backoff_max (%s)",
			c.Coalesce.BackoffBase, c.Coalesce.BackoffMax)
	}

	if len(c.Stream.Tokens) == 0 {
		return errors.New("stream.tokens requires at least one token")
	}
	if c.Stream.SubscriberBuffer < 1 {
		return errors.New("stream.subscriber_buffer must be >= 1")
	}

	return nil
}

func validateURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host: %q", field, raw)
	}
	return nil
}
