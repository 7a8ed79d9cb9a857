// Package cache implements the Tiered Cache component.
//
// The Tiered Cache:
//   - Keeps a hot tier for frequently read keys (no TTL check on read)
//   - Keeps a standard tier with per-entry TTL
//   - Promotes entries to the hot tier after repeated hits
//   - Evicts in insertion order when the entry limit is exceeded
//   - Sweeps expired entries on a janitor interval
package cache
