// Package coalesce implements the Request Coalescing Cache Manager.
//
// The Cache Manager:
//   - Serves cache-first lookups backed by the tiered cache
//   - Funnels misses through the rate limiter (single-flight per key)
//   - Falls back to stale cache entries when a fetch fails
//   - Applies per-key exponential backoff after upstream 429 responses
//   - Caps per-key fetch volume with a sliding 60-second circuit ceiling
package coalesce
