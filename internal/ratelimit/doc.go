// Package ratelimit implements the Token-Bucket Rate Limiter component.
//
// The Rate Limiter:
//   - Deduplicates identical in-flight calls by request fingerprint
//   - Throttles non-deduplicated calls with a refillable token bucket
//   - Queues over-budget calls and drains them in FIFO submission order
//   - Never caches results; failures propagate to every sharing caller
package ratelimit
