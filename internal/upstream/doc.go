// Package upstream implements the market-data/swap-quote API client.
//
// The upstream client:
//   - Maps logical endpoint identifiers to concrete URLs and auth
//   - Retries transient network and 5xx failures with jittered backoff
//   - Classifies 429 responses (never retried here) with their Retry-After hint
//   - Degrades to unauthenticated access when no API key is configured
package upstream
