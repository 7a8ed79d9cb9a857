// Package balancer implements the Endpoint Health Load Balancer.
//
// The Load Balancer:
//   - Scores each backend endpoint from latency, error streaks, and probe recency
//   - Routes every call to the highest-scoring healthy endpoint
//   - Fails over to the next endpoint up to a retry ceiling
//   - Probes all endpoints on an interval, decaying error counters on success
//   - Runs one recovery pass when the whole pool goes unhealthy
package balancer
