// Package metrics publishes process counters over expvar.
//
// Key metrics:
//   - App and upstream HTTP response codes
//   - Stream subscriber count
//   - Go runtime memory via the default expvar handlers
package metrics
