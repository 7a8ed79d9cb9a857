// Package rpcnode implements the Solana JSON-RPC client behind the relay.
//
// The RPC client:
//   - Supports a closed set of node operations; unknown methods are rejected
//   - Issues raw calls against any endpoint address for the load balancer
//   - Routes high-level calls through the balancer with failover
//   - Chunks multiple-account lookups at the node's batch ceiling
package rpcnode
