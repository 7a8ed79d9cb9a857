// Package stream implements the Broadcast Stream Server.
//
// The Broadcast Stream Server:
//   - Runs one poll loop against the upstream per process
//   - Fans each result out to every subscriber over SSE or WebSocket
//   - Pushes the last known snapshot immediately on connect
//   - Drops a subscriber on the first failed send, with no retry
//   - Removes subscribers that received nothing for the idle timeout
//   - Keeps transports alive with periodic pings independent of data ticks
package stream
