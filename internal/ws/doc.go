// Package ws provides WebSocket connection handling and message routing
// for terminal sessions.
//
// The package implements:
//   - Conn: one connection's read loop, write loop, and keepalive watch
//   - Manager: handshake, connection registry, and shutdown
//
// Key behaviors:
//   - One read loop and one write loop per connection; sessions hand the
//     write loop work through bounded channels, never by calling the
//     socket directly
//   - Output flows from session flow buffers through the write loop, so
//     backpressure applies per session without stalling control traffic
//   - Socket closure detaches sessions into the registry's grace window
//     instead of destroying them
//   - Per-connection rate limiting with per-message errors and a
//     connection-fatal hard cap
package ws
