// Package gateway implements the control-plane server.
//
// # Connection Lifecycle
//
// Clients connect over WebSocket at /ws and must send hello as their
// first request. The handshake fixes the connection's role:
//
//   - operators authenticate with a JWT, an SSH signature, or implicitly
//     by connecting from loopback or the gateway's own tailnet address
//   - nodes authenticate with their pairing token
//
// After hello-ok, frames are dispatched from a read loop; each request
// runs on its own goroutine so a slow handler never blocks the
// connection.
//
// # Dispatch
//
// Every request produces exactly one response, panics included. Role
// authorization runs before handler lookup, so an unauthorized caller
// learns nothing about which methods exist.
//
// # Restart Orchestration
//
// config.apply validates the replacement document, writes it durably,
// persists a restart sentinel, and only then schedules the restart
// through the supervisor, so the caller's success response always
// reflects state that survives the restart. update.run follows the same
// sequence with the update statistics recorded in the sentinel.
//
// # Listeners
//
// The gateway serves plain TCP by default, or joins a tailnet via tsnet
// when tailscale.enabled is set, in which case the node's own tailnet
// IPs feed the trust classifier. Health endpoints and the optional
// Prometheus registry share the mux. Metrics live on a per-gateway
// private registry, not the global default.
package gateway
