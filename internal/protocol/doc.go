// Package protocol defines the wire types shared by both gateway
// transports.
//
// # Control Plane
//
// Operators and WebSocket nodes exchange JSON frames discriminated by a
// type field:
//
//	{"type":"req","id":"...","method":"...","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"event","event":"...","payload":{...}}
//
// Every request id receives exactly one response. Server pushes (node
// events, invoke delivery) are event frames with no id.
//
// # Roles
//
// A connection holds one role for its lifetime, fixed at handshake.
// RoleAllows is the single authorization gate: operators get everything
// except node emissions, nodes get only skills.bins plus their own
// invoke-result and event emissions.
//
// # Device Bridge
//
// Bridge nodes speak newline-delimited JSON using BridgeFrame, a flat
// envelope covering hello, pairing, ping, invoke, event, and generic req
// frames. Nested node payloads travel as pre-encoded JSON strings so the
// gateway never re-interprets them.
//
// # Errors
//
// Failed responses carry a structured ErrorInfo with a stable code.
// ErrorInfo implements error, so handlers return it directly and the
// dispatch layer maps anything else to INTERNAL via AsErrorInfo.
package protocol
