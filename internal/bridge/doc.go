// Package bridge serves device nodes over newline-delimited JSON on TCP,
// optionally TLS.
//
// A connecting node either presents its token in a hello frame or sends
// pair-request and blocks until an operator approves or rejects it.
// Authenticated connections register on the shared bus, after which the
// bridge forwards invokes to the node, routes invoke results back, and
// publishes node events. Generic req frames are answered through the
// gateway's handler table, with the node-role allowlist enforced before
// any handler runs.
package bridge
