// Package sessions tracks conversational session state across agents.
//
// # Keys and Aliases
//
// Sessions are addressed by composite keys of the form
// agent:<agentId>:<scope>. Two shorthand forms resolve at call time:
//
//   - "" or "main" resolves to agent:<defaultAgent>:<mainKey>
//   - a bare scope resolves to agent:<defaultAgent>:<scope>
//
// ResolveKey is the one place this expansion happens; every registry
// operation routes through it, so a patch addressed to "main" and a
// delete addressed to the composite form always hit the same entry. The
// alias itself is never written to disk.
//
// # Storage
//
// Each agent's entries live in one JSON file under the sessions
// directory, written via temp-file fsync-rename so a crash mid-write
// never truncates the store. Writes are serialized per agent; distinct
// agents never contend.
//
// # Listing
//
// List scans the configured agents by default and can widen to the
// global pseudo-agent and to orphaned store files left by agents that
// were removed from the config. Results sort newest first.
package sessions
