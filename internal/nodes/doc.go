// Package nodes owns node pairing and the invoke/event bus.
//
// Pairing holds requests pending operator approval, coalescing repeat
// requests per node and minting opaque tokens on approval. The Bus maps
// node ids to live connections on either transport, correlates invokes
// with their results by fresh per-call ids, and fans node events out to
// subscribed operators. Results arriving after an invoke timed out are
// discarded.
package nodes
