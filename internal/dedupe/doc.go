// Package dedupe provides a bounded TTL cache for marking values as
// seen, used to reject replayed authentication nonces.
package dedupe
