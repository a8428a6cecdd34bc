// Package store persists paired nodes.
//
// The Store interface is backed by SQLite in WAL mode. Node tokens are
// unique and indexed, so token authentication is a single lookup.
package store
