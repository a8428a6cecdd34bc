// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines PairedNode and the Store interface for node registry operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateNode is returned when pairing a node ID that is already paired
var ErrDuplicateNode = errors.New("node already paired")

// PairedNode represents a device node that an operator has approved.
// The token is the node's long-lived credential; it is opaque to clients.
type PairedNode struct {
	NodeID      string
	DisplayName string
	Platform    string
	Version     string
	Token       string
	Commands    []string
	Remote      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the persistence interface for the node registry
type Store interface {
	// CreateNode persists a newly approved node.
	// Returns ErrDuplicateNode if the node ID already exists.
	CreateNode(ctx context.Context, node *PairedNode) error

	// GetNode retrieves a node by ID. Returns ErrNotFound if absent.
	GetNode(ctx context.Context, nodeID string) (*PairedNode, error)

	// GetNodeByToken retrieves a node by its credential.
	// Returns ErrNotFound if no node holds the token.
	GetNodeByToken(ctx context.Context, token string) (*PairedNode, error)

	// ListNodes returns all paired nodes ordered by creation time
	ListNodes(ctx context.Context) ([]*PairedNode, error)

	// UpdateNode replaces a node's mutable fields (display name, platform,
	// version, token, commands). Returns ErrNotFound if absent.
	UpdateNode(ctx context.Context, node *PairedNode) error

	// RenameNode updates only the display name. Returns ErrNotFound if absent.
	RenameNode(ctx context.Context, nodeID, displayName string) error

	// DeleteNode removes a node. Returns ErrNotFound if absent.
	DeleteNode(ctx context.Context, nodeID string) error

	// Close releases the store's resources
	Close() error
}
