// ABOUTME: Tests for the SQLite paired-node store.
// ABOUTME: Covers CRUD, duplicate detection, token lookup, and rename.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode(nodeID string) *PairedNode {
	now := time.Now().UTC().Truncate(time.Second)
	return &PairedNode{
		NodeID:      nodeID,
		DisplayName: "Test Node",
		Platform:    "linux",
		Version:     "1.2.3",
		Token:       "token-" + nodeID,
		Commands:    []string{"camera.snap", "screen.record"},
		Remote:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := testNode("node-1")
	require.NoError(t, s.CreateNode(ctx, node))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.NodeID)
	assert.Equal(t, "Test Node", got.DisplayName)
	assert.Equal(t, "linux", got.Platform)
	assert.Equal(t, []string{"camera.snap", "screen.record"}, got.Commands)
	assert.True(t, got.Remote)
	assert.True(t, got.CreatedAt.Equal(node.CreatedAt))
}

func TestSQLiteStore_TimestampPrecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Sub-second precision must survive the round trip: pairing repair
	// compares a preserved CreatedAt against the stored one.
	node := testNode("node-1")
	node.CreatedAt = time.Date(2026, 8, 29, 10, 30, 0, 123456789, time.UTC)
	node.UpdatedAt = node.CreatedAt
	require.NoError(t, s.CreateNode(ctx, node))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(node.CreatedAt))
	assert.True(t, got.UpdatedAt.Equal(node.UpdatedAt))
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, testNode("node-1")))
	err := s.CreateNode(ctx, testNode("node-1"))
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestSQLiteStore_GetNodeByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, testNode("node-1")))
	require.NoError(t, s.CreateNode(ctx, testNode("node-2")))

	got, err := s.GetNodeByToken(ctx, "token-node-2")
	require.NoError(t, err)
	assert.Equal(t, "node-2", got.NodeID)

	_, err = s.GetNodeByToken(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, s.CreateNode(ctx, testNode("node-1")))
	require.NoError(t, s.CreateNode(ctx, testNode("node-2")))

	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestSQLiteStore_UpdateNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := testNode("node-1")
	require.NoError(t, s.CreateNode(ctx, node))

	node.DisplayName = "Renamed"
	node.Token = "new-token"
	node.Commands = []string{"camera.snap"}
	require.NoError(t, s.UpdateNode(ctx, node))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.DisplayName)
	assert.Equal(t, "new-token", got.Token)
	assert.Equal(t, []string{"camera.snap"}, got.Commands)
	// CreatedAt is immutable across updates.
	assert.True(t, got.CreatedAt.Equal(node.CreatedAt))

	assert.ErrorIs(t, s.UpdateNode(ctx, testNode("missing")), ErrNotFound)
}

func TestSQLiteStore_RenameNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, testNode("node-1")))
	require.NoError(t, s.RenameNode(ctx, "node-1", "Kitchen Mac"))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen Mac", got.DisplayName)

	assert.ErrorIs(t, s.RenameNode(ctx, "missing", "x"), ErrNotFound)
}

func TestSQLiteStore_DeleteNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, testNode("node-1")))
	require.NoError(t, s.DeleteNode(ctx, "node-1"))

	_, err := s.GetNode(ctx, "node-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteNode(ctx, "node-1"), ErrNotFound)
}

func TestSQLiteStore_EmptyCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := testNode("node-1")
	node.Commands = nil
	require.NoError(t, s.CreateNode(ctx, node))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, got.Commands)
}
