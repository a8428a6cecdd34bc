// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides paired-node persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			node_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			platform     TEXT NOT NULL DEFAULT '',
			version      TEXT NOT NULL DEFAULT '',
			token        TEXT NOT NULL UNIQUE,
			commands     TEXT NOT NULL DEFAULT '',
			remote       INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_token ON nodes(token);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func (s *SQLiteStore) CreateNode(ctx context.Context, node *PairedNode) error {
	query := `
		INSERT INTO nodes (node_id, display_name, platform, version, token, commands, remote, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		node.NodeID,
		node.DisplayName,
		node.Platform,
		node.Version,
		node.Token,
		joinCommands(node.Commands),
		boolToInt(node.Remote),
		node.CreatedAt.UTC().Format(time.RFC3339Nano),
		node.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateNode
		}
		return fmt.Errorf("inserting node: %w", err)
	}

	s.logger.Debug("created node", "node_id", node.NodeID, "display_name", node.DisplayName)
	return nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, nodeID string) (*PairedNode, error) {
	query := `
		SELECT node_id, display_name, platform, version, token, commands, remote, created_at, updated_at
		FROM nodes
		WHERE node_id = ?
	`
	return s.scanNode(s.db.QueryRowContext(ctx, query, nodeID))
}

func (s *SQLiteStore) GetNodeByToken(ctx context.Context, token string) (*PairedNode, error) {
	query := `
		SELECT node_id, display_name, platform, version, token, commands, remote, created_at, updated_at
		FROM nodes
		WHERE token = ?
	`
	return s.scanNode(s.db.QueryRowContext(ctx, query, token))
}

func (s *SQLiteStore) scanNode(row *sql.Row) (*PairedNode, error) {
	var node PairedNode
	var commands string
	var remote int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&node.NodeID,
		&node.DisplayName,
		&node.Platform,
		&node.Version,
		&node.Token,
		&commands,
		&remote,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}

	node.Commands = splitCommands(commands)
	node.Remote = remote != 0

	node.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	node.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &node, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*PairedNode, error) {
	query := `
		SELECT node_id, display_name, platform, version, token, commands, remote, created_at, updated_at
		FROM nodes
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*PairedNode
	for rows.Next() {
		var node PairedNode
		var commands string
		var remote int
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&node.NodeID,
			&node.DisplayName,
			&node.Platform,
			&node.Version,
			&node.Token,
			&commands,
			&remote,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}

		node.Commands = splitCommands(commands)
		node.Remote = remote != 0
		node.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		node.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

func (s *SQLiteStore) UpdateNode(ctx context.Context, node *PairedNode) error {
	query := `
		UPDATE nodes
		SET display_name = ?, platform = ?, version = ?, token = ?, commands = ?, updated_at = ?
		WHERE node_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		node.DisplayName,
		node.Platform,
		node.Version,
		node.Token,
		joinCommands(node.Commands),
		time.Now().UTC().Format(time.RFC3339Nano),
		node.NodeID,
	)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) RenameNode(ctx context.Context, nodeID, displayName string) error {
	query := `
		UPDATE nodes
		SET display_name = ?, updated_at = ?
		WHERE node_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		displayName,
		time.Now().UTC().Format(time.RFC3339Nano),
		nodeID,
	)
	if err != nil {
		return fmt.Errorf("renaming node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("renamed node", "node_id", nodeID, "display_name", displayName)
	return nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, nodeID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Commands are stored as a newline-joined string so the table stays flat.
func joinCommands(commands []string) string {
	return strings.Join(commands, "\n")
}

func splitCommands(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
