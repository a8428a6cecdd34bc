// ABOUTME: Persistent node state (identity and issued token) in TOML
// ABOUTME: Saved after pairing, loaded on every run

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// nodeState is what survives between runs.
type nodeState struct {
	NodeID string `toml:"node_id"`
	Token  string `toml:"token"`
}

func defaultStatePath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "node.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "relay", "node.toml")
}

func loadState(path string) (*nodeState, error) {
	var state nodeState
	if _, err := toml.DecodeFile(path, &state); err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	return &state, nil
}

func saveState(path string, state *nodeState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	// The token is a credential; keep the file private.
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}
