// ABOUTME: Durable restart sentinel explaining why the process restarted
// ABOUTME: Written and fsynced before any restart signal is raised

package restart

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Sentinel kinds.
const (
	KindConfigApply = "config-apply"
	KindUpdate      = "update"
)

// Sentinel records the intent behind a restart. The next process start
// reads it once to explain "why did I just restart."
type Sentinel struct {
	Kind        string         `json:"kind"`
	Stats       map[string]any `json:"stats,omitempty"`
	TimestampMs int64          `json:"timestampMs"`
}

const sentinelFile = "restart-sentinel.json"

// SentinelPath returns the sentinel location under the state directory.
func SentinelPath(stateDir string) string {
	return filepath.Join(stateDir, sentinelFile)
}

// WriteSentinel durably persists the sentinel. The write is synced to disk
// before this returns; callers must not raise a restart signal until it has.
func WriteSentinel(stateDir string, s *Sentinel) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sentinel: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, sentinelFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp sentinel: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing sentinel: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing sentinel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing sentinel: %w", err)
	}
	if err := os.Rename(tmpName, SentinelPath(stateDir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing sentinel: %w", err)
	}
	return nil
}

// ReadAndClearSentinel consumes the sentinel left by a previous instance.
// Returns nil with no error when no sentinel exists.
func ReadAndClearSentinel(stateDir string) (*Sentinel, error) {
	path := SentinelPath(stateDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sentinel: %w", err)
	}

	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt sentinel must not wedge startup. Remove and move on.
		os.Remove(path)
		return nil, fmt.Errorf("parsing sentinel: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("clearing sentinel: %w", err)
	}
	return &s, nil
}
