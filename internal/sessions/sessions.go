// ABOUTME: Per-agent session registry with alias resolution
// ABOUTME: Stores session entries in per-agent JSON files with serialized writes

package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// GlobalAgentID is the pseudo-agent whose store holds sessions not scoped
// to any configured agent.
const GlobalAgentID = "global"

// MainAlias is the logical session alias resolved at read time.
const MainAlias = "main"

// Entry is one conversational session record.
type Entry struct {
	SessionID     string `json:"sessionId"`
	Key           string `json:"key"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	VerboseLevel  string `json:"verboseLevel,omitempty"`
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	SpawnedBy     string `json:"spawnedBy,omitempty"`
}

// Patch holds the mutable fields of an entry. Nil fields are left untouched.
type Patch struct {
	SessionID     *string `json:"sessionId,omitempty"`
	ThinkingLevel *string `json:"thinkingLevel,omitempty"`
	VerboseLevel  *string `json:"verboseLevel,omitempty"`
	LastChannel   *string `json:"lastChannel,omitempty"`
	LastTo        *string `json:"lastTo,omitempty"`
	LastAccountID *string `json:"lastAccountId,omitempty"`
	SpawnedBy     *string `json:"spawnedBy,omitempty"`
}

// ListFilter selects which entries List returns.
type ListFilter struct {
	AgentID        string
	IncludeGlobal  bool
	IncludeUnknown bool
	Limit          int
	SpawnedBy      string
}

// ResolveKey expands a raw session key into its concrete composite form.
// The "main" alias resolves against the default agent and the configured
// main key. Keys already in agent:<id>:<scope> form pass through unchanged;
// any other bare scope is attributed to the default agent. Every operation
// on the registry routes through this one function so they can never
// disagree on what an alias means.
func ResolveKey(raw, defaultAgent, mainKey string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == MainAlias {
		return fmt.Sprintf("agent:%s:%s", defaultAgent, mainKey)
	}
	if strings.HasPrefix(raw, "agent:") {
		return raw
	}
	return fmt.Sprintf("agent:%s:%s", defaultAgent, raw)
}

// AgentOf extracts the agent id from a composite key, or GlobalAgentID
// when the key is not agent-scoped.
func AgentOf(key string) string {
	if !strings.HasPrefix(key, "agent:") {
		return GlobalAgentID
	}
	rest := strings.TrimPrefix(key, "agent:")
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return GlobalAgentID
	}
	return rest[:idx]
}

// Registry manages session entries across per-agent store files.
type Registry struct {
	dir          string
	mainKey      func() string
	defaultAgent func() string
	agentIDs     func() []string
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a registry over dir. mainKey, defaultAgent, and
// agentIDs are consulted on every call so configuration changes take
// effect without rebuilding the registry.
func NewRegistry(dir string, mainKey, defaultAgent func() string, agentIDs func() []string) *Registry {
	return &Registry{
		dir:          dir,
		mainKey:      mainKey,
		defaultAgent: defaultAgent,
		agentIDs:     agentIDs,
		logger:       slog.Default().With("component", "sessions"),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Resolve expands a raw key to its concrete form.
func (r *Registry) Resolve(raw string) string {
	return ResolveKey(raw, r.defaultAgent(), r.mainKey())
}

// agentLock returns the per-agent write lock, creating it on first use.
func (r *Registry) agentLock(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[agentID] = l
	}
	return l
}

func (r *Registry) storePath(agentID string) string {
	return filepath.Join(r.dir, agentID+".json")
}

// loadStore reads one agent's store file. A missing file is an empty store.
func (r *Registry) loadStore(agentID string) (map[string]*Entry, error) {
	data, err := os.ReadFile(r.storePath(agentID))
	if os.IsNotExist(err) {
		return make(map[string]*Entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session store: %w", err)
	}

	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing session store %s: %w", agentID, err)
	}
	return entries, nil
}

// saveStore durably writes one agent's store file via temp-file rename.
func (r *Registry) saveStore(agentID string, entries map[string]*Entry) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, agentID+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp store: %w", err)
	}
	if err := os.Rename(tmpName, r.storePath(agentID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session store: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (r *Registry) List(filter ListFilter) ([]*Entry, error) {
	var agents []string
	switch {
	case filter.AgentID != "":
		agents = []string{filter.AgentID}
	default:
		agents = append(agents, r.agentIDs()...)
		if filter.IncludeGlobal {
			agents = append(agents, GlobalAgentID)
		}
		if filter.IncludeUnknown {
			unknown, err := r.unknownAgents(agents)
			if err != nil {
				return nil, err
			}
			agents = append(agents, unknown...)
		}
	}

	var entries []*Entry
	for _, agentID := range agents {
		lock := r.agentLock(agentID)
		lock.Lock()
		store, err := r.loadStore(agentID)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		for key, entry := range store {
			if entry.Key == "" {
				entry.Key = key
			}
			if filter.SpawnedBy != "" && entry.SpawnedBy != filter.SpawnedBy {
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAtMs > entries[j].UpdatedAtMs
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// unknownAgents lists store files in dir whose agent id is not in known.
func (r *Registry) unknownAgents(known []string) ([]string, error) {
	dirents, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}

	var unknown []string
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		agentID := strings.TrimSuffix(name, ".json")
		if !knownSet[agentID] {
			unknown = append(unknown, agentID)
		}
	}
	return unknown, nil
}

// Get returns the entry for a raw key, resolving aliases. Returns nil
// when the entry does not exist.
func (r *Registry) Get(raw string) (*Entry, error) {
	key := r.Resolve(raw)
	agentID := AgentOf(key)

	lock := r.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	store, err := r.loadStore(agentID)
	if err != nil {
		return nil, err
	}
	return store[key], nil
}

// ApplyPatch resolves the key, merges the patch into the entry (creating it
// if absent), bumps updatedAtMs, and persists. The resolved key is returned;
// the alias is never written to the store.
func (r *Registry) ApplyPatch(raw string, patch *Patch) (string, error) {
	key := r.Resolve(raw)
	agentID := AgentOf(key)

	lock := r.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	store, err := r.loadStore(agentID)
	if err != nil {
		return "", err
	}

	entry, ok := store[key]
	if !ok {
		entry = &Entry{Key: key}
		store[key] = entry
	}

	if patch.SessionID != nil {
		entry.SessionID = *patch.SessionID
	}
	if patch.ThinkingLevel != nil {
		entry.ThinkingLevel = *patch.ThinkingLevel
	}
	if patch.VerboseLevel != nil {
		entry.VerboseLevel = *patch.VerboseLevel
	}
	if patch.LastChannel != nil {
		entry.LastChannel = *patch.LastChannel
	}
	if patch.LastTo != nil {
		entry.LastTo = *patch.LastTo
	}
	if patch.LastAccountID != nil {
		entry.LastAccountID = *patch.LastAccountID
	}
	if patch.SpawnedBy != nil {
		entry.SpawnedBy = *patch.SpawnedBy
	}
	entry.UpdatedAtMs = time.Now().UnixMilli()

	if err := r.saveStore(agentID, store); err != nil {
		return "", err
	}

	r.logger.Debug("patched session", "key", key, "agent", agentID)
	return key, nil
}

// Delete resolves the key and removes the entry. Missing keys are a no-op.
func (r *Registry) Delete(raw string) (string, error) {
	key := r.Resolve(raw)
	agentID := AgentOf(key)

	lock := r.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	store, err := r.loadStore(agentID)
	if err != nil {
		return "", err
	}

	if _, ok := store[key]; !ok {
		return key, nil
	}
	delete(store, key)

	if err := r.saveStore(agentID, store); err != nil {
		return "", err
	}

	r.logger.Debug("deleted session", "key", key, "agent", agentID)
	return key, nil
}
