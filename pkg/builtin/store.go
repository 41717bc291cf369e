package builtin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ConfigStore is the collaborator responsible for the caller-side
// enable/disable preference document that the built-in save_config tool
// persists (spec.md §6, §9). It is deliberately the *only* place in
// toolman that touches the filesystem for configuration: the core
// otherwise only ever consumes an already-parsed config.Config (spec.md
// §6). Persistence is atomic (temp file + rename) and inter-process-safe
// (an advisory file lock via gofrs/flock), resolving the "whether such
// mutation is atomic" open question in spec.md §9 in the affirmative.
type ConfigStore struct {
	path string

	mu          sync.Mutex
	preferences map[string]bool // "<server>_<tool>" -> enabled
	dirty       bool
}

// NewConfigStore builds a ConfigStore backed by the file at path. The file
// need not exist yet; Save creates it (and its parent directory) on first
// write.
func NewConfigStore(path string) *ConfigStore {
	s := &ConfigStore{path: path, preferences: make(map[string]bool)}
	s.load()
	return s
}

func (s *ConfigStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var prefs map[string]bool
	if err := json.Unmarshal(data, &prefs); err != nil {
		return
	}
	s.preferences = prefs
}

// SetEnabled records a caller's enable/disable preference for
// (serverName, toolName) in memory; it is not written to disk until Save
// is called, mirroring save_config being a distinct, explicit tool
// invocation from enable_tool/disable_tool in spec.md §6.
func (s *ConfigStore) SetEnabled(serverName, toolName string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[key(serverName, toolName)] = enabled
	s.dirty = true
}

// IsEnabled reports the caller's recorded preference for (serverName,
// toolName), defaulting to true when no preference has been recorded.
func (s *ConfigStore) IsEnabled(serverName, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.preferences[key(serverName, toolName)]
	if !ok {
		return true
	}
	return v
}

func key(serverName, toolName string) string {
	return serverName + "_" + toolName
}

// Save persists the current preference set to disk via a file lock plus a
// temp-file-and-rename swap, so a concurrent reader never observes a
// half-written document and a crash mid-write never corrupts the existing
// one.
func (s *ConfigStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("builtin: create config directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("builtin: acquire config lock: %w", err)
	}
	defer lock.Unlock() //nolint:errcheck

	data, err := json.MarshalIndent(s.preferences, "", "  ")
	if err != nil {
		return fmt.Errorf("builtin: marshal preferences: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".toolman-config-*.tmp")
	if err != nil {
		return fmt.Errorf("builtin: create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("builtin: write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("builtin: close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("builtin: rename temp config file into place: %w", err)
	}

	s.dirty = false
	return nil
}
