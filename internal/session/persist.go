package session

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const schemaVersion = 1

type persistedSession struct {
	SchemaVersion int        `json:"schema_version"`
	Current       string     `json:"current"`
	History       []Snapshot `json:"history"`
}

// Save writes the session's committed state (current document + history) to
// a JSON file. The draft is transient and never persisted.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	state := persistedSession{
		SchemaVersion: schemaVersion,
		Current:       s.current,
		History:       append([]Snapshot{}, s.history...),
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load restores committed state from a file written by Save. A missing file
// is not an error; the store keeps its defaults.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state persistedSession
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Current != "" {
		s.current = state.Current
	}
	if len(state.History) > 0 {
		s.history = state.History
	}
	s.draft = nil
	return nil
}
