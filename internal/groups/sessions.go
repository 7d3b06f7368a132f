package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sessions maps group folders to the opaque continuation token the sandbox
// returned from its last run. Exactly one session per group.
type Sessions struct {
	path string

	mu    sync.Mutex
	byFol map[string]string
}

// NewSessions creates the session map persisted at dataDir/sessions.json.
func NewSessions(dataDir string) *Sessions {
	return &Sessions{
		path:  filepath.Join(dataDir, "sessions.json"),
		byFol: map[string]string{},
	}
}

// Load reads sessions.json. A missing file is an empty map.
func (s *Sessions) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sessions: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse sessions: %w", err)
	}
	s.byFol = m
	return nil
}

// Get returns the current session id for a group, "" when none exists.
func (s *Sessions) Get(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byFol[folder]
}

// Set rotates a group's session and persists the map.
func (s *Sessions) Set(folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byFol[folder] == sessionID {
		return nil
	}
	s.byFol[folder] = sessionID
	return WriteJSONAtomic(s.path, s.byFol)
}

// Clear drops a group's session.
func (s *Sessions) Clear(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byFol[folder]; !ok {
		return nil
	}
	delete(s.byFol, folder)
	return WriteJSONAtomic(s.path, s.byFol)
}
