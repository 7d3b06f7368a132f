package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RouterState tracks how far the intake loop has progressed: the global
// high-water timestamp and, per chat, the timestamp of the last message the
// agent handled. It only advances after a message is fully handled, which
// is what gives at-least-once delivery with in-order retry.
type RouterState struct {
	path string

	mu        sync.Mutex
	last      time.Time
	lastAgent map[string]time.Time
}

type routerStateFile struct {
	LastTimestamp      string            `json:"last_timestamp"`
	LastAgentTimestamp map[string]string `json:"last_agent_timestamp"`
}

// NewRouterState creates state persisted at dataDir/router_state.json.
func NewRouterState(dataDir string) *RouterState {
	return &RouterState{
		path:      filepath.Join(dataDir, "router_state.json"),
		lastAgent: map[string]time.Time{},
	}
}

// Load reads router_state.json. A missing file means starting from zero.
func (s *RouterState) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read router state: %w", err)
	}
	var f routerStateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse router state: %w", err)
	}
	if f.LastTimestamp != "" {
		if s.last, err = time.Parse(time.RFC3339, f.LastTimestamp); err != nil {
			return fmt.Errorf("parse last_timestamp: %w", err)
		}
	}
	s.lastAgent = map[string]time.Time{}
	for jid, v := range f.LastAgentTimestamp {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("parse last_agent_timestamp[%s]: %w", jid, err)
		}
		s.lastAgent[jid] = t
	}
	return nil
}

// LastTimestamp returns the global high-water mark.
func (s *RouterState) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// LastAgentTimestamp returns the last handled message time for a chat.
func (s *RouterState) LastAgentTimestamp(jid string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAgent[jid]
}

// Advance records a fully handled message: moves the chat's agent timestamp
// and the global mark, then persists. Never called on failure, so the
// failing message is the next one retried.
func (s *RouterState) Advance(jid string, handled time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAgent[jid] = handled
	if handled.After(s.last) {
		s.last = handled
	}
	return s.saveLocked()
}

// AdvanceGlobal moves only the global watermark. Messages skipped without
// an agent run use this so they still appear in the chat's next context
// window.
func (s *RouterState) AdvanceGlobal(seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen.After(s.last) {
		s.last = seen
	}
	return s.saveLocked()
}

func (s *RouterState) saveLocked() error {
	f := routerStateFile{LastAgentTimestamp: map[string]string{}}
	if !s.last.IsZero() {
		f.LastTimestamp = s.last.UTC().Format(time.RFC3339Nano)
	}
	for jid, t := range s.lastAgent {
		f.LastAgentTimestamp[jid] = t.UTC().Format(time.RFC3339Nano)
	}
	return WriteJSONAtomic(s.path, f)
}
