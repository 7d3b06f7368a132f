// Package groups manages the registered-group registry, per-group agent
// sessions, and router state. All files are small JSON documents written
// via tmp→rename so concurrent readers always see a consistent version.
package groups

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

// MainFolder is the privileged group. It receives every message without a
// trigger and its IPC payloads may target any group.
const MainFolder = "main"

// ExtraMount declares an additional host path mounted into a group's
// container. Host paths must appear in the mount allowlist.
type ExtraMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"readonly"`
}

// Group is one registered chat group.
type Group struct {
	JID         string       `json:"jid"`
	Name        string       `json:"name"`
	Folder      string       `json:"folder"`
	Trigger     string       `json:"trigger"`
	AddedAt     time.Time    `json:"added_at"`
	ExtraMounts []ExtraMount `json:"extra_mounts,omitempty"`
}

// IsMain reports whether this is the privileged group.
func (g Group) IsMain() bool { return g.Folder == MainFolder }

// Registry holds the registered groups, backed by registered_groups.json.
type Registry struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	byJID  map[string]Group
	loaded bool
}

// NewRegistry creates a registry persisted at dataDir/registered_groups.json.
func NewRegistry(dataDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		path:   filepath.Join(dataDir, "registered_groups.json"),
		logger: logger,
		byJID:  map[string]Group{},
	}
}

// Load reads the registry file. A missing file is an empty registry.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var m map[string]Group
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	r.byJID = map[string]Group{}
	for jid, g := range m {
		g.JID = jid
		r.byJID[jid] = g
	}
	r.loaded = true
	return nil
}

// Get returns the group registered under jid.
func (r *Registry) Get(jid string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byJID[jid]
	return g, ok
}

// GetByFolder returns the group with the given folder slug.
func (r *Registry) GetByFolder(folder string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byJID {
		if g.Folder == folder {
			return g, true
		}
	}
	return Group{}, false
}

// All returns every registered group sorted by folder.
func (r *Registry) All() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.byJID))
	for _, g := range r.byJID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// JIDs returns the registered chat jids.
func (r *Registry) JIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byJID))
	for jid := range r.byJID {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

// Triggers returns all trigger words, used as bot prefixes for the store's
// self-loop guard.
func (r *Registry) Triggers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, g := range r.byJID {
		t := strings.TrimPrefix(g.Trigger, "@")
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Add registers a group and persists the registry. Folder slugs must be
// unique and filesystem-safe.
func (r *Registry) Add(g Group) error {
	if err := ValidateFolder(g.Folder); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for jid, existing := range r.byJID {
		if existing.Folder == g.Folder && jid != g.JID {
			return fmt.Errorf("folder %q already registered to %s", g.Folder, jid)
		}
	}
	r.byJID[g.JID] = g
	return r.saveLocked()
}

// Remove unregisters a group.
func (r *Registry) Remove(jid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byJID[jid]; !ok {
		return fmt.Errorf("group %s not registered", jid)
	}
	delete(r.byJID, jid)
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	m := map[string]Group{}
	for jid, g := range r.byJID {
		m[jid] = g
	}
	return WriteJSONAtomic(r.path, m)
}

// ValidateFolder rejects folder slugs that are unsafe as directory names.
func ValidateFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("folder must not be empty")
	}
	for _, r := range folder {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("folder %q contains unsafe character %q", folder, r)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it via tmp→rename so readers never
// observe a partial file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
