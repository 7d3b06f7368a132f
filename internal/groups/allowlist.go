package groups

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MountAllowlist is the set of host paths that may appear as extra mounts.
// The file lives outside the project root and is itself never mounted into
// any sandbox.
type MountAllowlist struct {
	paths map[string]bool
}

type allowlistFile struct {
	AllowedPaths []string `json:"allowed_paths"`
}

// LoadMountAllowlist reads the allowlist file. A missing file yields an
// empty allowlist: every extra mount is denied.
func LoadMountAllowlist(path string) (*MountAllowlist, error) {
	al := &MountAllowlist{paths: map[string]bool{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return al, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	for _, p := range f.AllowedPaths {
		al.paths[filepath.Clean(p)] = true
	}
	return al, nil
}

// Allows reports whether hostPath is covered: either listed exactly or
// under a listed directory.
func (a *MountAllowlist) Allows(hostPath string) bool {
	clean := filepath.Clean(hostPath)
	if a.paths[clean] {
		return true
	}
	for p := range a.paths {
		if strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// FilterMounts drops extra mounts whose host path is not allowlisted,
// logging each denial. The container starts without the denied mounts.
func (a *MountAllowlist) FilterMounts(mounts []ExtraMount, logger *slog.Logger) []ExtraMount {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var out []ExtraMount
	for _, m := range mounts {
		if !a.Allows(m.HostPath) {
			logger.Warn("extra mount denied by allowlist", "host_path", m.HostPath)
			continue
		}
		out = append(out, m)
	}
	return out
}
