// Package ipc watches the file-drop tree agents write into and dispatches
// each payload to the tools handler. The directory a file lands in is the
// payload's identity; nothing inside the file can widen it.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/store"
	"github.com/nvyas/majordomo/internal/tools"
	"github.com/nvyas/majordomo/internal/transport"
)

const (
	scanInterval = time.Second
	// errorsDir collects payloads that failed to parse or dispatch
	errorsDir = "errors"
	// groupSyncMaxAge triggers a metadata refresh on startup
	groupSyncMaxAge = 24 * time.Hour
)

// payload subdirectories inside each group's IPC dir
var payloadDirs = []string{"messages", "tasks"}

// Handler consumes one decoded payload.
type Handler interface {
	Handle(ctx context.Context, typ string, payload json.RawMessage, src tools.Source) error
}

// GroupLister fetches group metadata from the transport.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]transport.GroupInfo, error)
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// Broker scans data/ipc/<group>/{messages,tasks} for JSON payload files.
// Files are deleted once handled; failures are moved aside, never retried.
type Broker struct {
	ipcDir   string
	store    *store.Store
	registry *groups.Registry
	lister   GroupLister
	handler  Handler
	logger   *slog.Logger

	started atomic.Bool
	watched map[string]bool
}

// New creates a broker over the given IPC root.
func New(ipcDir string, st *store.Store, reg *groups.Registry, lister GroupLister,
	handler Handler, opts ...Option) *Broker {
	b := &Broker{
		ipcDir:   ipcDir,
		store:    st,
		registry: reg,
		lister:   lister,
		handler:  handler,
		logger:   slog.New(slog.DiscardHandler),
		watched:  make(map[string]bool),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the scan loop. A filesystem watcher shortens latency when
// available; the ticker alone is enough for correctness. Calling Start
// twice is a no-op.
func (b *Broker) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		if stale, err := b.syncIsStale(ctx); err == nil && stale {
			if err := b.Refresh(ctx); err != nil {
				b.logger.Warn("initial group refresh failed", "error", err)
			}
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			b.logger.Warn("ipc watcher unavailable, polling only", "error", err)
		} else {
			defer watcher.Close()
		}

		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()

		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			b.Scan(ctx)
			if watcher != nil {
				b.watchGroupDirs(watcher)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				b.logger.Warn("ipc watcher error", "error", err)
			}
		}
	}()
}

// watchGroupDirs adds payload directories of registered groups to the
// watcher as they appear.
func (b *Broker) watchGroupDirs(w *fsnotify.Watcher) {
	for _, g := range b.registry.All() {
		for _, sub := range payloadDirs {
			dir := filepath.Join(b.ipcDir, g.Folder, sub)
			if b.watched[dir] {
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				continue
			}
			if err := w.Add(dir); err == nil {
				b.watched[dir] = true
			}
		}
	}
}

// Scan processes every pending payload file once. Files are handled in
// name order, messages before tasks.
func (b *Broker) Scan(ctx context.Context) {
	entries, err := os.ReadDir(b.ipcDir)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Error("read ipc root failed", "error", err)
		}
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		folder := e.Name()
		g, registered := b.registry.GetByFolder(folder)
		src := tools.Source{Group: folder, IsMain: registered && g.IsMain()}

		for _, sub := range payloadDirs {
			dir := filepath.Join(b.ipcDir, folder, sub)
			for _, path := range listPayloads(dir) {
				if ctx.Err() != nil {
					return
				}
				if !registered {
					b.logger.Warn("payload from unregistered group", "group", folder, "file", path)
					b.quarantine(folder, path)
					continue
				}
				b.process(ctx, path, src)
			}
		}
	}
}

// listPayloads returns the .json files in dir sorted by name. In-flight
// atomic writes carry a .tmp suffix and are never picked up.
func listPayloads(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths
}

type envelope struct {
	Type string `json:"type"`
}

// process handles one payload file. Success deletes it; any failure moves
// it aside so a bad payload cannot wedge the queue.
func (b *Broker) process(ctx context.Context, path string, src tools.Source) {
	data, err := os.ReadFile(path)
	if err != nil {
		b.logger.Error("read payload failed", "file", path, "error", err)
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		b.logger.Warn("malformed payload", "group", src.Group, "file", path, "error", err)
		b.quarantine(src.Group, path)
		return
	}

	if err := b.handler.Handle(ctx, env.Type, data, src); err != nil {
		b.logger.Warn("payload rejected", "group", src.Group, "type", env.Type,
			"file", filepath.Base(path), "error", err)
		b.quarantine(src.Group, path)
		return
	}

	b.logger.Info("payload handled", "group", src.Group, "type", env.Type)
	if err := os.Remove(path); err != nil {
		b.logger.Error("remove handled payload failed", "file", path, "error", err)
	}
}

// quarantine moves a failed payload into the errors directory, prefixed
// with its source group so collisions across groups cannot happen.
func (b *Broker) quarantine(group, path string) {
	dir := filepath.Join(b.ipcDir, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Error("create errors dir failed", "error", err)
		return
	}
	dest := filepath.Join(dir, group+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		b.logger.Error("quarantine payload failed", "file", path, "error", err)
	}
}

func (b *Broker) syncIsStale(ctx context.Context) (bool, error) {
	last, err := b.store.LastGroupSync(ctx)
	if err != nil {
		return false, err
	}
	return time.Since(last) > groupSyncMaxAge, nil
}

// snapshot document shapes written into each group's IPC dir
type groupSnapshot struct {
	Groups   []groupEntry `json:"groups"`
	LastSync string       `json:"lastSync"`
}

type groupEntry struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity,omitempty"`
	IsRegistered bool   `json:"isRegistered"`
}

type taskEntry struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	NextRun       string `json:"nextRun"`
	Status        string `json:"status"`
}

// Refresh pulls group metadata from the transport, syncs it into the
// store, and rewrites the per-group snapshot files. Main sees every chat
// the transport knows; other groups only see registered ones.
func (b *Broker) Refresh(ctx context.Context) error {
	infos, err := b.lister.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	now := time.Now().UTC()
	for _, gi := range infos {
		chat := store.Chat{JID: gi.JID, DisplayName: gi.Name, LastMessageTime: gi.LastActivity}
		if err := b.store.StoreChat(ctx, chat); err != nil {
			return err
		}
	}
	if err := b.store.SetLastGroupSync(ctx, now); err != nil {
		return err
	}

	all := make([]groupEntry, 0, len(infos))
	registeredOnly := make([]groupEntry, 0, len(infos))
	for _, gi := range infos {
		_, registered := b.registry.Get(gi.JID)
		entry := groupEntry{JID: gi.JID, Name: gi.Name, IsRegistered: registered}
		if !gi.LastActivity.IsZero() {
			entry.LastActivity = gi.LastActivity.UTC().Format(time.RFC3339)
		}
		all = append(all, entry)
		if registered {
			registeredOnly = append(registeredOnly, entry)
		}
	}

	lastSync := now.Format(time.RFC3339)
	for _, g := range b.registry.All() {
		visible := registeredOnly
		taskScope := g.Folder
		if g.IsMain() {
			visible = all
			taskScope = ""
		}

		snap := groupSnapshot{Groups: visible, LastSync: lastSync}
		if err := b.writeSnapshot(g.Folder, "available_groups.json", snap); err != nil {
			return err
		}

		tasks, err := b.store.ListTasks(ctx, taskScope)
		if err != nil {
			return err
		}
		entries := make([]taskEntry, 0, len(tasks))
		for _, t := range tasks {
			entries = append(entries, taskEntry{
				ID: t.ID, GroupFolder: t.GroupFolder, Prompt: t.Prompt,
				ScheduleType: t.ScheduleType, ScheduleValue: t.ScheduleValue,
				ContextMode: t.ContextMode, NextRun: t.NextRun.UTC().Format(time.RFC3339),
				Status: t.Status,
			})
		}
		if err := b.writeSnapshot(g.Folder, "current_tasks.json", entries); err != nil {
			return err
		}
	}

	b.logger.Info("group metadata refreshed", "chats", len(infos))
	return nil
}

func (b *Broker) writeSnapshot(folder, name string, v any) error {
	return groups.WriteJSONAtomic(filepath.Join(b.ipcDir, folder, name), v)
}
