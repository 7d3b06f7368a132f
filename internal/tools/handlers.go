package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/scheduler"
	"github.com/nvyas/majordomo/internal/store"
)

type messagePayload struct {
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

func (h *Handler) handleMessage(ctx context.Context, payload json.RawMessage, src Source) error {
	var p messagePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ChatJID == "" || p.Text == "" {
		return fmt.Errorf("%w: message needs chatJid and text", ErrInvalidPayload)
	}
	if !src.IsMain && !h.chatBelongsTo(p.ChatJID, src.Group) {
		return fmt.Errorf("%w: group %q may not message chat %s", ErrUnauthorized, src.Group, p.ChatJID)
	}
	return h.sender.SendMarkdown(ctx, p.ChatJID, p.Text)
}

type scheduleTaskPayload struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	GroupFolder   string `json:"groupFolder"`
}

func (h *Handler) handleScheduleTask(ctx context.Context, payload json.RawMessage, src Source) error {
	var p scheduleTaskPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.Prompt == "" {
		return fmt.Errorf("%w: schedule_task needs a prompt", ErrInvalidPayload)
	}

	folder, err := h.targetGroup(p.GroupFolder, src)
	if err != nil {
		return err
	}
	// the chat jid always comes from the registry, never the payload
	g, ok := h.registry.GetByFolder(folder)
	if !ok {
		return fmt.Errorf("%w: group %q is not registered", ErrInvalidPayload, folder)
	}

	mode := p.ContextMode
	if mode == "" {
		mode = store.ContextIsolated
	}
	if mode != store.ContextGroup && mode != store.ContextIsolated {
		return fmt.Errorf("%w: unknown context mode %q", ErrInvalidPayload, mode)
	}

	now := time.Now().UTC()
	next, err := scheduler.FirstRun(p.ScheduleType, p.ScheduleValue, now, h.tz)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	task := store.Task{
		ID:            uuid.Must(uuid.NewV7()).String(),
		GroupFolder:   folder,
		ChatJID:       g.JID,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   mode,
		NextRun:       next,
		Status:        store.TaskActive,
		CreatedAt:     now,
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		return err
	}
	h.logger.Info("task scheduled", "task", task.ID, "group", folder,
		"type", p.ScheduleType, "next_run", next)
	return nil
}

type taskIDPayload struct {
	TaskID string `json:"taskId"`
}

// loadScopedTask fetches a task the source is allowed to touch.
func (h *Handler) loadScopedTask(ctx context.Context, payload json.RawMessage, src Source) (store.Task, error) {
	var p taskIDPayload
	if err := decode(payload, &p); err != nil {
		return store.Task{}, err
	}
	if p.TaskID == "" {
		return store.Task{}, fmt.Errorf("%w: missing taskId", ErrInvalidPayload)
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return store.Task{}, err
	}
	if !src.IsMain && task.GroupFolder != src.Group {
		return store.Task{}, fmt.Errorf("%w: task %s belongs to %q", ErrUnauthorized, task.ID, task.GroupFolder)
	}
	return task, nil
}

// handleTaskStatus flips a task between active and paused. next_run is
// preserved so resume does not reschedule.
func (h *Handler) handleTaskStatus(ctx context.Context, payload json.RawMessage, src Source, status string) error {
	task, err := h.loadScopedTask(ctx, payload, src)
	if err != nil {
		return err
	}
	if task.Status != store.TaskActive && task.Status != store.TaskPaused {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidPayload, task.ID, task.Status)
	}
	task.Status = status
	return h.store.UpdateTask(ctx, task)
}

func (h *Handler) handleCancelTask(ctx context.Context, payload json.RawMessage, src Source) error {
	task, err := h.loadScopedTask(ctx, payload, src)
	if err != nil {
		return err
	}
	return h.store.DeleteTask(ctx, task.ID)
}

type registerGroupPayload struct {
	JID         string              `json:"jid"`
	Name        string              `json:"name"`
	Folder      string              `json:"folder"`
	Trigger     string              `json:"trigger"`
	ExtraMounts []groups.ExtraMount `json:"extraMounts,omitempty"`
}

func (h *Handler) handleRegisterGroup(ctx context.Context, payload json.RawMessage, src Source) error {
	if !src.IsMain {
		return fmt.Errorf("%w: only main may register groups", ErrUnauthorized)
	}
	var p registerGroupPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.JID == "" || p.Folder == "" || p.Trigger == "" {
		return fmt.Errorf("%w: register_group needs jid, folder, trigger", ErrInvalidPayload)
	}

	g := groups.Group{
		JID:         p.JID,
		Name:        p.Name,
		Folder:      p.Folder,
		Trigger:     p.Trigger,
		AddedAt:     time.Now().UTC(),
		ExtraMounts: p.ExtraMounts,
	}
	if err := h.registry.Add(g); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := h.seedGroupFolder(p.Folder, p.Name); err != nil {
		return err
	}
	h.logger.Info("group registered", "jid", p.JID, "folder", p.Folder)
	return nil
}

// seedGroupFolder creates the group workspace with a starter CLAUDE.md the
// agent reads as its per-group instructions.
func (h *Handler) seedGroupFolder(folder, name string) error {
	dir := filepath.Join(h.groupsDir, folder)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create group folder: %w", err)
	}
	seedPath := filepath.Join(dir, "CLAUDE.md")
	if _, err := os.Stat(seedPath); err == nil {
		return nil
	}
	seed := fmt.Sprintf("# %s\n\nInstructions for the %s group. Edit this file to steer the agent.\n", name, folder)
	if err := os.WriteFile(seedPath, []byte(seed), 0o644); err != nil {
		return fmt.Errorf("write group seed: %w", err)
	}
	return nil
}

func (h *Handler) handleRefreshGroups(ctx context.Context, src Source) error {
	if !src.IsMain {
		return fmt.Errorf("%w: only main may refresh groups", ErrUnauthorized)
	}
	if h.refresher == nil {
		return fmt.Errorf("refresh_groups: no refresher wired")
	}
	return h.refresher.Refresh(ctx)
}

type kbAddPayload struct {
	URL         string   `json:"url,omitempty"`
	Content     string   `json:"content,omitempty"`
	Title       string   `json:"title,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Type        string   `json:"type,omitempty"`
	GroupFolder string   `json:"groupFolder,omitempty"`
}

func (h *Handler) handleKBAdd(ctx context.Context, payload json.RawMessage, src Source) error {
	var p kbAddPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	folder, err := h.targetGroup(p.GroupFolder, src)
	if err != nil {
		return err
	}
	_, err = h.kb.Ingest(ctx, kb.IngestRequest{
		GroupFolder: folder,
		URL:         p.URL,
		Content:     p.Content,
		Title:       p.Title,
		Tags:        p.Tags,
		TypeHint:    p.Type,
	})
	return err
}

type kbSearchPayload struct {
	Query          string  `json:"query"`
	Limit          int     `json:"limit,omitempty"`
	MinSimilarity  float64 `json:"minSimilarity,omitempty"`
	DedupeBySource bool    `json:"dedupeBySource,omitempty"`
}

// handleKBSearch writes results to the group's IPC directory so the agent
// can read them on its next run.
func (h *Handler) handleKBSearch(ctx context.Context, payload json.RawMessage, src Source) error {
	var p kbSearchPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	results, err := h.kb.Search(ctx, kb.SearchRequest{
		Query:          p.Query,
		GroupFolder:    src.Group,
		Limit:          p.Limit,
		MinSimilarity:  p.MinSimilarity,
		DedupeBySource: p.DedupeBySource,
	})
	if err != nil {
		return err
	}
	out := struct {
		Query   string            `json:"query"`
		Results []kb.SearchResult `json:"results"`
		At      string            `json:"at"`
	}{p.Query, results, time.Now().UTC().Format(time.RFC3339)}
	return h.writeGroupFile(src.Group, "kb_results.json", out)
}

func (h *Handler) handleKBList(ctx context.Context, src Source) error {
	sources, err := h.kb.List(ctx, src.Group)
	if err != nil {
		return err
	}
	type entry struct {
		ID         string   `json:"id"`
		URL        string   `json:"url,omitempty"`
		Title      string   `json:"title"`
		SourceType string   `json:"sourceType"`
		Tags       []string `json:"tags,omitempty"`
		CreatedAt  string   `json:"createdAt"`
	}
	entries := make([]entry, 0, len(sources))
	for _, s := range sources {
		entries = append(entries, entry{
			ID: s.ID, URL: s.URL, Title: s.Title, SourceType: s.SourceType,
			Tags: s.Tags, CreatedAt: s.CreatedAt.Format(time.RFC3339),
		})
	}
	return h.writeGroupFile(src.Group, "kb_sources.json", entries)
}

type kbUpdatePayload struct {
	SourceID string   `json:"sourceId"`
	Content  string   `json:"content,omitempty"`
	Title    string   `json:"title,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (h *Handler) handleKBUpdate(ctx context.Context, payload json.RawMessage, src Source) error {
	var p kbUpdatePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := h.kb.Update(ctx, kb.UpdateRequest{
		GroupFolder: src.Group,
		SourceID:    p.SourceID,
		Content:     p.Content,
		Title:       p.Title,
		Tags:        p.Tags,
	})
	return err
}

type kbDeletePayload struct {
	SourceID string `json:"sourceId"`
}

func (h *Handler) handleKBDelete(ctx context.Context, payload json.RawMessage, src Source) error {
	var p kbDeletePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	return h.kb.Delete(ctx, src.Group, p.SourceID)
}

// writeGroupFile drops a JSON document into the group's IPC directory via
// tmp rename.
func (h *Handler) writeGroupFile(group, name string, v any) error {
	path := filepath.Join(h.ipcDirFor(group), name)
	return groups.WriteJSONAtomic(path, v)
}

func (h *Handler) ipcDirFor(group string) string {
	return filepath.Join(h.ipcDir, group)
}
