// Package tools implements the handlers behind IPC payloads: outbound
// messages, task management, group registration, KB operations, and
// external CLI invocations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvyas/majordomo/internal/config"
	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/store"
)

var (
	// ErrUnauthorized marks a payload that tried to act outside its source
	// group's scope.
	ErrUnauthorized = errors.New("tools: unauthorized")

	// ErrInvalidPayload marks a payload missing required fields or carrying
	// unusable values.
	ErrInvalidPayload = errors.New("tools: invalid payload")

	// ErrUnknownType marks a payload type with no handler.
	ErrUnknownType = errors.New("tools: unknown payload type")
)

// Sender is the transport slice handlers need for replies.
type Sender interface {
	SendMarkdown(ctx context.Context, jid, text string) error
}

// SnapshotRefresher forces a group metadata sync and snapshot rewrite.
// Implemented by the IPC broker.
type SnapshotRefresher interface {
	Refresh(ctx context.Context) error
}

// Source identifies the IPC directory a payload came from. The directory
// is the identity; payload fields never widen it.
type Source struct {
	Group  string
	IsMain bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// Handler dispatches IPC payloads by type.
type Handler struct {
	store     *store.Store
	registry  *groups.Registry
	kb        *kb.Service
	sender    Sender
	refresher SnapshotRefresher
	cfg       config.ToolsConfig
	name      string
	tz        *time.Location
	groupsDir string
	ipcDir    string
	logger    *slog.Logger
}

// New creates the payload dispatcher. refresher may be set later with
// SetRefresher to break the construction cycle with the IPC broker.
func New(st *store.Store, reg *groups.Registry, kbSvc *kb.Service, sender Sender,
	cfg config.ToolsConfig, name string, tz *time.Location, groupsDir, ipcDir string, opts ...Option) *Handler {
	if tz == nil {
		tz = time.UTC
	}
	h := &Handler{
		store:     st,
		registry:  reg,
		kb:        kbSvc,
		sender:    sender,
		cfg:       cfg,
		name:      name,
		tz:        tz,
		groupsDir: groupsDir,
		ipcDir:    ipcDir,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetRefresher wires the broker's snapshot refresh after construction.
func (h *Handler) SetRefresher(r SnapshotRefresher) { h.refresher = r }

// Handle dispatches one payload. The returned error tells the broker to
// move the file to the error directory.
func (h *Handler) Handle(ctx context.Context, typ string, payload json.RawMessage, src Source) error {
	switch typ {
	case "message":
		return h.handleMessage(ctx, payload, src)
	case "schedule_task":
		return h.handleScheduleTask(ctx, payload, src)
	case "pause_task":
		return h.handleTaskStatus(ctx, payload, src, store.TaskPaused)
	case "resume_task":
		return h.handleTaskStatus(ctx, payload, src, store.TaskActive)
	case "cancel_task":
		return h.handleCancelTask(ctx, payload, src)
	case "register_group":
		return h.handleRegisterGroup(ctx, payload, src)
	case "refresh_groups":
		return h.handleRefreshGroups(ctx, src)
	case "kb_add":
		return h.handleKBAdd(ctx, payload, src)
	case "kb_search":
		return h.handleKBSearch(ctx, payload, src)
	case "kb_list":
		return h.handleKBList(ctx, src)
	case "kb_update":
		return h.handleKBUpdate(ctx, payload, src)
	case "kb_delete":
		return h.handleKBDelete(ctx, payload, src)
	case "github_review", "github_status":
		return h.handleGithub(ctx, typ, payload, src)
	case "sugar_run", "sugar_status":
		return h.handleSugar(ctx, typ, payload, src)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// chatBelongsTo reports whether a chat jid is the source group's own chat.
func (h *Handler) chatBelongsTo(jid, group string) bool {
	g, ok := h.registry.Get(jid)
	return ok && g.Folder == group
}

// targetGroup resolves the group a payload acts on: main may name any
// registered group, everyone else is pinned to its own.
func (h *Handler) targetGroup(requested string, src Source) (string, error) {
	if requested == "" || requested == src.Group {
		return src.Group, nil
	}
	if !src.IsMain {
		return "", fmt.Errorf("%w: group %q may not act on %q", ErrUnauthorized, src.Group, requested)
	}
	if _, ok := h.registry.GetByFolder(requested); !ok {
		return "", fmt.Errorf("%w: group %q is not registered", ErrInvalidPayload, requested)
	}
	return requested, nil
}
