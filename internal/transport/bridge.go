// Package transport is the WhatsApp side of the orchestrator: a WebSocket
// client for a bridge process that speaks the actual WhatsApp protocol.
// Inbound traffic is persisted to the store; the intake loop never touches
// the socket directly.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvyas/majordomo/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
	listGroupsWait   = 10 * time.Second
)

// GroupInfo is one chat group as reported by the bridge.
type GroupInfo struct {
	JID          string
	Name         string
	LastActivity time.Time
}

// wire is the JSON frame exchanged with the bridge, both directions.
type wire struct {
	Type string `json:"type"`

	// message event
	ID         string `json:"id,omitempty"`
	Chat       string `json:"chat,omitempty"`
	ChatName   string `json:"chat_name,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	FromMe     bool   `json:"from_me,omitempty"`

	// chat_update event
	JID  string `json:"jid,omitempty"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`

	// outbound send / typing
	To    string `json:"to,omitempty"`
	State bool   `json:"state,omitempty"`

	// list_groups request/response
	RequestID string      `json:"request_id,omitempty"`
	Groups    []wireGroup `json:"groups,omitempty"`
}

type wireGroup struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LID          string `json:"lid,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// Bridge is the WebSocket client. Reconnects with exponential backoff and
// terminates only on an explicit logged_out event from the bridge.
type Bridge struct {
	url        string
	store      *store.Store
	registered func(jid string) bool
	logger     *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	started   atomic.Bool
	loggedOut chan struct{}
	logoutOne sync.Once

	lidMu sync.RWMutex
	lids  map[string]string // alternate id -> canonical jid

	pendMu  sync.Mutex
	pending map[string]chan []GroupInfo
}

// NewBridge creates a client for the bridge at url. registered reports
// whether a chat jid belongs to a registered group; message bodies are only
// persisted for those.
func NewBridge(url string, st *store.Store, registered func(jid string) bool, opts ...Option) *Bridge {
	b := &Bridge{
		url:        url,
		store:      st,
		registered: registered,
		logger:     slog.New(slog.DiscardHandler),
		loggedOut:  make(chan struct{}),
		lids:       map[string]string{},
		pending:    map[string]chan []GroupInfo{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start connects and launches the receive loop. Calling it twice is a
// no-op.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.connect(); err != nil {
		b.logger.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go b.listen(ctx)
	return nil
}

// LoggedOut is closed when the bridge reports the WhatsApp session was
// logged out. The caller should shut down and require re-authentication.
func (b *Bridge) LoggedOut() <-chan struct{} { return b.loggedOut }

// Close tears down the current connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

// Send delivers text to a chat.
func (b *Bridge) Send(_ context.Context, jid, text string) error {
	return b.write(wire{Type: "message", To: b.CanonicalJID(jid), Content: text})
}

// SendMarkdown formats a Markdown reply for WhatsApp and sends it.
func (b *Bridge) SendMarkdown(ctx context.Context, jid, md string) error {
	return b.Send(ctx, jid, FormatMarkdown(md))
}

// SetTyping toggles the typing indicator in a chat. Failures are not
// actionable for callers, only logged.
func (b *Bridge) SetTyping(jid string, on bool) {
	if err := b.write(wire{Type: "typing", To: b.CanonicalJID(jid), State: on}); err != nil {
		b.logger.Debug("set typing failed", "jid", jid, "error", err)
	}
}

// ListGroups asks the bridge for all known chat groups and waits for the
// correlated response.
func (b *Bridge) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ch := make(chan []GroupInfo, 1)

	b.pendMu.Lock()
	b.pending[id] = ch
	b.pendMu.Unlock()
	defer func() {
		b.pendMu.Lock()
		delete(b.pending, id)
		b.pendMu.Unlock()
	}()

	if err := b.write(wire{Type: "list_groups", RequestID: id}); err != nil {
		return nil, err
	}

	select {
	case groups := <-ch:
		return groups, nil
	case <-time.After(listGroupsWait):
		return nil, fmt.Errorf("list_groups: no response within %s", listGroupsWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CanonicalJID resolves alternate ("LID") identifiers the bridge sometimes
// uses for the self chat back to the canonical jid.
func (b *Bridge) CanonicalJID(jid string) string {
	b.lidMu.RLock()
	defer b.lidMu.RUnlock()
	if canonical, ok := b.lids[jid]; ok {
		return canonical
	}
	return jid
}

func (b *Bridge) learnLID(lid, jid string) {
	if lid == "" || jid == "" || lid == jid {
		return
	}
	b.lidMu.Lock()
	b.lids[lid] = jid
	b.lidMu.Unlock()
}

func (b *Bridge) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", b.url, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Info("bridge connected", "url", b.url)
	return nil
}

func (b *Bridge) write(msg wire) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

// listen reads frames until logout or context cancellation, reconnecting
// with capped exponential backoff on any read failure.
func (b *Bridge) listen(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.loggedOut:
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		if conn == nil {
			b.logger.Info("bridge reconnecting", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := b.connect(); err != nil {
				b.logger.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			b.logger.Warn("bridge read error, will reconnect", "error", err)
			b.mu.Lock()
			if b.conn != nil {
				b.conn.Close()
				b.conn = nil
			}
			b.mu.Unlock()
			continue
		}

		var msg wire
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("invalid bridge frame", "error", err)
			continue
		}
		b.dispatch(ctx, msg)
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg wire) {
	switch msg.Type {
	case "message":
		b.handleMessage(ctx, msg)
	case "chat_update":
		b.handleChatUpdate(ctx, msg)
	case "groups":
		b.handleGroups(msg)
	case "logged_out":
		b.logger.Error("bridge session logged out, re-authentication required")
		b.logoutOne.Do(func() { close(b.loggedOut) })
		b.Close()
	default:
		b.logger.Debug("unknown bridge frame", "type", msg.Type)
	}
}

// handleMessage persists chat metadata for every chat and the message body
// only for registered ones.
func (b *Bridge) handleMessage(ctx context.Context, msg wire) {
	chatJID := b.CanonicalJID(msg.Chat)
	if chatJID == "" {
		return
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		b.logger.Warn("message with bad timestamp", "chat", chatJID, "ts", msg.Timestamp)
		return
	}

	if err := b.store.StoreChat(ctx, store.Chat{
		JID: chatJID, DisplayName: msg.ChatName, LastMessageTime: ts,
	}); err != nil {
		b.logger.Error("store chat failed", "chat", chatJID, "error", err)
		return
	}

	if !b.registered(chatJID) {
		return
	}
	if err := b.store.StoreMessage(ctx, store.Message{
		ID:            msg.ID,
		ChatJID:       chatJID,
		SenderName:    msg.SenderName,
		FromAssistant: msg.FromMe,
		Content:       msg.Content,
		Timestamp:     ts,
	}); err != nil {
		b.logger.Error("store message failed", "chat", chatJID, "id", msg.ID, "error", err)
	}
}

func (b *Bridge) handleChatUpdate(ctx context.Context, msg wire) {
	jid := msg.JID
	if jid == "" {
		return
	}
	b.learnLID(msg.LID, jid)

	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			ts = parsed
		}
	}
	if err := b.store.StoreChat(ctx, store.Chat{JID: jid, DisplayName: msg.Name, LastMessageTime: ts}); err != nil {
		b.logger.Error("store chat failed", "chat", jid, "error", err)
	}
}

func (b *Bridge) handleGroups(msg wire) {
	groups := make([]GroupInfo, 0, len(msg.Groups))
	for _, g := range msg.Groups {
		b.learnLID(g.LID, g.JID)
		info := GroupInfo{JID: g.JID, Name: g.Name}
		if g.LastActivity != "" {
			if ts, err := time.Parse(time.RFC3339, g.LastActivity); err == nil {
				info.LastActivity = ts
			}
		}
		groups = append(groups, info)
	}

	b.pendMu.Lock()
	ch, ok := b.pending[msg.RequestID]
	b.pendMu.Unlock()
	if !ok {
		b.logger.Debug("groups response without waiter", "request_id", msg.RequestID)
		return
	}
	select {
	case ch <- groups:
	default:
	}
}
