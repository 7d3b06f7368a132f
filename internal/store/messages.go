package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StoreChat upserts chat metadata.
func (s *Store) StoreChat(ctx context.Context, c Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (jid, display_name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET
			display_name = excluded.display_name,
			last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		c.JID, c.DisplayName, formatTS(c.LastMessageTime))
	if err != nil {
		s.logger.Error("store: store chat failed", "jid", c.JID, "error", err)
		return fmt.Errorf("store chat: %w", err)
	}
	return nil
}

// GetChat returns chat metadata, or sql.ErrNoRows wrapped when unknown.
func (s *Store) GetChat(ctx context.Context, jid string) (Chat, error) {
	var c Chat
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT jid, display_name, last_message_time FROM chats WHERE jid = ?`, jid,
	).Scan(&c.JID, &c.DisplayName, &ts)
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if c.LastMessageTime, err = parseTS(ts); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ListChats returns all known chats ordered by most recent activity.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, display_name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var ts string
		if err := rows.Scan(&c.JID, &c.DisplayName, &ts); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if c.LastMessageTime, err = parseTS(ts); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// StoreMessage inserts a message. Duplicate transport IDs are ignored so
// bridge redeliveries are harmless.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, chat_jid, sender_name, from_assistant, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.SenderName, boolToInt(m.FromAssistant), m.Content, formatTS(m.Timestamp))
	if err != nil {
		s.logger.Error("store: store message failed", "id", m.ID, "error", err)
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// GetNewMessages returns messages strictly newer than since across the given
// registered chats, oldest first. Messages whose sender matches any bot
// prefix are excluded — the self-loop guard.
func (s *Store) GetNewMessages(ctx context.Context, jids []string, since time.Time, botPrefixes []string) ([]Message, error) {
	if len(jids) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := make([]any, 0, len(jids)+len(botPrefixes)+1)
	b.WriteString(`SELECT id, chat_jid, sender_name, from_assistant, content, timestamp
		FROM messages WHERE timestamp > ? AND from_assistant = 0 AND chat_jid IN (`)
	args = append(args, formatTS(since))
	for i, jid := range jids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		args = append(args, jid)
	}
	b.WriteByte(')')
	for _, p := range botPrefixes {
		b.WriteString(` AND sender_name != ?`)
		args = append(args, p)
	}
	b.WriteString(` ORDER BY timestamp, id`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesSince returns one chat's messages at or after since, oldest
// first, excluding the assistant's own messages. This is the context window
// fed to the agent.
func (s *Store) GetMessagesSince(ctx context.Context, jid string, since time.Time, botName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_jid, sender_name, from_assistant, content, timestamp
		 FROM messages
		 WHERE chat_jid = ? AND timestamp > ? AND from_assistant = 0 AND sender_name != ?
		 ORDER BY timestamp, id`,
		jid, formatTS(since), botName)
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromAssistant int
		var ts string
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderName, &fromAssistant, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.FromAssistant = fromAssistant != 0
		var err error
		if m.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
