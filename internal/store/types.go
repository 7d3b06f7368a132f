package store

import "time"

// Chat is transport-level chat metadata. Chats are created lazily on the
// first observed message and updated by metadata sync.
type Chat struct {
	JID             string
	DisplayName     string
	LastMessageTime time.Time
}

// Message is one observed chat message. Immutable once written.
type Message struct {
	ID            string
	ChatJID       string
	SenderName    string
	FromAssistant bool
	Content       string
	Timestamp     time.Time
}

// Task schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
	TaskDone   = "done"
	TaskFailed = "failed"
)

// Task is a scheduled agent run. Active tasks always have a future NextRun
// unless they are one-shots already due.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron | interval | once
	ScheduleValue string // cron expr / interval ms / ISO timestamp
	ContextMode   string // group | isolated
	NextRun       time.Time
	Status        string // active | paused | done | failed
	CreatedAt     time.Time
}

// KB source types.
const (
	SourceArticle = "article"
	SourceVideo   = "video"
	SourcePDF     = "pdf"
	SourceText    = "text"
	SourceTweet   = "tweet"
	SourceOther   = "other"
)

// KBSource is an ingested knowledge-base document. ContentHash is the
// SHA-256 of the cleaned content; (GroupFolder, ContentHash) and
// (GroupFolder, URL) are unique.
type KBSource struct {
	ID          string
	GroupFolder string
	URL         string // normalized; empty for text sources
	Title       string
	SourceType  string
	RawContent  string
	ContentHash string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KBChunk is a sub-window of a source's cleaned content, the unit of
// embedding and retrieval. Deleting a source deletes its chunks.
type KBChunk struct {
	ID                string
	SourceID          string
	ChunkIndex        int
	Content           string
	Embedding         []float32 // nil when the provider was unavailable
	EmbeddingDim      int
	EmbeddingProvider string
	EmbeddingModel    string
	CreatedAt         time.Time
}
