// Package intake polls the message store and routes triggered messages
// through the container runner, replying into the originating chat.
package intake

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/runner"
	"github.com/nvyas/majordomo/internal/store"
)

const pollInterval = 2 * time.Second

// urlPattern finds http(s) URLs embedded in chat messages.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Transport is the slice of the bridge the router needs.
type Transport interface {
	SendMarkdown(ctx context.Context, jid, text string) error
	SetTyping(jid string, on bool)
}

// AgentRunner invokes the sandboxed agent with the group's session.
type AgentRunner interface {
	RunWithSession(ctx context.Context, g groups.Group, chatJID, prompt string) (runner.Response, error)
}

// Knowledge is the slice of the KB service the router needs.
type Knowledge interface {
	Ingest(ctx context.Context, req kb.IngestRequest) (store.KBSource, error)
	Search(ctx context.Context, req kb.SearchRequest) ([]kb.SearchResult, error)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router drains new messages from the store and runs the agent for each
// one that fires. Delivery is at-least-once: the watermark only moves past
// a message after its run and reply succeeded.
type Router struct {
	store     *store.Store
	registry  *groups.Registry
	state     *groups.RouterState
	runner    AgentRunner
	transport Transport
	knowledge Knowledge
	name      string
	logger    *slog.Logger

	started atomic.Bool

	mu       sync.Mutex
	triggers map[string]*regexp.Regexp
}

// New creates a router. name is the assistant display name, used both as
// the reply prefix and to filter the assistant's own messages out of
// context windows.
func New(st *store.Store, reg *groups.Registry, state *groups.RouterState,
	run AgentRunner, tr Transport, knowledge Knowledge, name string, opts ...Option) *Router {
	r := &Router{
		store:     st,
		registry:  reg,
		state:     state,
		runner:    run,
		transport: tr,
		knowledge: knowledge,
		name:      name,
		logger:    slog.New(slog.DiscardHandler),
		triggers:  make(map[string]*regexp.Regexp),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the poll loop. Calling it twice is a no-op.
func (r *Router) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Poll(ctx)
			}
		}
	}()
}

// Poll processes every message newer than the global watermark, oldest
// first. The batch stops on the first failure so that message is retried
// next tick.
func (r *Router) Poll(ctx context.Context) {
	msgs, err := r.store.GetNewMessages(ctx, r.registry.JIDs(), r.state.LastTimestamp(), []string{r.name})
	if err != nil {
		r.logger.Error("load new messages failed", "error", err)
		return
	}
	for _, m := range msgs {
		if err := r.handle(ctx, m); err != nil {
			r.logger.Warn("message handling failed, will retry",
				"chat", m.ChatJID, "message", m.ID, "error", err)
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, m store.Message) error {
	g, ok := r.registry.Get(m.ChatJID)
	if !ok {
		// group was removed after the query; nothing left to do for it
		return r.state.AdvanceGlobal(m.Timestamp)
	}

	if !g.IsMain() && !r.triggerFires(g.Trigger, m.Content) {
		// skipped chatter stays visible in the chat's next context window
		return r.state.AdvanceGlobal(m.Timestamp)
	}

	for _, u := range urlPattern.FindAllString(m.Content, -1) {
		go r.sideIngest(g.Folder, u)
	}

	prompt, err := r.buildPrompt(ctx, g, m)
	if err != nil {
		return err
	}

	r.transport.SetTyping(m.ChatJID, true)
	resp, err := r.runner.RunWithSession(ctx, g, m.ChatJID, prompt)
	r.transport.SetTyping(m.ChatJID, false)
	if err != nil {
		if transientRunError(err) {
			return fmt.Errorf("agent run: %w", err)
		}
		return r.replyError(ctx, m, err.Error())
	}
	if resp.Status != "ok" {
		return r.replyError(ctx, m, resp.Error)
	}

	if resp.Result != "" {
		if err := r.transport.SendMarkdown(ctx, m.ChatJID, r.name+": "+resp.Result); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}

	r.logger.Info("message handled", "group", g.Folder, "chat", m.ChatJID, "message", m.ID)
	return r.state.Advance(m.ChatJID, m.Timestamp)
}

// transientRunError reports failures worth retrying on the next poll.
// Everything else is terminal: reported into the chat, message consumed.
func transientRunError(err error) bool {
	return errors.Is(err, runner.ErrTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// replyError reports a terminal run failure into the chat and consumes the
// message. A failed send keeps the watermark so the report is retried.
func (r *Router) replyError(ctx context.Context, m store.Message, msg string) error {
	if err := r.transport.SendMarkdown(ctx, m.ChatJID, r.name+": Error: "+msg); err != nil {
		return fmt.Errorf("send error reply: %w", err)
	}
	r.logger.Warn("agent run failed terminally", "chat", m.ChatJID, "message", m.ID, "error", msg)
	return r.state.Advance(m.ChatJID, m.Timestamp)
}

// triggerFires reports whether content starts with the trigger as a whole
// word, case-insensitively. A mid-word match does not fire.
func (r *Router) triggerFires(trigger, content string) bool {
	if trigger == "" {
		return false
	}
	r.mu.Lock()
	re, ok := r.triggers[trigger]
	if !ok {
		re = regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(trigger) + `\b`)
		r.triggers[trigger] = re
	}
	r.mu.Unlock()
	return re.MatchString(strings.TrimSpace(content))
}

// sideIngest feeds a URL seen in chat into the KB. Fire and forget; the
// message flow never waits on extraction.
func (r *Router) sideIngest(folder, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := r.knowledge.Ingest(ctx, kb.IngestRequest{GroupFolder: folder, URL: url}); err != nil {
		r.logger.Info("url side-ingest skipped", "group", folder, "url", url, "error", err)
	}
}

// buildPrompt assembles the agent prompt: an optional knowledge block
// followed by the chat context window since the assistant last spoke in
// this chat, capped at the message being handled.
func (r *Router) buildPrompt(ctx context.Context, g groups.Group, m store.Message) (string, error) {
	window, err := r.store.GetMessagesSince(ctx, m.ChatJID, r.state.LastAgentTimestamp(m.ChatJID), r.name)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if looksLikeQuestion(m.Content) {
		r.writeKnowledge(ctx, &b, g.Folder, m.Content)
	}

	b.WriteString("<messages>\n")
	for _, w := range window {
		if w.Timestamp.After(m.Timestamp) {
			break
		}
		fmt.Fprintf(&b, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			escapeXML(w.SenderName), w.Timestamp.UTC().Format(time.RFC3339), escapeXML(w.Content))
	}
	b.WriteString("</messages>")
	return b.String(), nil
}

// writeKnowledge prepends KB hits for a question-like message. Search
// failures degrade to no block; the run proceeds without it.
func (r *Router) writeKnowledge(ctx context.Context, b *strings.Builder, folder, query string) {
	hits, err := r.knowledge.Search(ctx, kb.SearchRequest{
		Query:          query,
		GroupFolder:    folder,
		DedupeBySource: true,
	})
	if err != nil {
		r.logger.Warn("kb search for prompt failed", "group", folder, "error", err)
		return
	}
	if len(hits) == 0 {
		return
	}
	b.WriteString("<knowledge_base>\n")
	for _, h := range hits {
		fmt.Fprintf(b, "<entry title=\"%s\" url=\"%s\">%s</entry>\n",
			escapeXML(h.Title), escapeXML(h.URL), escapeXML(h.Content))
	}
	b.WriteString("</knowledge_base>\n")
}

// interrogatives that mark a leading question word
var interrogatives = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "whose": true, "whom": true,
	"is": true, "are": true, "can": true, "could": true, "should": true,
	"would": true, "will": true, "do": true, "does": true, "did": true,
}

func looksLikeQuestion(content string) bool {
	s := strings.TrimSpace(content)
	if strings.HasSuffix(s, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(s))
	// skip a leading trigger mention
	for _, f := range fields {
		if strings.HasPrefix(f, "@") {
			continue
		}
		w := strings.Trim(f, ",.!:;")
		// contractions like "what's" count by their head word
		w, _, _ = strings.Cut(w, "'")
		return interrogatives[w]
	}
	return false
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
