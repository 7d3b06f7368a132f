package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvyas/majordomo/internal/config"
	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/store"
)

type fakeSender struct {
	jids []string
	sent []string
}

func (f *fakeSender) SendMarkdown(_ context.Context, jid, text string) error {
	f.jids = append(f.jids, jid)
	f.sent = append(f.sent, text)
	return nil
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls++
	return nil
}

type env struct {
	h      *Handler
	st     *store.Store
	reg    *groups.Registry
	send   *fakeSender
	ipcDir string
	cfg    config.ToolsConfig
}

func testHandler(t *testing.T, cfg config.ToolsConfig) *env {
	t.Helper()
	dir := t.TempDir()

	st := store.New(filepath.Join(dir, "tools.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg := groups.NewRegistry(dir, nil)
	for _, g := range []groups.Group{
		{JID: "main@g.us", Folder: "main", Trigger: "@bhai"},
		{JID: "fam@g.us", Folder: "family", Trigger: "@bot"},
		{JID: "work@g.us", Folder: "work", Trigger: "@bot"},
	} {
		if err := reg.Add(g); err != nil {
			t.Fatal(err)
		}
	}

	kbSvc := kb.New(st, nil, filepath.Join(dir, "locks"))
	send := &fakeSender{}
	ipcDir := filepath.Join(dir, "ipc")
	h := New(st, reg, kbSvc, send, cfg, "bhai", time.UTC,
		filepath.Join(dir, "groups"), ipcDir)
	return &env{h: h, st: st, reg: reg, send: send, ipcDir: ipcDir, cfg: cfg}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

var (
	srcMain   = Source{Group: "main", IsMain: true}
	srcFamily = Source{Group: "family"}
)

func TestHandleUnknownType(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	err := e.h.Handle(context.Background(), "reboot", raw(t, map[string]string{}), srcMain)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestMessageScoping(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	own := raw(t, messagePayload{ChatJID: "fam@g.us", Text: "hello"})
	if err := e.h.Handle(ctx, "message", own, srcFamily); err != nil {
		t.Fatalf("own chat: %v", err)
	}

	other := raw(t, messagePayload{ChatJID: "work@g.us", Text: "sneaky"})
	if err := e.h.Handle(ctx, "message", other, srcFamily); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-group message err = %v, want ErrUnauthorized", err)
	}

	// main may message any registered chat
	if err := e.h.Handle(ctx, "message", other, srcMain); err != nil {
		t.Fatalf("main to other chat: %v", err)
	}

	if len(e.send.sent) != 2 || e.send.jids[0] != "fam@g.us" || e.send.jids[1] != "work@g.us" {
		t.Fatalf("sent = %v to %v", e.send.sent, e.send.jids)
	}
}

func TestScheduleTask(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	p := raw(t, scheduleTaskPayload{
		Prompt: "water the plants", ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
	})
	if err := e.h.Handle(ctx, "schedule_task", p, srcFamily); err != nil {
		t.Fatal(err)
	}

	tasks, err := e.st.ListTasks(ctx, "family")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
	task := tasks[0]
	if task.ChatJID != "fam@g.us" {
		t.Errorf("chat jid = %q, want registry value fam@g.us", task.ChatJID)
	}
	if task.ContextMode != store.ContextIsolated {
		t.Errorf("context mode = %q, want isolated default", task.ContextMode)
	}
	if task.Status != store.TaskActive || task.NextRun.IsZero() {
		t.Errorf("task = %+v, want active with next_run set", task)
	}
}

func TestScheduleTaskCrossGroup(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	p := raw(t, scheduleTaskPayload{
		Prompt: "p", ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		GroupFolder: "work",
	})
	if err := e.h.Handle(ctx, "schedule_task", p, srcFamily); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-group schedule err = %v, want ErrUnauthorized", err)
	}
	if err := e.h.Handle(ctx, "schedule_task", p, srcMain); err != nil {
		t.Fatalf("main scheduling for work: %v", err)
	}

	tasks, _ := e.st.ListTasks(ctx, "work")
	if len(tasks) != 1 {
		t.Fatalf("work tasks = %d, want 1", len(tasks))
	}
}

func TestScheduleTaskBadSchedule(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	p := raw(t, scheduleTaskPayload{
		Prompt: "p", ScheduleType: store.ScheduleCron, ScheduleValue: "not a cron",
	})
	err := e.h.Handle(context.Background(), "schedule_task", p, srcFamily)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	p := raw(t, scheduleTaskPayload{
		Prompt: "p", ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
	})
	if err := e.h.Handle(ctx, "schedule_task", p, srcFamily); err != nil {
		t.Fatal(err)
	}
	tasks, _ := e.st.ListTasks(ctx, "family")
	task := tasks[0]
	idp := raw(t, taskIDPayload{TaskID: task.ID})

	// another group cannot touch it
	if err := e.h.Handle(ctx, "pause_task", idp, Source{Group: "work"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign pause err = %v, want ErrUnauthorized", err)
	}

	if err := e.h.Handle(ctx, "pause_task", idp, srcFamily); err != nil {
		t.Fatal(err)
	}
	got, _ := e.st.GetTask(ctx, task.ID)
	if got.Status != store.TaskPaused || !got.NextRun.Equal(task.NextRun) {
		t.Fatalf("paused task = %+v, next_run must be preserved (was %v)", got, task.NextRun)
	}

	if err := e.h.Handle(ctx, "resume_task", idp, srcFamily); err != nil {
		t.Fatal(err)
	}
	got, _ = e.st.GetTask(ctx, task.ID)
	if got.Status != store.TaskActive || !got.NextRun.Equal(task.NextRun) {
		t.Fatalf("resumed task = %+v", got)
	}

	if err := e.h.Handle(ctx, "cancel_task", idp, srcMain); err != nil {
		t.Fatal(err)
	}
	if _, err := e.st.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cancelled task still present: %v", err)
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	p := raw(t, registerGroupPayload{
		JID: "book@g.us", Name: "Book Club", Folder: "book-club", Trigger: "@bot",
	})
	if err := e.h.Handle(ctx, "register_group", p, srcFamily); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-main register err = %v, want ErrUnauthorized", err)
	}

	if err := e.h.Handle(ctx, "register_group", p, srcMain); err != nil {
		t.Fatal(err)
	}
	g, ok := e.reg.GetByFolder("book-club")
	if !ok || g.JID != "book@g.us" {
		t.Fatalf("registered group = %+v, %v", g, ok)
	}

	seed := filepath.Join(e.h.groupsDir, "book-club", "CLAUDE.md")
	data, err := os.ReadFile(seed)
	if err != nil || !strings.Contains(string(data), "Book Club") {
		t.Fatalf("seed file = %q, %v", data, err)
	}

	// re-registering must not clobber edited instructions
	if err := os.WriteFile(seed, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.h.Handle(ctx, "register_group", p, srcMain); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(seed)
	if string(data) != "custom" {
		t.Fatalf("seed overwritten: %q", data)
	}
}

func TestRefreshGroups(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()
	ref := &fakeRefresher{}
	e.h.SetRefresher(ref)

	if err := e.h.Handle(ctx, "refresh_groups", nil, srcFamily); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-main refresh err = %v", err)
	}
	if err := e.h.Handle(ctx, "refresh_groups", nil, srcMain); err != nil {
		t.Fatal(err)
	}
	if ref.calls != 1 {
		t.Fatalf("refresher calls = %d, want 1", ref.calls)
	}
}

func TestKBAddAndList(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	p := raw(t, kbAddPayload{
		Content: "Chili plants need six hours of direct sun and weekly feeding.",
		Title:   "Chili care",
		Tags:    []string{"garden"},
	})
	if err := e.h.Handle(ctx, "kb_add", p, srcFamily); err != nil {
		t.Fatal(err)
	}

	if err := e.h.Handle(ctx, "kb_list", nil, srcFamily); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(e.ipcDir, "family", "kb_sources.json"))
	if err != nil {
		t.Fatal(err)
	}
	var entries []struct {
		Title      string `json:"title"`
		SourceType string `json:"sourceType"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Title != "Chili care" || entries[0].SourceType != store.SourceText {
		t.Fatalf("kb_sources.json = %+v", entries)
	}
}

func TestKBSearchWritesResultFile(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{})
	ctx := context.Background()

	// no embedder configured: search yields an empty result set, not an error
	p := raw(t, kbSearchPayload{Query: "chili"})
	if err := e.h.Handle(ctx, "kb_search", p, srcFamily); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(e.ipcDir, "family", "kb_results.json"))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Query   string            `json:"query"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Query != "chili" || len(out.Results) != 0 {
		t.Fatalf("kb_results.json = %+v", out)
	}
}

func TestGithubCLIReply(t *testing.T) {
	e := testHandler(t, config.ToolsConfig{GithubBin: "echo"})
	ctx := context.Background()

	p := raw(t, githubPayload{ChatJID: "fam@g.us", Args: []string{"pr-42"}})
	if err := e.h.Handle(ctx, "github_review", p, srcFamily); err != nil {
		t.Fatal(err)
	}
	if len(e.send.sent) != 1 || e.send.sent[0] != "bhai: review pr-42" {
		t.Fatalf("reply = %v", e.send.sent)
	}

	other := raw(t, githubPayload{ChatJID: "work@g.us"})
	if err := e.h.Handle(ctx, "github_status", other, srcFamily); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-chat reply err = %v", err)
	}
}

func TestSugarProjectResolution(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "hq")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	registry := filepath.Join(dir, "sugar-projects.json")
	if err := os.WriteFile(registry, []byte(`{"hq": "`+project+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	e := testHandler(t, config.ToolsConfig{SugarBin: "sh", SugarProjectsPath: registry})
	ctx := context.Background()

	p := raw(t, sugarPayload{ChatJID: "fam@g.us", Project: "hq", Args: []string{"-c", "pwd"}})
	if err := e.h.Handle(ctx, "sugar_run", p, srcFamily); err != nil {
		t.Fatal(err)
	}
	if len(e.send.sent) != 1 || !strings.Contains(e.send.sent[0], project) {
		t.Fatalf("reply = %v, want working dir %s", e.send.sent, project)
	}

	missing := raw(t, sugarPayload{ChatJID: "fam@g.us", Project: "ghost"})
	if err := e.h.Handle(ctx, "sugar_run", missing, srcFamily); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("unknown project err = %v", err)
	}
}

func TestCappedWriter(t *testing.T) {
	w := &cappedWriter{limit: 10}
	n, err := w.Write([]byte("0123456789overflow"))
	if err != nil || n != 18 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if got := w.String(); got != "0123456789\n[output truncated]" {
		t.Fatalf("capped output = %q", got)
	}
}
