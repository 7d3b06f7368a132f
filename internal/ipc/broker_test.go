package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/store"
	"github.com/nvyas/majordomo/internal/tools"
	"github.com/nvyas/majordomo/internal/transport"
)

type handled struct {
	typ string
	src tools.Source
}

type fakeHandler struct {
	calls   []handled
	failOn  string
	payload json.RawMessage
}

func (f *fakeHandler) Handle(_ context.Context, typ string, payload json.RawMessage, src tools.Source) error {
	f.calls = append(f.calls, handled{typ: typ, src: src})
	f.payload = payload
	if typ == f.failOn {
		return errors.New("handler said no")
	}
	return nil
}

type fakeLister struct {
	infos []transport.GroupInfo
	err   error
}

func (f *fakeLister) ListGroups(context.Context) ([]transport.GroupInfo, error) {
	return f.infos, f.err
}

func testBroker(t *testing.T, h Handler, l GroupLister) (*Broker, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()

	st := store.New(filepath.Join(dir, "ipc.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg := groups.NewRegistry(dir, nil)
	for _, g := range []groups.Group{
		{JID: "main@g.us", Folder: "main", Trigger: "@bhai"},
		{JID: "fam@g.us", Folder: "family", Trigger: "@bot"},
	} {
		if err := reg.Add(g); err != nil {
			t.Fatal(err)
		}
	}

	ipcDir := filepath.Join(dir, "ipc")
	return New(ipcDir, st, reg, l, h), st, ipcDir
}

func dropFile(t *testing.T, ipcDir, folder, sub, name, content string) string {
	t.Helper()
	dir := filepath.Join(ipcDir, folder, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanDispatchesAndDeletes(t *testing.T) {
	h := &fakeHandler{}
	b, _, ipcDir := testBroker(t, h, nil)

	famPath := dropFile(t, ipcDir, "family", "messages", "001.json",
		`{"type":"message","chatJid":"fam@g.us","text":"hi"}`)
	mainPath := dropFile(t, ipcDir, "main", "tasks", "002.json",
		`{"type":"schedule_task","prompt":"p"}`)

	b.Scan(context.Background())

	if len(h.calls) != 2 {
		t.Fatalf("calls = %+v", h.calls)
	}
	for _, c := range h.calls {
		switch c.typ {
		case "message":
			if c.src.Group != "family" || c.src.IsMain {
				t.Errorf("message src = %+v", c.src)
			}
		case "schedule_task":
			if c.src.Group != "main" || !c.src.IsMain {
				t.Errorf("task src = %+v", c.src)
			}
		default:
			t.Errorf("unexpected type %q", c.typ)
		}
	}
	for _, p := range []string{famPath, mainPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("handled payload still on disk: %s", p)
		}
	}
	// the full document reaches the handler, type field included
	var got map[string]any
	if err := json.Unmarshal(h.payload, &got); err != nil || got["type"] == nil {
		t.Errorf("payload passed through = %s", h.payload)
	}
}

func TestScanOrderWithinGroup(t *testing.T) {
	h := &fakeHandler{}
	b, _, ipcDir := testBroker(t, h, nil)

	dropFile(t, ipcDir, "family", "tasks", "001.json", `{"type":"pause_task"}`)
	dropFile(t, ipcDir, "family", "messages", "001.json", `{"type":"message"}`)
	dropFile(t, ipcDir, "family", "messages", "000.json", `{"type":"kb_list"}`)

	b.Scan(context.Background())

	want := []string{"kb_list", "message", "pause_task"}
	if len(h.calls) != len(want) {
		t.Fatalf("calls = %+v", h.calls)
	}
	for i, w := range want {
		if h.calls[i].typ != w {
			t.Errorf("call %d = %q, want %q", i, h.calls[i].typ, w)
		}
	}
}

func TestScanQuarantinesFailures(t *testing.T) {
	h := &fakeHandler{failOn: "message"}
	b, _, ipcDir := testBroker(t, h, nil)

	dropFile(t, ipcDir, "family", "messages", "bad.json", `{not json`)
	dropFile(t, ipcDir, "family", "messages", "notype.json", `{"text":"no type field"}`)
	dropFile(t, ipcDir, "family", "messages", "rejected.json", `{"type":"message"}`)
	dropFile(t, ipcDir, "family", "messages", "skip.json.tmp", `{"type":"message"}`)
	dropFile(t, ipcDir, "intruder", "messages", "sneaky.json", `{"type":"message"}`)

	b.Scan(context.Background())

	// only the well-formed file from a registered group reached the handler
	if len(h.calls) != 1 || h.calls[0].typ != "message" {
		t.Fatalf("calls = %+v", h.calls)
	}

	for _, name := range []string{
		"family-bad.json", "family-notype.json", "family-rejected.json", "intruder-sneaky.json",
	} {
		if _, err := os.Stat(filepath.Join(ipcDir, "errors", name)); err != nil {
			t.Errorf("quarantined file missing: %s (%v)", name, err)
		}
	}

	// in-flight atomic writes are left alone
	if _, err := os.Stat(filepath.Join(ipcDir, "family", "messages", "skip.json.tmp")); err != nil {
		t.Errorf("tmp file touched: %v", err)
	}

	// quarantined files are not reprocessed
	h.calls = nil
	b.Scan(context.Background())
	if len(h.calls) != 0 {
		t.Fatalf("second scan calls = %+v", h.calls)
	}
}

func TestRefreshSyncsAndWritesSnapshots(t *testing.T) {
	activity := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{infos: []transport.GroupInfo{
		{JID: "fam@g.us", Name: "Family", LastActivity: activity},
		{JID: "new@g.us", Name: "New Group", LastActivity: activity.Add(time.Hour)},
	}}
	b, st, ipcDir := testBroker(t, &fakeHandler{}, lister)
	ctx := context.Background()

	if err := st.CreateTask(ctx, store.Task{
		ID: "t1", GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextIsolated, NextRun: activity,
		Status: store.TaskActive, CreatedAt: activity,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(ctx, store.Task{
		ID: "t2", GroupFolder: "main", ChatJID: "main@g.us", Prompt: "q",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextIsolated, NextRun: activity,
		Status: store.TaskActive, CreatedAt: activity,
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	chat, err := st.GetChat(ctx, "new@g.us")
	if err != nil || chat.DisplayName != "New Group" {
		t.Fatalf("synced chat = %+v, %v", chat, err)
	}
	last, err := st.LastGroupSync(ctx)
	if err != nil || last.IsZero() {
		t.Fatalf("last group sync = %v, %v", last, err)
	}

	readSnap := func(folder, name string, v any) {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(ipcDir, folder, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatal(err)
		}
	}

	var mainSnap, famSnap groupSnapshot
	readSnap("main", "available_groups.json", &mainSnap)
	readSnap("family", "available_groups.json", &famSnap)

	if len(mainSnap.Groups) != 2 {
		t.Fatalf("main sees %d groups, want 2", len(mainSnap.Groups))
	}
	for _, g := range mainSnap.Groups {
		if g.JID == "fam@g.us" && !g.IsRegistered {
			t.Error("fam@g.us not marked registered")
		}
		if g.JID == "new@g.us" && g.IsRegistered {
			t.Error("new@g.us marked registered")
		}
	}
	if len(famSnap.Groups) != 1 || famSnap.Groups[0].JID != "fam@g.us" {
		t.Fatalf("family snapshot = %+v, want registered groups only", famSnap.Groups)
	}

	var mainTasks, famTasks []taskEntry
	readSnap("main", "current_tasks.json", &mainTasks)
	readSnap("family", "current_tasks.json", &famTasks)
	if len(mainTasks) != 2 {
		t.Errorf("main task snapshot = %+v, want both tasks", mainTasks)
	}
	if len(famTasks) != 1 || famTasks[0].ID != "t1" {
		t.Errorf("family task snapshot = %+v, want own task only", famTasks)
	}
}
