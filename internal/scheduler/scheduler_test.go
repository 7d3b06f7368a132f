package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/runner"
	"github.com/nvyas/majordomo/internal/store"
)

type fakeRunner struct {
	resp        runner.Response
	err         error
	lastSession string
	sessionUsed bool
	calls       int
}

func (f *fakeRunner) Run(_ context.Context, _ groups.Group, _, _, sessionID string) (runner.Response, error) {
	f.calls++
	f.lastSession = sessionID
	f.sessionUsed = false
	return f.resp, f.err
}

func (f *fakeRunner) RunWithSession(_ context.Context, _ groups.Group, _, _ string) (runner.Response, error) {
	f.calls++
	f.sessionUsed = true
	return f.resp, f.err
}

type fakeSender struct {
	sent []string
	jids []string
	err  error
}

func (f *fakeSender) SendMarkdown(_ context.Context, jid, text string) error {
	if f.err != nil {
		return f.err
	}
	f.jids = append(f.jids, jid)
	f.sent = append(f.sent, text)
	return nil
}

func testScheduler(t *testing.T, run *fakeRunner, send *fakeSender) (*Scheduler, *store.Store, *groups.Registry) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "sched.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := groups.NewRegistry(dir, nil)
	if err := reg.Add(groups.Group{JID: "fam@g.us", Folder: "family", Trigger: "@bot"}); err != nil {
		t.Fatal(err)
	}
	return New(st, reg, run, send, "bhai", time.UTC), st, reg
}

func mkTask(t *testing.T, st *store.Store, task store.Task) store.Task {
	t.Helper()
	if task.ID == "" {
		task.ID = uuid.Must(uuid.NewV7()).String()
	}
	if task.Status == "" {
		task.Status = store.TaskActive
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestRunDueOnceTask(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "ok", Result: "report ready"}}
	send := &fakeSender{}
	s, st, _ := testScheduler(t, run, send)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := mkTask(t, st, store.Task{
		GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "daily report",
		ScheduleType: store.ScheduleOnce, ScheduleValue: now.Format(time.RFC3339),
		ContextMode: store.ContextIsolated, NextRun: now,
	})

	s.runDue(ctx, now)

	if run.calls != 1 || run.sessionUsed {
		t.Fatalf("runner calls=%d sessionUsed=%v", run.calls, run.sessionUsed)
	}
	if len(send.sent) != 1 || send.sent[0] != "bhai: report ready" || send.jids[0] != "fam@g.us" {
		t.Fatalf("sent = %v to %v", send.sent, send.jids)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil || got.Status != store.TaskDone {
		t.Fatalf("task after run = %+v, %v", got, err)
	}

	// done tasks never fire again
	s.runDue(ctx, now.Add(time.Hour))
	if run.calls != 1 {
		t.Fatalf("done task re-ran, calls=%d", run.calls)
	}
}

func TestRunDueIntervalReschedules(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "ok"}}
	s, st, _ := testScheduler(t, run, &fakeSender{})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := mkTask(t, st, store.Task{
		GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "600000",
		ContextMode: store.ContextGroup, NextRun: now,
	})

	s.runDue(ctx, now)

	if !run.sessionUsed {
		t.Error("group context task did not use the group session")
	}
	got, _ := st.GetTask(ctx, task.ID)
	want := now.Add(10 * time.Minute)
	if got.Status != store.TaskActive || !got.NextRun.Equal(want) {
		t.Fatalf("task = status %s next_run %v, want active %v", got.Status, got.NextRun, want)
	}
}

func TestRunDueCronReschedules(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "ok"}}
	s, st, _ := testScheduler(t, run, &fakeSender{})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	task := mkTask(t, st, store.Task{
		GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "hourly",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 * * * *",
		ContextMode: store.ContextIsolated, NextRun: now,
	})

	s.runDue(ctx, now)

	got, _ := st.GetTask(ctx, task.ID)
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !got.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", got.NextRun, want)
	}
}

func TestRunDueTransientFailureBacksOff(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "error", Error: "container busy"}}
	s, st, _ := testScheduler(t, run, &fakeSender{})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := mkTask(t, st, store.Task{
		GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: store.ContextIsolated, NextRun: now,
	})

	s.runDue(ctx, now)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if !got.NextRun.Equal(now.Add(retryBackoff)) {
		t.Fatalf("next_run = %v, want backoff to %v", got.NextRun, now.Add(retryBackoff))
	}
}

func TestReplySendFailureBacksOff(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "ok", Result: "report ready"}}
	send := &fakeSender{err: errors.New("bridge not connected")}
	s, st, _ := testScheduler(t, run, send)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := mkTask(t, st, store.Task{
		GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "daily report",
		ScheduleType: store.ScheduleOnce, ScheduleValue: now.Format(time.RFC3339),
		ContextMode: store.ContextIsolated, NextRun: now,
	})

	s.runDue(ctx, now)

	// the once shot is not consumed until the reply lands
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if !got.NextRun.Equal(now.Add(retryBackoff)) {
		t.Fatalf("next_run = %v, want backoff to %v", got.NextRun, now.Add(retryBackoff))
	}

	// once the bridge is back the retry delivers and the task completes
	send.err = nil
	s.runDue(ctx, now.Add(retryBackoff))
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != store.TaskDone || len(send.sent) != 1 {
		t.Fatalf("after retry: status = %s, sent = %v", got.Status, send.sent)
	}
}

func TestRunDueMissingGroupFails(t *testing.T) {
	run := &fakeRunner{resp: runner.Response{Status: "ok"}}
	s, st, _ := testScheduler(t, run, &fakeSender{})
	ctx := context.Background()

	now := time.Now().UTC()
	task := mkTask(t, st, store.Task{
		GroupFolder: "vanished", ChatJID: "x@g.us", Prompt: "p",
		ScheduleType: store.ScheduleOnce, ScheduleValue: now.Format(time.RFC3339),
		ContextMode: store.ContextIsolated, NextRun: now,
	})

	s.runDue(ctx, now)

	if run.calls != 0 {
		t.Error("task for unregistered group still ran")
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestFirstRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	got, err := FirstRun(store.ScheduleCron, "0 10 * * *", now, time.UTC)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("cron first run = %v, want %v", got, want)
	}

	got, err = FirstRun(store.ScheduleInterval, "1500", now, nil)
	if err != nil || !got.Equal(now.Add(1500*time.Millisecond)) {
		t.Errorf("interval first run = %v, %v", got, err)
	}

	got, err = FirstRun(store.ScheduleOnce, "2026-04-01T08:00:00Z", now, nil)
	if err != nil || !got.Equal(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("once first run = %v, %v", got, err)
	}

	if _, err := FirstRun(store.ScheduleCron, "not a cron", now, nil); err == nil {
		t.Error("bad cron accepted")
	}
	if _, err := FirstRun(store.ScheduleInterval, "-5", now, nil); err == nil {
		t.Error("negative interval accepted")
	}
	if _, err := FirstRun(store.ScheduleOnce, "tomorrow", now, nil); err == nil {
		t.Error("bad once timestamp accepted")
	}
	if _, err := FirstRun("hourly", "x", now, nil); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestCronTimezone(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 9:00 in Kolkata is 3:30 UTC
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := FirstRun(store.ScheduleCron, "0 9 * * *", now, kolkata)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("cron in Kolkata = %v, want %v", got, want)
	}
}
