// Package scheduler runs due tasks against the container runner and
// reschedules them. Tasks live in the store; the scheduler wakes on a
// fixed tick and owns all next_run arithmetic.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/runner"
	"github.com/nvyas/majordomo/internal/store"
)

const (
	tickInterval = 60 * time.Second
	// transient run failures push next_run forward instead of tight-looping
	retryBackoff = 5 * time.Minute
)

// AgentRunner is the slice of the container runner the scheduler needs.
type AgentRunner interface {
	Run(ctx context.Context, g groups.Group, chatJID, prompt, sessionID string) (runner.Response, error)
	RunWithSession(ctx context.Context, g groups.Group, chatJID, prompt string) (runner.Response, error)
}

// Sender delivers task replies to a chat.
type Sender interface {
	SendMarkdown(ctx context.Context, jid, text string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler drives scheduled agent runs.
type Scheduler struct {
	store    *store.Store
	registry *groups.Registry
	runner   AgentRunner
	sender   Sender
	name     string
	tz       *time.Location
	logger   *slog.Logger

	started atomic.Bool
}

// New creates a scheduler. name is the assistant display name prefixed to
// replies; tz is the timezone cron expressions are evaluated in.
func New(st *store.Store, reg *groups.Registry, run AgentRunner, send Sender,
	name string, tz *time.Location, opts ...Option) *Scheduler {
	if tz == nil {
		tz = time.UTC
	}
	s := &Scheduler{
		store:    st,
		registry: reg,
		runner:   run,
		sender:   send,
		name:     name,
		tz:       tz,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the tick loop. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx, time.Now())
			}
		}
	}()
}

// runDue executes every active task whose next_run has arrived.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("load due tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		s.runTask(ctx, t, now)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t store.Task, now time.Time) {
	g, ok := s.registry.GetByFolder(t.GroupFolder)
	if !ok {
		s.logger.Warn("task group no longer registered", "task", t.ID, "group", t.GroupFolder)
		t.Status = store.TaskFailed
		s.update(ctx, t)
		return
	}

	var resp runner.Response
	var err error
	if t.ContextMode == store.ContextGroup {
		resp, err = s.runner.RunWithSession(ctx, g, t.ChatJID, t.Prompt)
	} else {
		resp, err = s.runner.Run(ctx, g, t.ChatJID, t.Prompt, "")
	}

	if err != nil || resp.Status != "ok" {
		detail := resp.Error
		if err != nil {
			detail = err.Error()
		}
		s.logger.Warn("task run failed, will retry",
			"task", t.ID, "group", t.GroupFolder, "error", detail)
		t.NextRun = now.Add(retryBackoff)
		s.update(ctx, t)
		return
	}

	if resp.Result != "" {
		reply := s.name + ": " + resp.Result
		if err := s.sender.SendMarkdown(ctx, t.ChatJID, reply); err != nil {
			// an undelivered reply counts as a failed run; the task keeps
			// its shot and retries after the backoff
			s.logger.Warn("send task reply failed, will retry",
				"task", t.ID, "chat", t.ChatJID, "error", err)
			t.NextRun = now.Add(retryBackoff)
			s.update(ctx, t)
			return
		}
	}

	next, err := NextRun(t.ScheduleType, t.ScheduleValue, now, s.tz)
	switch {
	case err != nil:
		s.logger.Error("task schedule no longer parses", "task", t.ID, "error", err)
		t.Status = store.TaskFailed
	case next.IsZero():
		t.Status = store.TaskDone
	default:
		t.NextRun = next
	}
	s.update(ctx, t)
}

func (s *Scheduler) update(ctx context.Context, t store.Task) {
	if err := s.store.UpdateTask(ctx, t); err != nil {
		s.logger.Error("update task failed", "task", t.ID, "error", err)
	}
}

// NextRun computes the run after now for a schedule. A zero time with nil
// error means the schedule is exhausted (once tasks after their shot).
func NextRun(scheduleType, value string, now time.Time, tz *time.Location) (time.Time, error) {
	if tz == nil {
		tz = time.UTC
	}
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now.In(tz), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", value, err)
		}
		return next.UTC(), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval %q is not a positive millisecond count", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond).UTC(), nil

	case store.ScheduleOnce:
		// the single shot was just consumed
		return time.Time{}, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun computes the initial next_run when a task is created, validating
// the schedule value.
func FirstRun(scheduleType, value string, now time.Time, tz *time.Location) (time.Time, error) {
	if tz == nil {
		tz = time.UTC
	}
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now.In(tz), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", value, err)
		}
		return next.UTC(), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval %q is not a positive millisecond count", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond).UTC(), nil

	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("once %q is not an RFC3339 timestamp: %w", value, err)
		}
		return at.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
