// Package runner executes agent runs in isolated containers, one exclusive
// run per group. The engine behind it is Docker in production and a fake in
// tests.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvyas/majordomo/internal/config"
	"github.com/nvyas/majordomo/internal/groups"
)

var (
	// ErrTimeout means the container exceeded its run deadline and was
	// killed.
	ErrTimeout = errors.New("runner: container timed out")

	// ErrOutputTooLarge means stdout passed the output cap and the
	// container was killed.
	ErrOutputTooLarge = errors.New("runner: output too large")
)

// ExitError reports a container that exited non-zero without producing a
// valid response.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("runner: container exited with code %d: %s", e.Code, e.Stderr)
}

// Request is written to the container's stdin as one JSON document.
type Request struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	IsMain      bool   `json:"isMain"`
}

// Response is the single JSON line the container writes to stdout.
type Response struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// MountSpec is one bind mount into the container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one container run for the engine.
type Spec struct {
	Name      string
	Image     string
	Env       []string
	Mounts    []MountSpec
	MemoryMB  int64
	Timeout   time.Duration
	MaxOutput int
}

// Engine starts a container, feeds it input, and returns captured stdout
// and stderr. Implementations return ErrTimeout, ErrOutputTooLarge, or an
// *ExitError for the corresponding failure modes.
type Engine interface {
	Run(ctx context.Context, spec Spec, input []byte) (stdout, stderr []byte, err error)
}

// Container paths fixed by the agent contract.
const (
	workspaceMount = "/workspace"
	projectMount   = "/project"
	ipcMount       = "/ipc"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner launches agent containers with the mounts and session wiring for
// a given group.
type Runner struct {
	engine    Engine
	cfg       config.ContainerConfig
	sessions  *groups.Sessions
	allowlist *groups.MountAllowlist
	groupsDir string
	projRoot  string
	ipcDir    string
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Runner on the given engine.
func New(engine Engine, cfg config.ContainerConfig, sessions *groups.Sessions,
	allowlist *groups.MountAllowlist, groupsDir, projectRoot, ipcDir string, opts ...Option) *Runner {
	r := &Runner{
		engine:    engine,
		cfg:       cfg,
		sessions:  sessions,
		allowlist: allowlist,
		groupsDir: groupsDir,
		projRoot:  projectRoot,
		ipcDir:    ipcDir,
		logger:    slog.New(slog.DiscardHandler),
		locks:     map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// groupLock returns the mutex serializing runs for one group.
func (r *Runner) groupLock(folder string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[folder]
	if !ok {
		l = &sync.Mutex{}
		r.locks[folder] = l
	}
	return l
}

// RunWithSession runs a prompt using the group's stored session and rotates
// the session when the container reports a new one on success.
func (r *Runner) RunWithSession(ctx context.Context, g groups.Group, chatJID, prompt string) (Response, error) {
	return r.run(ctx, g, chatJID, prompt, r.sessions.Get(g.Folder), true)
}

// Run runs a prompt with an explicit session id (empty for a fresh,
// isolated session) and never touches the stored session map.
func (r *Runner) Run(ctx context.Context, g groups.Group, chatJID, prompt, sessionID string) (Response, error) {
	return r.run(ctx, g, chatJID, prompt, sessionID, false)
}

func (r *Runner) run(ctx context.Context, g groups.Group, chatJID, prompt, sessionID string, rotate bool) (Response, error) {
	lock := r.groupLock(g.Folder)
	lock.Lock()
	defer lock.Unlock()

	runID := uuid.Must(uuid.NewV7()).String()
	spec, err := r.buildSpec(g, runID)
	if err != nil {
		return Response{}, err
	}

	input, err := json.Marshal(Request{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: g.Folder,
		ChatJID:     chatJID,
		IsMain:      g.IsMain(),
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal container request: %w", err)
	}

	start := time.Now()
	stdout, stderr, runErr := r.engine.Run(ctx, spec, append(input, '\n'))
	r.writeLog(g.Folder, runID, stdout, stderr, runErr, time.Since(start))

	if runErr != nil {
		r.logger.Error("container run failed",
			"group", g.Folder, "run_id", runID, "error", runErr)
		return Response{Status: "error", Error: runErr.Error()}, runErr
	}

	resp, err := parseResponse(stdout)
	if err != nil {
		r.logger.Error("container produced no valid response",
			"group", g.Folder, "run_id", runID, "error", err)
		return Response{Status: "error", Error: err.Error()}, err
	}

	// only a clean run may rotate the session
	if rotate && resp.Status == "ok" && resp.NewSessionID != "" {
		if err := r.sessions.Set(g.Folder, resp.NewSessionID); err != nil {
			r.logger.Error("persist session failed", "group", g.Folder, "error", err)
		}
	}

	r.logger.Info("container run finished",
		"group", g.Folder, "run_id", runID, "status", resp.Status,
		"duration", time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// buildSpec assembles mounts and environment for one group run. Extra
// mounts not covered by the allowlist are dropped, never fatal.
func (r *Runner) buildSpec(g groups.Group, runID string) (Spec, error) {
	workspace := filepath.Join(r.groupsDir, g.Folder)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return Spec{}, fmt.Errorf("create group workspace: %w", err)
	}
	groupIPC := filepath.Join(r.ipcDir, g.Folder)
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(groupIPC, sub), 0o755); err != nil {
			return Spec{}, fmt.Errorf("create ipc dir: %w", err)
		}
	}

	mounts := []MountSpec{
		{Source: workspace, Target: workspaceMount},
		{Source: groupIPC, Target: ipcMount},
	}
	if g.IsMain() {
		mounts = append(mounts, MountSpec{Source: r.projRoot, Target: projectMount})
	}
	for _, m := range r.allowlist.FilterMounts(g.ExtraMounts, r.logger) {
		mounts = append(mounts, MountSpec{Source: m.HostPath, Target: m.ContainerPath, ReadOnly: m.ReadOnly})
	}

	env := []string{
		"MAJORDOMO_GROUP=" + g.Folder,
		"MAJORDOMO_WORKSPACE=" + workspaceMount,
		"MAJORDOMO_IPC=" + ipcMount,
	}
	for _, name := range r.cfg.Env {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	maxOutput := r.cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 10 << 20
	}

	return Spec{
		Name:      "majordomo-" + g.Folder + "-" + runID[:8],
		Image:     r.cfg.Image,
		Env:       env,
		Mounts:    mounts,
		MemoryMB:  int64(r.cfg.MemoryMB),
		Timeout:   timeout,
		MaxOutput: maxOutput,
	}, nil
}

// parseResponse takes the last non-empty stdout line as the response.
// Agents may print diagnostics before it.
func parseResponse(stdout []byte) (Response, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return Response{}, fmt.Errorf("parse container response: %w", err)
		}
		if resp.Status != "ok" && resp.Status != "error" {
			return Response{}, fmt.Errorf("container response has status %q", resp.Status)
		}
		return resp, nil
	}
	return Response{}, errors.New("container produced no output")
}

// writeLog appends one run record under groups/<folder>/logs/.
func (r *Runner) writeLog(folder, runID string, stdout, stderr []byte, runErr error, took time.Duration) {
	dir := filepath.Join(r.groupsDir, folder, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn("create log dir failed", "group", folder, "error", err)
		return
	}
	name := time.Now().UTC().Format("20060102-150405") + "-" + runID[:8] + ".log"

	var b strings.Builder
	fmt.Fprintf(&b, "run %s took %s\n", runID, took.Round(time.Millisecond))
	if runErr != nil {
		fmt.Fprintf(&b, "error: %v\n", runErr)
	}
	if len(stderr) > 0 {
		b.WriteString("--- stderr ---\n")
		b.Write(stderr)
		b.WriteByte('\n')
	}
	if len(stdout) > 0 {
		b.WriteString("--- stdout ---\n")
		b.Write(stdout)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		r.logger.Warn("write run log failed", "group", folder, "error", err)
	}
}
