package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	cliTimeout   = 30 * time.Second
	cliMaxOutput = 64 << 10
)

type githubPayload struct {
	ChatJID string   `json:"chatJid"`
	Args    []string `json:"args,omitempty"`
}

func (h *Handler) handleGithub(ctx context.Context, typ string, payload json.RawMessage, src Source) error {
	var p githubPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := h.authorizeReply(p.ChatJID, src); err != nil {
		return err
	}
	if h.cfg.GithubBin == "" {
		return fmt.Errorf("%w: github tooling is not configured", ErrInvalidPayload)
	}

	args := append([]string{strings.TrimPrefix(typ, "github_")}, p.Args...)
	out, runErr := h.runCLI(ctx, h.cfg.GithubBin, "", args)
	return h.replyCLI(ctx, p.ChatJID, typ, out, runErr)
}

type sugarPayload struct {
	ChatJID string   `json:"chatJid"`
	Project string   `json:"project"`
	Args    []string `json:"args,omitempty"`
}

func (h *Handler) handleSugar(ctx context.Context, typ string, payload json.RawMessage, src Source) error {
	var p sugarPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := h.authorizeReply(p.ChatJID, src); err != nil {
		return err
	}
	if p.Project == "" {
		return fmt.Errorf("%w: %s needs a project", ErrInvalidPayload, typ)
	}
	if h.cfg.SugarBin == "" {
		return fmt.Errorf("%w: sugar tooling is not configured", ErrInvalidPayload)
	}

	dir, err := h.sugarProjectDir(p.Project)
	if err != nil {
		return err
	}

	var args []string
	if typ == "sugar_status" {
		args = []string{"status"}
	} else {
		args = p.Args
	}
	out, runErr := h.runCLI(ctx, h.cfg.SugarBin, dir, args)
	return h.replyCLI(ctx, p.ChatJID, typ, out, runErr)
}

// authorizeReply checks the chat a CLI result goes back to. Non-main groups
// can only report into their own chat.
func (h *Handler) authorizeReply(chatJID string, src Source) error {
	if chatJID == "" {
		return fmt.Errorf("%w: missing chatJid", ErrInvalidPayload)
	}
	if !src.IsMain && !h.chatBelongsTo(chatJID, src.Group) {
		return fmt.Errorf("%w: group %q may not reply to chat %s", ErrUnauthorized, src.Group, chatJID)
	}
	return nil
}

// sugarProjectDir resolves a project name through the on-disk registry.
// Project names are looked up, never interpolated into paths.
func (h *Handler) sugarProjectDir(name string) (string, error) {
	data, err := os.ReadFile(h.cfg.SugarProjectsPath)
	if err != nil {
		return "", fmt.Errorf("read sugar projects: %w", err)
	}
	var projects map[string]string
	if err := json.Unmarshal(data, &projects); err != nil {
		return "", fmt.Errorf("parse sugar projects: %w", err)
	}
	dir, ok := projects[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown sugar project %q", ErrInvalidPayload, name)
	}
	return dir, nil
}

// runCLI executes a tool binary with argv-only arguments, a hard timeout,
// and capped combined output.
func (h *Handler) runCLI(ctx context.Context, bin, dir string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	out := &cappedWriter{limit: cliMaxOutput}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s timed out after %s", bin, cliTimeout)
	}
	h.logger.Info("cli run", "bin", bin, "args", args, "error", err)
	return out.String(), err
}

// replyCLI sends the tool output back to the chat. A failed run is still a
// handled payload; the chat sees what went wrong.
func (h *Handler) replyCLI(ctx context.Context, chatJID, typ, out string, runErr error) error {
	text := strings.TrimSpace(out)
	if runErr != nil {
		if text != "" {
			text = fmt.Sprintf("%s failed: %v\n```\n%s\n```", typ, runErr, text)
		} else {
			text = fmt.Sprintf("%s failed: %v", typ, runErr)
		}
	} else if text == "" {
		text = typ + " finished with no output"
	}
	return h.sender.SendMarkdown(ctx, chatJID, h.name+": "+text)
}

// cappedWriter keeps the first limit bytes and drops the rest. CLI output
// is chat-bound; anything past the cap would be unreadable there anyway.
type cappedWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if remain := w.limit - w.buf.Len(); remain > 0 {
		if len(p) > remain {
			w.buf.Write(p[:remain])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else {
		w.truncated = true
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n[output truncated]"
	}
	return w.buf.String()
}
