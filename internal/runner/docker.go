package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// maxPids caps processes inside an agent container.
const maxPids = 512

// DockerEngine runs containers through the Docker API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the daemon using the standard environment
// (DOCKER_HOST etc.).
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Run creates and starts a container, writes input to its stdin, and
// captures stdout/stderr until exit, timeout, or the output cap.
func (e *DockerEngine) Run(ctx context.Context, spec Spec, input []byte) ([]byte, []byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resources := container.Resources{}
	if spec.MemoryMB > 0 {
		resources.Memory = spec.MemoryMB << 20
	}
	// a runaway agent must not fork-bomb the host
	pids := int64(maxPids)
	resources.PidsLimit = &pids

	created, err := e.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			WorkingDir:   workspaceMount,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Mounts:      mounts,
			Resources:   resources,
			NetworkMode: "bridge",
		},
		nil, nil, spec.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer func() {
		// removal runs on a fresh context so a timed-out run still cleans up
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	attach, err := e.cli.ContainerAttach(runCtx, id, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := e.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, nil, fmt.Errorf("start container: %w", err)
	}

	if _, err := attach.Conn.Write(input); err != nil {
		return nil, nil, fmt.Errorf("write container stdin: %w", err)
	}
	attach.CloseWrite()

	var stdout, stderr cappedBuffer
	stdout.limit = spec.MaxOutput
	stderr.limit = spec.MaxOutput

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	waitCh, waitErrCh := e.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	select {
	case res := <-waitCh:
		<-copyDone
		if stdout.overflowed {
			return stdout.Bytes(), stderr.Bytes(), ErrOutputTooLarge
		}
		if res.StatusCode != 0 {
			return stdout.Bytes(), stderr.Bytes(), &ExitError{
				Code:   int(res.StatusCode),
				Stderr: string(stderr.Bytes()),
			}
		}
		return stdout.Bytes(), stderr.Bytes(), nil

	case err := <-waitErrCh:
		e.kill(id)
		if runCtx.Err() == context.DeadlineExceeded {
			return stdout.Bytes(), stderr.Bytes(), ErrTimeout
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("wait container: %w", err)

	case err := <-copyDone:
		// the copier stopping first means either overflow or a broken stream
		e.kill(id)
		if stdout.overflowed {
			return stdout.Bytes(), stderr.Bytes(), ErrOutputTooLarge
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return stdout.Bytes(), stderr.Bytes(), ErrTimeout
		}
		if err != nil && err != io.EOF {
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("read container output: %w", err)
		}
		// stream closed cleanly; fall through to the exit status
		select {
		case res := <-waitCh:
			if res.StatusCode != 0 {
				return stdout.Bytes(), stderr.Bytes(), &ExitError{
					Code:   int(res.StatusCode),
					Stderr: string(stderr.Bytes()),
				}
			}
			return stdout.Bytes(), stderr.Bytes(), nil
		case <-runCtx.Done():
			return stdout.Bytes(), stderr.Bytes(), ErrTimeout
		}
	}
}

func (e *DockerEngine) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.cli.ContainerKill(ctx, id, "KILL")
}

// cappedBuffer collects up to limit bytes. Writes past the limit flag the
// overflow and fail so the stream copier stops.
type cappedBuffer struct {
	buf        []byte
	limit      int
	overflowed bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return 0, ErrOutputTooLarge
	}
	remaining := b.limit - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.overflowed = true
		return remaining, ErrOutputTooLarge
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf }
