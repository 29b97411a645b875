// Package playbook executes `ELLIE::COMMAND` markers (§4.A) captured by
// internal/tagx, one ephemeral container per command via the Docker
// ContainerCreate/Start/Wait/Logs lifecycle. Execution failures never
// surface synchronously to the turn that captured them — they are
// enqueued into the Retry Queue instead (§4.A: "fire-and-forget").
package playbook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/relaycore/relaycore/internal/tagx"
)

const (
	defaultImage     = "golang:alpine"
	defaultMemoryMB  = 512
	defaultNetwork   = "none"
	defaultTimeout   = 2 * time.Minute
	retryActionName  = "playbook_command_failed"
)

// RetryEnqueuer is the narrow surface playbook needs from the Retry Queue
// (internal/retryqueue.Worker satisfies it).
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, action string, targetID *string, payload map[string]any)
}

// Sandbox runs a playbook command in an ephemeral container and returns its
// captured output.
type Sandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
	timeout     time.Duration
	retry       RetryEnqueuer
	logger      *slog.Logger
}

// Config configures a Sandbox.
type Config struct {
	Image       string // default "golang:alpine"
	MemoryMB    int64  // default 512
	NetworkMode string // default "none"
	Workspace   string // host directory bind-mounted at /workspace
	Timeout     time.Duration // default 2m, per-command wall clock
	Retry       RetryEnqueuer
	Logger      *slog.Logger
}

// New creates a Sandbox from the local Docker daemon (client.FromEnv).
func New(cfg Config) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	image := cfg.Image
	if image == "" {
		image = defaultImage
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}
	network := cfg.NetworkMode
	if network == "" {
		network = defaultNetwork
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: network,
		workspace:   cfg.Workspace,
		timeout:     timeout,
		retry:       cfg.Retry,
		logger:      logger,
	}, nil
}

// Run executes cmd.Args in a fresh container. Failures are logged and
// handed to the Retry Queue rather than returned, since a playbook command
// runs after the turn that captured it has already been delivered (§4.A).
func (s *Sandbox) Run(ctx context.Context, cmd tagx.PlaybookCommand, agent, channel string) {
	runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.exec(runCtx, cmd.Args)
	if err != nil {
		s.logger.Error("playbook command failed", "agent", agent, "channel", channel, "args", cmd.Args, "error", err)
		s.enqueueRetry(ctx, cmd, agent, channel, err.Error())
		return
	}
	if exitCode != 0 {
		s.logger.Warn("playbook command exited non-zero", "agent", agent, "channel", channel, "args", cmd.Args, "exit_code", exitCode, "stderr", truncate(stderr, 500))
		s.enqueueRetry(ctx, cmd, agent, channel, fmt.Sprintf("exit %d: %s", exitCode, truncate(stderr, 500)))
		return
	}
	s.logger.Info("playbook command succeeded", "agent", agent, "channel", channel, "args", cmd.Args, "stdout", truncate(stdout, 500))
}

func (s *Sandbox) enqueueRetry(ctx context.Context, cmd tagx.PlaybookCommand, agent, channel, cause string) {
	if s.retry == nil {
		return
	}
	s.retry.Enqueue(ctx, retryActionName, nil, map[string]any{
		"args":    cmd.Args,
		"agent":   agent,
		"channel": channel,
		"cause":   cause,
	})
}

func (s *Sandbox) exec(ctx context.Context, args string) (stdout, stderr string, exitCode int, err error) {
	resp, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", args},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: s.memoryBytes},
		NetworkMode: container.NetworkMode(s.networkMode),
		Binds:       bindsFor(s.workspace),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := s.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = s.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func bindsFor(workspace string) []string {
	if workspace == "" {
		return nil
	}
	return []string{workspace + ":/workspace"}
}

// Close releases the underlying Docker client.
func (s *Sandbox) Close() error {
	return s.client.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
