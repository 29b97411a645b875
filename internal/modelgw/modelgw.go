// Package modelgw invokes the model CLI as a one-shot subprocess per turn
// and manages session resumption (§4.D): an exec.CommandContext wrapper
// around the Claude CLI, capturing its session id for --resume on the
// next turn rather than holding a long-running stream open.
package modelgw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaycore/relaycore/internal/bus"
)

// ErrCorruptedSession is returned (and triggers a retry-without-resume)
// when the model CLI emits a tool_use marker against a resumed session
// that no longer recognizes its own prior tool calls (§4.D, §8 scenario 3).
var ErrCorruptedSession = errors.New("modelgw: corrupted session")

// ErrTimeout is returned when the model process did not exit within the
// configured timeout and had to be killed.
var ErrTimeout = errors.New("modelgw: invocation timed out")

const truncatedOutputLimit = 500

var sessionIDRe = regexp.MustCompile(`(?m)^Session ID:\s*([0-9a-fA-F-]{8,})\s*$`)

// corruptedSessionMarkers are substrings in combined stdout/stderr that
// indicate the resumed session is no longer valid server-side.
var corruptedSessionMarkers = []string{
	"tool_use.name",
	"No conversation found with session ID",
}

// InvokeOptions configures a single model invocation (§4.D).
type InvokeOptions struct {
	Prompt       string
	ResumeID     string // empty = new session
	AllowedTools []string
	Model        string
	Timeout      time.Duration // 0 = caller must supply one of the two config defaults
}

// InvokeResult is the outcome of one subprocess invocation.
type InvokeResult struct {
	Text       string
	SessionID  string
	TimedOut   bool
	ExternallyKilled bool
	Partial    bool // stdout was truncated because the process was killed
}

// Gateway wraps the model CLI binary.
type Gateway struct {
	binPath string
	bus     *bus.Bus
	logger  *slog.Logger
	sync    *SyncSuppressor

	// execEnv/execExtraArgs/invokeCount exist only so tests can re-exec the
	// test binary itself as a fake model CLI (the stdlib os/exec self-exec
	// pattern); production callers never set them.
	execEnv       []string
	execExtraArgs []string
	invokeCount   int
}

// New creates a Gateway invoking binPath (the configured CLAUDE_PATH).
func New(binPath string, eventBus *bus.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{binPath: binPath, bus: eventBus, logger: logger, sync: &SyncSuppressor{}}
}

// SyncSuppressor implements the "out-of-band lock" armed on model timeout:
// dependent side-effects (e.g. retry-queue ticket state churn) should be
// suppressed for its duration while the model's real state catches up
// (§4.D, §8 scenario 2). Consulted by internal/retryqueue.
func (g *Gateway) SyncSuppressor() *SyncSuppressor { return g.sync }

// Invoke runs the model CLI once and returns its output. On timeout it
// escalates SIGTERM then, after 5s, SIGKILL, returning whatever stdout was
// captured up to that point, truncated to ~500 chars (§4.D). On detecting
// a corrupted resumed session it retries once without --resume.
func (g *Gateway) Invoke(ctx context.Context, opts InvokeOptions) (InvokeResult, error) {
	result, err := g.invokeOnce(ctx, opts)
	if err != nil {
		return result, err
	}
	if opts.ResumeID != "" && containsCorruptionMarker(result.Text) {
		g.logger.Warn("detected corrupted session, retrying without resume", "session_id", opts.ResumeID)
		if g.bus != nil {
			g.bus.Publish(bus.TopicModelSessionCorrupted, opts.ResumeID)
		}
		retryOpts := opts
		retryOpts.ResumeID = ""
		return g.invokeOnce(ctx, retryOpts)
	}
	return result, nil
}

func containsCorruptionMarker(text string) bool {
	for _, marker := range corruptedSessionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (g *Gateway) invokeOnce(ctx context.Context, opts InvokeOptions) (InvokeResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	args := []string{"-p", opts.Prompt, "--output-format", "text"}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(g.execExtraArgs) > 0 {
		args = append(append([]string{}, g.execExtraArgs...), args...)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.invokeCount++
	cmd := exec.CommandContext(runCtx, g.binPath, args...)
	if g.execEnv != nil {
		cmd.Env = g.execEnv
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Stdin = nil // model CLI reads the prompt from -p, not stdin

	g.logger.Info("invoking model",
		"prompt_len", len(opts.Prompt),
		"tool_count", len(opts.AllowedTools),
		"resumed", opts.ResumeID != "",
		"model", opts.Model,
	)

	if err := cmd.Start(); err != nil {
		return InvokeResult{}, fmt.Errorf("start model process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			if runCtx.Err() != nil {
				return g.onExternalKill(out.String()), ErrTimeout
			}
			return InvokeResult{}, fmt.Errorf("model process exited: %w", err)
		}
		return g.onSuccess(out.String()), nil

	case <-timer.C:
		return g.onTimeout(cmd, done, &out), ErrTimeout
	}
}

// onTimeout escalates SIGTERM then, after 5s, SIGKILL (§4.D).
func (g *Gateway) onTimeout(cmd *exec.Cmd, done chan error, out *bytes.Buffer) InvokeResult {
	g.sync.Arm(60 * time.Second)
	if g.bus != nil {
		g.bus.Publish(bus.TopicModelTimeout, nil)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
	return InvokeResult{
		Text:     truncate(out.String(), truncatedOutputLimit),
		TimedOut: true,
		Partial:  true,
	}
}

func (g *Gateway) onExternalKill(partial string) InvokeResult {
	if g.bus != nil {
		g.bus.Publish(bus.TopicModelExternalKill, nil)
	}
	return InvokeResult{
		Text:             truncate(partial, truncatedOutputLimit),
		ExternallyKilled: true,
		Partial:          true,
	}
}

func (g *Gateway) onSuccess(combined string) InvokeResult {
	result := InvokeResult{Text: combined}
	if m := sessionIDRe.FindStringSubmatch(combined); len(m) == 2 {
		result.SessionID = m[1]
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SyncSuppressor tracks an armed-until deadline. It is safe for concurrent
// use; atomic swap avoids taking a mutex on the read-heavy Suppressed path.
type SyncSuppressor struct {
	until atomic.Value // time.Time
}

// Arm suppresses dependent side-effects for the next d.
func (s *SyncSuppressor) Arm(d time.Duration) {
	s.until.Store(time.Now().Add(d))
}

// Suppressed reports whether the suppression window is still active.
func (s *SyncSuppressor) Suppressed() bool {
	v := s.until.Load()
	if v == nil {
		return false
	}
	return time.Now().Before(v.(time.Time))
}
