package modelgw

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess is not a real test; it is re-executed as the fake
// model binary via fakeBin below (the stdlib os/exec self-exec pattern).
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MODELGW_HELPER") != "1" {
		return
	}
	defer os.Exit(0)
	switch os.Getenv("MODELGW_HELPER_MODE") {
	case "success":
		fmt.Print("Session ID: 11111111-2222-3333-4444-555555555555\nhello from model\n")
	case "corrupted":
		fmt.Print("Session ID: 11111111-2222-3333-4444-555555555555\nerror: tool_use.name mismatch\n")
	case "hang":
		time.Sleep(5 * time.Second)
	}
}

// fakeBin returns a path to the current test binary configured to behave
// as mode via MODELGW_HELPER_MODE.
func fakeBin(t *testing.T, mode string) string {
	t.Helper()
	return os.Args[0]
}

func fakeEnv(mode string) []string {
	return append(os.Environ(), "MODELGW_HELPER=1", "MODELGW_HELPER_MODE="+mode)
}

// gatewayWithEnv builds a Gateway whose subprocess invocation carries test
// env vars by wrapping exec indirectly: since Gateway shells out via
// exec.CommandContext(ctx, binPath, args...), we point binPath at the test
// binary itself and rely on -test.run to select TestHelperProcess.
func newTestGateway(t *testing.T, mode string) *Gateway {
	t.Helper()
	g := New(os.Args[0], nil, nil)
	g.execEnv = fakeEnv(mode)
	g.execExtraArgs = []string{"-test.run=TestHelperProcess", "--"}
	return g
}

func TestInvokeSuccessCapturesSessionID(t *testing.T) {
	g := newTestGateway(t, "success")
	result, err := g.Invoke(context.Background(), InvokeOptions{Prompt: "hi", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.SessionID != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("session id = %q", result.SessionID)
	}
	if !strings.Contains(result.Text, "hello from model") {
		t.Fatalf("text = %q", result.Text)
	}
}

func TestInvokeTimeoutEscalatesAndTruncates(t *testing.T) {
	g := newTestGateway(t, "hang")
	start := time.Now()
	result, err := g.Invoke(context.Background(), InvokeOptions{Prompt: "hi", Timeout: 200 * time.Millisecond})
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !result.TimedOut || !result.Partial {
		t.Fatalf("result = %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Fatalf("took too long to escalate to SIGKILL: %v", elapsed)
	}
	if !g.SyncSuppressor().Suppressed() {
		t.Fatal("expected sync suppressor to be armed after timeout")
	}
}

func TestInvokeRetriesOnCorruptedSession(t *testing.T) {
	g := newTestGateway(t, "corrupted")
	_, err := g.Invoke(context.Background(), InvokeOptions{Prompt: "hi", ResumeID: "old-session", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if g.invokeCount != 2 {
		t.Fatalf("expected one retry (2 invocations), got %d", g.invokeCount)
	}
}

var _ = exec.Command // keep exec imported for the self-exec pattern above
