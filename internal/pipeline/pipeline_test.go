package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/assembler"
	"github.com/relaycore/relaycore/internal/delivery"
	"github.com/relaycore/relaycore/internal/memstore"
	"github.com/relaycore/relaycore/internal/modelgw"
	"github.com/relaycore/relaycore/internal/store"
)

type fakeModel struct {
	mu     sync.Mutex
	text   string
	err    error
	calls  int
	lastOp modelgw.InvokeOptions
}

func (f *fakeModel) Invoke(ctx context.Context, opts modelgw.InvokeOptions) (modelgw.InvokeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastOp = opts
	if f.err != nil {
		return modelgw.InvokeResult{}, f.err
	}
	return modelgw.InvokeResult{Text: f.text, SessionID: "sess-1"}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, channel, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return "ext-" + channel, nil
}

type erroringRouter struct{}

func (erroringRouter) Route(ctx context.Context, channel, text string) (Route, error) {
	return Route{}, errors.New("routing backend unavailable")
}

func newTestPipeline(t *testing.T, model ModelGateway) (*Pipeline, *store.Store, *fakeSender) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mem := memstore.New(s, store.NoopSearcher{})
	approvals := approval.New(nil, nil)
	sender := &fakeSender{}
	deliv := delivery.New(delivery.Config{Sender: sender, Store: s})

	p := New(Config{
		Store:     s,
		Memory:    mem,
		Approvals: approvals,
		Model:     model,
		Delivery:  deliv,
		Sources:   assembler.Sources{},
	})
	return p, s, sender
}

func TestRunHappyPathSavesMessagesAndDelivers(t *testing.T) {
	model := &fakeModel{text: "hello there"}
	p, s, sender := newTestPipeline(t, model)

	out, err := p.Run(context.Background(), Turn{Channel: "chan1", Text: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Text != "hello there" {
		t.Fatalf("outcome text = %q", out.Text)
	}
	if len(out.Actions) != 0 {
		t.Fatalf("expected no actions, got %+v", out.Actions)
	}

	sender.mu.Lock()
	sent := append([]string(nil), sender.sent...)
	sender.mu.Unlock()
	if len(sent) != 1 || sent[0] != "hello there" {
		t.Fatalf("sent = %+v", sent)
	}

	msgs, err := s.UnsummarizedMessages(context.Background(), "chan1", 0)
	if err != nil {
		t.Fatalf("unsummarized messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 saved messages, got %d", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "hi" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Content != "hello there" {
		t.Fatalf("second message = %+v", msgs[1])
	}
	if msgs[1].DeliveryStatus == nil || *msgs[1].DeliveryStatus != string(delivery.StatusSent) {
		t.Fatalf("assistant delivery status = %v", msgs[1].DeliveryStatus)
	}
}

func TestRunFallsBackToGeneralAgentOnRouterError(t *testing.T) {
	model := &fakeModel{text: "ok"}
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mem := memstore.New(s, store.NoopSearcher{})
	approvals := approval.New(nil, nil)
	sender := &fakeSender{}
	deliv := delivery.New(delivery.Config{Sender: sender, Store: s})

	p := New(Config{
		Store:     s,
		Memory:    mem,
		Approvals: approvals,
		Model:     model,
		Delivery:  deliv,
		Sources:   assembler.Sources{},
		Router:    erroringRouter{},
	})

	if _, err := p.Run(context.Background(), Turn{Channel: "chan1", Text: "hi"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if model.lastOp.Prompt == "" {
		t.Fatalf("model was never invoked")
	}
	agent, err := s.AgentForWindow(context.Background(), "chan1", time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("agent for window: %v", err)
	}
	if agent != generalAgent {
		t.Fatalf("expected fallback to general agent, got %q", agent)
	}
}

func TestRunExtractsMemoryGoalAndConfirmation(t *testing.T) {
	model := &fakeModel{text: "[REMEMBER: user likes coffee]\n[GOAL: finish the report]\n[CONFIRM: send the weekly digest]\nAll set."}
	p, s, _ := newTestPipeline(t, model)

	out, err := p.Run(context.Background(), Turn{Channel: "chan2", Text: "remember this"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Text != "All set." {
		t.Fatalf("cleaned text = %q", out.Text)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("expected 1 registered action, got %d: %+v", len(out.Actions), out.Actions)
	}
	if out.Actions[0].ID == "" {
		t.Fatalf("registered action has no id: %+v", out.Actions[0])
	}
	if out.Actions[0].Description != "send the weekly digest" {
		t.Fatalf("action description = %q", out.Actions[0].Description)
	}

	goals, err := s.ActiveGoals(context.Background())
	if err != nil {
		t.Fatalf("active goals: %v", err)
	}
	if len(goals) != 1 || goals[0].Content != "finish the report" {
		t.Fatalf("goals = %+v", goals)
	}
}

func TestRunResolvesDoneIntentAgainstNewestMatchingGoal(t *testing.T) {
	model := &fakeModel{text: "[DONE: report]"}
	p, s, _ := newTestPipeline(t, model)
	ctx := context.Background()

	older, err := s.InsertMemory(ctx, store.MemoryRecord{Type: store.MemoryTypeGoal, Content: "finish the report draft", Visibility: store.VisibilityShared})
	if err != nil {
		t.Fatalf("insert older goal: %v", err)
	}
	newer, err := s.InsertMemory(ctx, store.MemoryRecord{Type: store.MemoryTypeGoal, Content: "finish the report review", Visibility: store.VisibilityShared})
	if err != nil {
		t.Fatalf("insert newer goal: %v", err)
	}

	if _, err := p.Run(ctx, Turn{Channel: "chan3", Text: "done"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	goals, err := s.ActiveGoals(ctx)
	if err != nil {
		t.Fatalf("active goals: %v", err)
	}
	if len(goals) != 1 || goals[0].ID != older {
		t.Fatalf("expected only the older goal (%s) still active, got %+v (newer=%s)", older, goals, newer)
	}
}

func TestRunMultiStepModeAnnouncesAndMarksPartial(t *testing.T) {
	model := &fakeModel{text: "unused"}
	p, _, sender := newTestPipeline(t, model)

	var announced string
	multiStep := func(ctx context.Context, prompt string, route Route) (string, bool, error) {
		return "partial progress", true, nil
	}

	out, err := p.Run(context.Background(), Turn{
		Channel:    "chan4",
		Text:       "do a long task",
		MultiStep:  multiStep,
		AnnounceFn: func(channel string) { announced = channel },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if announced != "chan4" {
		t.Fatalf("announce fn not called with channel, got %q", announced)
	}
	if !out.Partial {
		t.Fatalf("expected Partial=true")
	}
	if model.calls != 0 {
		t.Fatalf("single-agent model should not be invoked in multi-step mode, calls=%d", model.calls)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] == "" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestRunFailsTurnWhenSingleAgentModelErrors(t *testing.T) {
	model := &fakeModel{err: errors.New("model process crashed")}
	p, _, _ := newTestPipeline(t, model)

	if _, err := p.Run(context.Background(), Turn{Channel: "chan5", Text: "hi"}); err == nil {
		t.Fatalf("expected error when model invocation fails")
	}
}
