// Package pipeline implements the Response Pipeline (§4.G): the
// per-turn orchestrator that ties the Channel Dispatcher, Context
// Assembler, Model Gateway, Tag Extractor, Approval Store, Dedup Memory
// Store, and Delivery Engine together. A single entry point fans a
// request through a fixed sequence of stages: save, route, assemble,
// invoke, post-process, deliver, reset.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/assembler"
	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/delivery"
	"github.com/relaycore/relaycore/internal/dispatch"
	"github.com/relaycore/relaycore/internal/memstore"
	"github.com/relaycore/relaycore/internal/modelgw"
	"github.com/relaycore/relaycore/internal/shared"
	"github.com/relaycore/relaycore/internal/store"
	"github.com/relaycore/relaycore/internal/tagx"
)

const generalAgent = "general"
const previewLimit = 80

// Route is the outcome of agent routing: which agent handles the turn
// and what the Model Gateway should be invoked with (§4.G step 2).
type Route struct {
	Agent        string
	AllowedTools []string
	Model        string
}

// Router classifies an inbound message to an agent. If unavailable, the
// pipeline falls back to the general agent (§4.G step 2).
type Router interface {
	Route(ctx context.Context, channel, text string) (Route, error)
}

// GeneralRouter is the zero-configuration fallback: every turn goes to
// the general agent with no tool restrictions.
type GeneralRouter struct{}

func (GeneralRouter) Route(ctx context.Context, channel, text string) (Route, error) {
	return Route{Agent: generalAgent}, nil
}

// ModelGateway is the narrow surface the Response Pipeline needs from the
// Model Gateway (§4.D); kept as an interface, not the concrete
// *modelgw.Gateway, so tests can exercise the pipeline without spawning
// a real model subprocess.
type ModelGateway interface {
	Invoke(ctx context.Context, opts modelgw.InvokeOptions) (modelgw.InvokeResult, error)
}

// PlaybookRunner executes a captured playbook command (§4.A). It is
// optional; pipelines built before internal/playbook exists simply drop
// captured commands on the floor.
type PlaybookRunner interface {
	Run(ctx context.Context, cmd tagx.PlaybookCommand, agent, channel string)
}

// MultiStepFunc is a caller-provided orchestrator that chains several
// agents (pipeline/fan-out/critic-loop) instead of a single model call
// (§4.G "two execution modes"). It receives the assembled prompt and
// returns the final cleaned text plus whether the run was cut short.
type MultiStepFunc func(ctx context.Context, prompt string, route Route) (text string, partial bool, err error)

// Turn is one inbound message to process.
type Turn struct {
	Channel    string
	Text       string
	MultiStep  MultiStepFunc // nil = single-agent mode (default)
	AnnounceFn func(channel string) // called once before a multi-step run starts (§4.G)
}

// Pipeline wires every CORE component into the seven-step turn flow.
type Pipeline struct {
	store      *store.Store
	memory     *memstore.Store
	approvals  *approval.Store
	model      ModelGateway
	dispatcher *dispatch.Dispatcher
	delivery   *delivery.Engine
	sources    assembler.Sources
	router     Router
	playbook   PlaybookRunner
	bus        *bus.Bus
	logger     *slog.Logger

	assembleTimeout       time.Duration
	modelTimeoutWithTools time.Duration
	modelTimeoutNoTools   time.Duration
}

// Config configures a Pipeline.
type Config struct {
	Store      *store.Store
	Memory     *memstore.Store
	Approvals  *approval.Store
	Model      ModelGateway
	Dispatcher *dispatch.Dispatcher
	Delivery   *delivery.Engine
	Sources    assembler.Sources
	Router     Router
	Playbook   PlaybookRunner
	Bus        *bus.Bus
	Logger     *slog.Logger

	AssembleTimeout       time.Duration
	ModelTimeoutWithTools time.Duration
	ModelTimeoutNoTools   time.Duration
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = GeneralRouter{}
	}
	if cfg.AssembleTimeout <= 0 {
		cfg.AssembleTimeout = 3 * time.Second
	}
	if cfg.ModelTimeoutWithTools <= 0 {
		cfg.ModelTimeoutWithTools = 420 * time.Second
	}
	if cfg.ModelTimeoutNoTools <= 0 {
		cfg.ModelTimeoutNoTools = 60 * time.Second
	}
	return &Pipeline{
		store:                 cfg.Store,
		memory:                cfg.Memory,
		approvals:             cfg.Approvals,
		model:                 cfg.Model,
		dispatcher:            cfg.Dispatcher,
		delivery:              cfg.Delivery,
		sources:               cfg.Sources,
		router:                cfg.Router,
		playbook:              cfg.Playbook,
		bus:                   cfg.Bus,
		logger:                cfg.Logger,
		assembleTimeout:       cfg.AssembleTimeout,
		modelTimeoutWithTools: cfg.ModelTimeoutWithTools,
		modelTimeoutNoTools:   cfg.ModelTimeoutNoTools,
	}
}

// Submit hands a turn to the Channel Dispatcher, which serializes it
// behind the shared model-invocation gate (§4.E, §4.G). It returns
// immediately; the turn runs asynchronously.
func (p *Pipeline) Submit(ctx context.Context, turn Turn) {
	preview := turn.Text
	if len(preview) > previewLimit {
		preview = preview[:previewLimit] + "…"
	}
	p.dispatcher.Submit(ctx, turn.Channel, preview, func(ctx context.Context) {
		p.run(ctx, turn)
	})
}

// Run executes a turn synchronously, bypassing the dispatcher's queue.
// Used by the Webhook Race Coordinator (§4.K), which owns its own
// concurrency (the turn is already running inside the shared gate by the
// time the coordinator races it against a deadline) and by tests.
func (p *Pipeline) Run(ctx context.Context, turn Turn) (Outcome, error) {
	return p.run(ctx, turn)
}

// Outcome is the pipeline's result for one turn, returned to callers
// that need the synchronous payload (the Webhook Race Coordinator).
type Outcome struct {
	Text    string
	Actions []approval.PendingAction
	Partial bool
}

func (p *Pipeline) run(ctx context.Context, turn Turn) (Outcome, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	p.logger.Debug("turn started", "channel", turn.Channel, "trace_id", shared.TraceID(ctx))

	if p.bus != nil {
		p.bus.Publish(bus.TopicTurnStarted, turn.Channel)
	}

	conversationID, err := p.getOrCreateActiveConversation(ctx, turn.Channel)
	if err != nil {
		return p.fail(turn.Channel, fmt.Errorf("get or create conversation: %w", err))
	}

	if _, err := p.store.InsertMessage(ctx, store.Message{
		Role:           store.RoleUser,
		Content:        turn.Text,
		Channel:        turn.Channel,
		ConversationID: &conversationID,
	}); err != nil {
		return p.fail(turn.Channel, fmt.Errorf("save user message: %w", err))
	}

	route, err := p.router.Route(ctx, turn.Channel, turn.Text)
	if err != nil || route.Agent == "" {
		route = Route{Agent: generalAgent}
	}

	if _, err := p.store.EnsureActiveAgentSession(ctx, turn.Channel, route.Agent); err != nil {
		p.logger.Warn("ensure active agent session failed", "channel", turn.Channel, "error", err)
	}

	prompt := assembler.Assemble(ctx, p.sources, turn.Text, p.assembleTimeout)

	var rawText string
	partial := false
	if turn.MultiStep != nil {
		if turn.AnnounceFn != nil {
			turn.AnnounceFn(turn.Channel)
		}
		rawText, partial, err = turn.MultiStep(ctx, prompt, route)
		if err != nil && rawText == "" {
			return p.fail(turn.Channel, fmt.Errorf("multi-step orchestrator: %w", err))
		}
		if partial {
			rawText = strings.TrimRight(rawText, "\n") + "\n\n[execution incomplete]"
		}
	} else {
		rawText, err = p.invokeModel(ctx, turn.Channel, route, prompt)
		if err != nil {
			return p.fail(turn.Channel, fmt.Errorf("model invocation: %w", err))
		}
	}

	extraction := tagx.Extract(rawText)
	actions := p.postProcess(ctx, turn.Channel, route.Agent, conversationID, extraction)

	result := p.deliver(ctx, turn.Channel, extraction)

	if _, err := p.store.InsertMessage(ctx, store.Message{
		Role:           store.RoleAssistant,
		Content:        extraction.CleanedText,
		Channel:        turn.Channel,
		ConversationID: &conversationID,
		DeliveryStatus: statusPtr(string(result.Status)),
	}); err != nil {
		p.logger.Error("save assistant message failed", "channel", turn.Channel, "error", err)
	}

	if p.bus != nil {
		p.bus.Publish(bus.TopicTurnCompleted, bus.TurnCompletedEvent{Channel: turn.Channel, Status: "succeeded"})
	}

	return Outcome{
		Text:    extraction.CleanedText,
		Actions: actions,
		Partial: partial,
	}, nil
}

func (p *Pipeline) fail(channel string, err error) (Outcome, error) {
	p.logger.Error("turn failed", "channel", channel, "error", err)
	if p.bus != nil {
		p.bus.Publish(bus.TopicTurnFailed, bus.TurnCompletedEvent{Channel: channel, Status: "failed"})
	}
	return Outcome{}, err
}

// getOrCreateActiveConversation implements the §4.H/§4.G "get or create
// active conversation for channel" helper.
func (p *Pipeline) getOrCreateActiveConversation(ctx context.Context, channel string) (string, error) {
	existing, err := p.store.ActiveConversation(ctx, channel)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	return p.store.InsertConversation(ctx, store.Conversation{
		Channel:   channel,
		StartedAt: time.Now().UTC(),
	})
}

// invokeModel runs the single-agent default mode: one Model Gateway call
// with session resume and a typing heartbeat already running via the
// dispatcher that owns this goroutine (§4.G step 4).
func (p *Pipeline) invokeModel(ctx context.Context, channel string, route Route, prompt string) (string, error) {
	resumeKey := "session:" + channel + ":" + route.Agent
	resumeID, _, err := p.store.KVGet(ctx, resumeKey)
	if err != nil {
		p.logger.Warn("load session resume id failed", "key", resumeKey, "error", err)
	}

	allowTools := len(route.AllowedTools) > 0
	timeout := p.modelTimeoutNoTools
	if allowTools {
		timeout = p.modelTimeoutWithTools
	}

	result, err := p.model.Invoke(ctx, modelgw.InvokeOptions{
		Prompt:       prompt,
		ResumeID:     resumeID,
		AllowedTools: route.AllowedTools,
		Model:        route.Model,
		Timeout:      timeout,
	})
	if err != nil {
		return "", err
	}
	if result.SessionID != "" && result.SessionID != resumeID {
		if err := p.store.KVSet(ctx, resumeKey, result.SessionID); err != nil {
			p.logger.Warn("persist session resume id failed", "key", resumeKey, "error", err)
		}
	}
	return result.Text, nil
}

// postProcess runs step 5: write memory/goal/completion intents, register
// pending confirmations, and forward playbook commands (§4.G). It returns
// the registered PendingActions so the caller can surface inline
// approve/deny handles.
func (p *Pipeline) postProcess(ctx context.Context, channel, agent, conversationID string, ext tagx.Extraction) []approval.PendingAction {
	for _, mi := range ext.MemoryIntents {
		if _, err := p.memory.InsertWithDedup(ctx, memstore.InsertParams{
			Type:           store.MemoryTypeFact,
			Content:        mi.Content,
			SourceAgent:    agent,
			Visibility:     store.Visibility(mi.Visibility),
			ConversationID: &conversationID,
		}); err != nil {
			p.logger.Warn("insert memory intent failed", "error", err)
		}
	}

	for _, gi := range ext.GoalIntents {
		var deadline *time.Time
		if gi.Deadline != "" {
			if t, err := time.Parse(time.RFC3339, gi.Deadline); err == nil {
				deadline = &t
			} else if t, err := time.Parse("2006-01-02", gi.Deadline); err == nil {
				deadline = &t
			}
		}
		if _, err := p.memory.InsertWithDedup(ctx, memstore.InsertParams{
			Type:           store.MemoryTypeGoal,
			Content:        gi.Content,
			SourceAgent:    agent,
			Visibility:     store.VisibilityShared,
			Deadline:       deadline,
			ConversationID: &conversationID,
		}); err != nil {
			p.logger.Warn("insert goal intent failed", "error", err)
		}
	}

	for _, di := range ext.DoneIntents {
		if err := p.resolveDoneIntent(ctx, di); err != nil {
			p.logger.Warn("resolve done intent failed", "search", di.Search, "error", err)
		}
	}

	var actions []approval.PendingAction
	for _, c := range ext.Confirmations {
		id := p.approvals.StoreAction(c.Description, "", agent, channel, approval.TransportHandle{Channel: channel}, 0)
		if action, ok := p.approvals.Get(id); ok {
			actions = append(actions, action)
		}
	}

	if p.playbook != nil {
		for _, cmd := range ext.PlaybookCommands {
			p.playbook.Run(ctx, cmd, agent, channel)
		}
	}

	return actions
}

// resolveDoneIntent matches a `[DONE: search]` marker against active
// goals by case-insensitive substring, newest-first (§9 open question
// decision: ambiguous matches resolve to the most recently created goal).
func (p *Pipeline) resolveDoneIntent(ctx context.Context, di tagx.DoneIntent) error {
	goals, err := p.store.ActiveGoals(ctx)
	if err != nil {
		return err
	}
	needle := strings.ToLower(di.Search)
	for _, g := range goals { // ActiveGoals is already newest-first
		if strings.Contains(strings.ToLower(g.Content), needle) {
			return p.store.CompleteGoal(ctx, g.ID)
		}
	}
	return nil
}

// deliver implements step 6: the cleaned text body, plus each
// confirmation as its own message carrying inline approve/deny handles.
func (p *Pipeline) deliver(ctx context.Context, channel string, ext tagx.Extraction) delivery.Result {
	result := p.delivery.Deliver(ctx, ext.CleanedText, delivery.Options{Channel: channel})
	for _, c := range ext.Confirmations {
		p.delivery.Deliver(ctx, "Confirm: "+c.Description, delivery.Options{Channel: channel})
	}
	return result
}

func statusPtr(s string) *string { return &s }
