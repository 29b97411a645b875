package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/schema"
)

// enterpriseEventSchema validates the enterprise chat platform's webhook
// envelope: either a plain message event or a card-button callback.
const enterpriseEventSchema = `{
	"type": "object",
	"required": ["type", "channel"],
	"properties": {
		"type": {"type": "string", "enum": ["message", "block_actions"]},
		"channel": {"type": "string", "minLength": 1},
		"user": {"type": "string"},
		"text": {"type": "string"},
		"action_id": {"type": "string"},
		"response_url": {"type": "string"}
	},
	"if": {"properties": {"type": {"const": "block_actions"}}},
	"then": {"required": ["action_id"]}
}`

var enterpriseValidator = func() *schema.Validator {
	v, err := schema.Compile("enterprise_event.json", []byte(enterpriseEventSchema))
	if err != nil {
		panic(fmt.Sprintf("channels: invalid enterprise event schema: %v", err))
	}
	return v
}()

type enterpriseEvent struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	User        string `json:"user"`
	Text        string `json:"text"`
	ActionID    string `json:"action_id"`
	ResponseURL string `json:"response_url"`
}

// EnterpriseChannel is the enterprise chat webhook surface (§10
// supplemented feature): inbound messages are submitted to the Response
// Pipeline, and card-button clicks resolve PendingActions, mirroring
// TelegramChannel.handleCallbackQuery's approve/deny parsing but over a
// synchronous HTTP webhook reply instead of a bot API callback.
type EnterpriseChannel struct {
	pipeline   *pipeline.Pipeline
	approvals  *approval.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	httpClient *http.Client

	mu         sync.Mutex
	lastUser   map[string]string // channel -> user id, for "who resolved this" attribution
	webhookURL map[string]string // channel -> outgoing webhook URL for Send
}

// NewEnterpriseChannel creates an enterprise chat webhook channel. Each
// inbound message registers its own reply-to URL (passed by the caller
// when routing the webhook), so Send can deliver without a separate
// discovery call.
func NewEnterpriseChannel(p *pipeline.Pipeline, approvals *approval.Store, eventBus *bus.Bus, logger *slog.Logger) *EnterpriseChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnterpriseChannel{
		pipeline:   p,
		approvals:  approvals,
		eventBus:   eventBus,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastUser:   make(map[string]string),
		webhookURL: make(map[string]string),
	}
}

func (e *EnterpriseChannel) Name() string { return "enterprise" }

// Start subscribes to the Approval Store's bus notifications, so a
// PendingAction raised outside a direct reply (e.g. by a background
// playbook command) still reaches the originating channel as a
// card-button prompt, then blocks until ctx is canceled: the enterprise
// channel has no long-poll loop of its own, it is otherwise driven
// entirely by inbound webhook POSTs routed to ServeHTTP.
func (e *EnterpriseChannel) Start(ctx context.Context) error {
	if e.eventBus != nil {
		go e.watchApprovalRequests(ctx)
	}
	<-ctx.Done()
	return nil
}

// watchApprovalRequests mirrors TelegramChannel.watchApprovalRequests:
// each new PendingAction for a channel this instance has seen a webhook
// for is posted back as a card prompt on that channel's reply webhook.
func (e *EnterpriseChannel) watchApprovalRequests(ctx context.Context) {
	sub := e.eventBus.Subscribe(bus.TopicApprovalRequested)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			reqEvent, ok := ev.Payload.(bus.ApprovalRequestedEvent)
			if !ok {
				continue
			}
			action, ok := e.approvals.Get(reqEvent.RequestID)
			if !ok {
				continue
			}
			text := fmt.Sprintf("Approval requested: %s (reply with approve:%s or deny:%s)", action.Description, action.ID, action.ID)
			if _, err := e.Send(ctx, reqEvent.Channel, text); err != nil {
				e.logger.Warn("failed to post approval card", "channel", reqEvent.Channel, "error", err)
			}
		}
	}
}

// RegisterWebhook records the outgoing reply URL for a channel, taken
// from the inbound event's response_url field (the platform's standard
// way of letting a later async reply target the originating thread).
func (e *EnterpriseChannel) RegisterWebhook(channel, responseURL string) {
	if responseURL == "" {
		return
	}
	e.mu.Lock()
	e.webhookURL[channel] = responseURL
	e.mu.Unlock()
}

// Send implements delivery.Sender: POSTs the reply back to the channel's
// registered outgoing webhook URL (§4.C).
func (e *EnterpriseChannel) Send(ctx context.Context, channel, text string) (string, error) {
	e.mu.Lock()
	url, ok := e.webhookURL[channel]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("enterprise channel %s has no registered reply webhook", channel)
	}
	payload, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("enterprise send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("enterprise send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("enterprise send: webhook returned status %d", resp.StatusCode)
	}
	return channel, nil
}

// ServeHTTP handles one webhook delivery: a message event is submitted to
// the pipeline, a block_actions event resolves a pending approval.
func (e *EnterpriseChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := enterpriseValidator.ValidateBytes(body); err != nil {
		e.logger.Warn("enterprise webhook rejected invalid payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var ev enterpriseEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	channel := "enterprise:" + ev.Channel

	switch ev.Type {
	case "message":
		if ev.Text == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		e.mu.Lock()
		e.lastUser[channel] = ev.User
		e.mu.Unlock()
		e.RegisterWebhook(channel, ev.ResponseURL)
		e.pipeline.Submit(r.Context(), pipeline.Turn{Channel: channel, Text: ev.Text})
		w.WriteHeader(http.StatusOK)
	case "block_actions":
		e.handleBlockAction(w, ev)
	default:
		http.Error(w, "unsupported event type", http.StatusBadRequest)
	}
}

// handleBlockAction resolves a card-button click against the Approval
// Store (§4.B), same "id:action" parse as Telegram's inline keyboard.
func (e *EnterpriseChannel) handleBlockAction(w http.ResponseWriter, ev enterpriseEvent) {
	requestID, action, err := parseApprovalCallback(ev.ActionID)
	if err != nil {
		http.Error(w, "malformed action id", http.StatusBadRequest)
		return
	}
	pending, ok := e.approvals.Resolve(requestID, action)
	if !ok {
		json.NewEncoder(w).Encode(map[string]string{"text": "This request has expired."})
		return
	}
	verb := "approved"
	if action == "deny" {
		verb = "denied"
	}
	json.NewEncoder(w).Encode(map[string]string{
		"text": fmt.Sprintf("%s — %s by %s", pending.Description, verb, ev.User),
	})
}
