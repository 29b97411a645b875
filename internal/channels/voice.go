package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/relaycore/internal/delivery"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/schema"
	"github.com/relaycore/relaycore/internal/webhookrace"
)

// voiceEventSchema validates the voice-assistant webhook's intent+slots
// payload (§10 supplemented feature).
const voiceEventSchema = `{
	"type": "object",
	"required": ["session_id", "intent"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"intent": {"type": "string", "minLength": 1},
		"slots": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

var voiceValidator = func() *schema.Validator {
	v, err := schema.Compile("voice_event.json", []byte(voiceEventSchema))
	if err != nil {
		panic(fmt.Sprintf("channels: invalid voice event schema: %v", err))
	}
	return v
}()

type voiceEvent struct {
	SessionID string            `json:"session_id"`
	Intent    string            `json:"intent"`
	Slots     map[string]string `json:"slots"`
}

type voiceReply struct {
	Text    string `json:"text"`
	Pending bool   `json:"pending"`
}

// VoiceChannel is the voice-assistant webhook surface (§10 supplemented
// feature): each request races the Response Pipeline against a reply
// deadline via the Webhook Race Coordinator (§4.K), since voice
// assistant platforms require a synchronous HTTP reply within a fixed
// window. On a timer win the Delivery Engine (passed in as sender)
// delivers the eventual reply once the turn finishes in the background.
type VoiceChannel struct {
	pipeline *pipeline.Pipeline
	sender   delivery.Sender
	deadline time.Duration
	logger   *slog.Logger
}

// NewVoiceChannel creates a voice-assistant webhook channel. deadline<=0
// uses the Webhook Race Coordinator's default.
func NewVoiceChannel(p *pipeline.Pipeline, sender delivery.Sender, deadline time.Duration, logger *slog.Logger) *VoiceChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceChannel{pipeline: p, sender: sender, deadline: deadline, logger: logger}
}

func (v *VoiceChannel) Name() string { return "voice" }

// Start is a no-op: the voice channel has no long-poll loop, it is
// driven entirely by inbound webhook POSTs routed to ServeHTTP.
func (v *VoiceChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// ServeHTTP handles one voice-assistant webhook request: it races the
// turn against the configured deadline and writes either the
// synchronous reply or a pending acknowledgment (§4.K). On a timer win,
// the eventual reply is handed to the Delivery Engine's sender instead
// of this response writer.
func (v *VoiceChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := voiceValidator.ValidateBytes(body); err != nil {
		v.logger.Warn("voice webhook rejected invalid payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var ev voiceEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	channel := "voice:" + ev.SessionID
	text := formatVoiceTurn(ev)

	run := func(ctx context.Context) (webhookrace.Payload, error) {
		outcome, err := v.pipeline.Run(ctx, pipeline.Turn{Channel: channel, Text: text})
		if err != nil {
			return webhookrace.Payload{}, err
		}
		return webhookrace.Payload{Text: outcome.Text, Actions: outcome.Actions}, nil
	}

	onLate := func(payload webhookrace.Payload, err error) {
		if err != nil {
			v.logger.Warn("voice turn failed after deadline", "channel", channel, "error", err)
			return
		}
		if v.sender == nil || payload.Text == "" {
			return
		}
		if _, sendErr := v.sender.Send(context.Background(), channel, payload.Text); sendErr != nil {
			v.logger.Warn("voice late delivery failed", "channel", channel, "error", sendErr)
		}
	}

	result := webhookrace.Run(r.Context(), v.deadline, run, onLate, v.logger)

	w.Header().Set("Content-Type", "application/json")
	switch result.Outcome {
	case webhookrace.OutcomePipelineWon:
		json.NewEncoder(w).Encode(voiceReply{Text: result.Payload.Text, Pending: false})
	default:
		json.NewEncoder(w).Encode(voiceReply{Text: "Working on it.", Pending: true})
	}
}

// formatVoiceTurn renders an intent+slots payload into the plain-text
// turn the Response Pipeline's router/model expect.
func formatVoiceTurn(ev voiceEvent) string {
	if len(ev.Slots) == 0 {
		return ev.Intent
	}
	out := ev.Intent
	for k, val := range ev.Slots {
		out += fmt.Sprintf(" %s=%s", k, val)
	}
	return out
}
