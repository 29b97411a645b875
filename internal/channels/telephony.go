package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/schema"
)

// telephonyEventSchema validates one frame of the telephony media-stream
// lifecycle: connected, start, media, mark, stop (§10 supplemented
// feature).
const telephonyEventSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "enum": ["connected", "start", "media", "mark", "stop"]},
		"streamSid": {"type": "string"},
		"media": {
			"type": "object",
			"properties": {
				"payload": {"type": "string"}
			}
		},
		"transcript": {"type": "string"}
	},
	"if": {"properties": {"event": {"const": "media"}}},
	"then": {"required": ["media"]}
}`

var telephonyValidator = func() *schema.Validator {
	v, err := schema.Compile("telephony_event.json", []byte(telephonyEventSchema))
	if err != nil {
		panic(fmt.Sprintf("channels: invalid telephony event schema: %v", err))
	}
	return v
}()

type telephonyFrame struct {
	Event      string `json:"event"`
	StreamSid  string `json:"streamSid"`
	Transcript string `json:"transcript"`
	Media      *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// consolidationRunner is the narrow surface telephony needs from the
// Consolidator: trigger (b), a call ending closes out its conversation
// immediately rather than waiting for the periodic batch (§4.H).
type consolidationRunner interface {
	Run(ctx context.Context, channel string) (int, error)
}

// TelephonyChannel is the telephony media-stream websocket transport
// (§10 supplemented feature): the same websocket.Accept pattern as
// BrowserChannel, but driven by a fixed lifecycle envelope
// (connected/start/media/mark/stop) instead of free-form JSON-RPC
// frames, and it never emits voice audio back (§4.C
// text-only delivery still applies — the call's spoken reply is produced
// by an upstream telephony provider from the pipeline's delivered text,
// which this channel does not own).
type TelephonyChannel struct {
	allowOrigins []string
	pipeline     *pipeline.Pipeline
	consolidator consolidationRunner
	logger       *slog.Logger

	mu      sync.Mutex
	streams map[string]string // streamSid -> channel key, for attributing media/stop to the right conversation
}

// NewTelephonyChannel creates a telephony media-stream channel.
// consolidator may be nil, in which case a "stop" event is logged but
// does not trigger immediate consolidation.
func NewTelephonyChannel(allowOrigins []string, p *pipeline.Pipeline, consolidator consolidationRunner, logger *slog.Logger) *TelephonyChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelephonyChannel{
		allowOrigins: allowOrigins,
		pipeline:     p,
		consolidator: consolidator,
		logger:       logger,
		streams:      make(map[string]string),
	}
}

func (t *TelephonyChannel) Name() string { return "telephony" }

// Start is a no-op: the telephony channel is driven by HTTP upgrades
// routed to ServeHTTP, not a long-poll loop of its own.
func (t *TelephonyChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// ServeHTTP upgrades one telephony media-stream connection and serves
// its lifecycle until the call ends or the context is canceled.
func (t *TelephonyChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: t.allowOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	var channel string

	for {
		raw := map[string]any{}
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.logger.Info("telephony stream disconnected", "channel", channel, "error", err)
			return
		}
		frame, err := decodeTelephonyFrame(raw)
		if err != nil {
			t.logger.Warn("telephony frame rejected", "error", err)
			continue
		}

		switch frame.Event {
		case "start":
			channel = "telephony:" + frame.StreamSid
			t.mu.Lock()
			t.streams[frame.StreamSid] = channel
			t.mu.Unlock()
		case "media":
			t.handleMedia(ctx, frame)
		case "stop":
			t.handleStop(ctx, frame)
			return
		case "connected", "mark":
			// no action: acknowledgement frames carry no payload to route.
		}
	}
}

// handleMedia submits a decoded speech transcript, when the upstream
// provider has already attached one to the frame (µ-law-to-text
// transcription itself is out of scope here — it happens upstream of
// this channel).
func (t *TelephonyChannel) handleMedia(ctx context.Context, frame telephonyFrame) {
	if frame.Transcript == "" {
		return
	}
	t.mu.Lock()
	channel, ok := t.streams[frame.StreamSid]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.pipeline.Submit(ctx, pipeline.Turn{Channel: channel, Text: frame.Transcript})
}

// handleStop triggers immediate consolidation for the call's channel
// (§4.H trigger (b): conversation end), rather than waiting for the
// periodic batch.
func (t *TelephonyChannel) handleStop(ctx context.Context, frame telephonyFrame) {
	t.mu.Lock()
	channel, ok := t.streams[frame.StreamSid]
	delete(t.streams, frame.StreamSid)
	t.mu.Unlock()
	if !ok || t.consolidator == nil {
		return
	}
	if _, err := t.consolidator.Run(ctx, channel); err != nil {
		t.logger.Warn("telephony-triggered consolidation failed", "channel", channel, "error", err)
	}
}

// decodeTelephonyFrame validates raw against the lifecycle schema and
// decodes it into a telephonyFrame. media.payload is validated as
// present but not decoded here: this channel does not need the raw
// µ-law audio itself, only the event's routing fields.
func decodeTelephonyFrame(raw map[string]any) (telephonyFrame, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return telephonyFrame{}, err
	}
	if err := telephonyValidator.ValidateBytes(encoded); err != nil {
		return telephonyFrame{}, fmt.Errorf("invalid telephony frame: %w", err)
	}
	var frame telephonyFrame
	if err := json.Unmarshal(encoded, &frame); err != nil {
		return telephonyFrame{}, err
	}
	return frame, nil
}
