// Package consolidator implements the Consolidator (§4.H): groups
// unsummarized messages into blocks, extracts a strict-JSON summary per
// block via the model, and writes summaries/memories back with rollback
// on failure. The JSON extraction is validated against the consolidator's
// fixed {summary, memories} shape via internal/schema, rather than trusted
// as free-form model output.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/memstore"
	"github.com/relaycore/relaycore/internal/schema"
	"github.com/relaycore/relaycore/internal/store"
)

// extractionSchema is the JSON Schema the consolidator prompt's output
// must satisfy: a non-empty summary plus zero or more typed memories.
// Any violation is a JsonParseFailure and rolls the block back (§4.H
// step 3.c/d).
const extractionSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"memories": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "content"],
				"properties": {
					"type": {"type": "string", "enum": ["fact", "action_item"]},
					"content": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var extractionValidator = mustCompileExtractionSchema()

func mustCompileExtractionSchema() *schema.Validator {
	v, err := schema.Compile("consolidator_extraction.json", []byte(extractionSchema))
	if err != nil {
		panic(fmt.Sprintf("consolidator: invalid extraction schema: %v", err))
	}
	return v
}

const (
	fetchLimit  = 50
	blockGap    = 30 * time.Minute
	generalAgent = "general"
)

// ModelInvoker is the narrow surface the Consolidator needs from the
// Model Gateway: a single text-in/text-out call with no session resume.
type ModelInvoker interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// CacheInvalidator is called after every successfully consolidated block
// so a caller-owned context cache (e.g. the assembler's structured
// context fragment) knows to refetch (§4.H step 4).
type CacheInvalidator func(channel string)

type extraction struct {
	Summary  string             `json:"summary"`
	Memories []extractedMemory  `json:"memories"`
}

type extractedMemory struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Consolidator groups and summarizes unsummarized messages (§4.H).
type Consolidator struct {
	store      *store.Store
	memory     *memstore.Store
	model      ModelInvoker
	bus        *bus.Bus
	logger     *slog.Logger
	invalidate CacheInvalidator
}

// New creates a Consolidator.
func New(s *store.Store, mem *memstore.Store, model ModelInvoker, eventBus *bus.Bus, logger *slog.Logger, invalidate CacheInvalidator) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{store: s, memory: mem, model: model, bus: eventBus, logger: logger, invalidate: invalidate}
}

// Run fetches up to 50 unsummarized messages (optionally scoped to one
// channel), groups them into blocks, and processes each block in order
// (§4.H). It returns the number of blocks successfully consolidated.
func (c *Consolidator) Run(ctx context.Context, channel string) (int, error) {
	if c.bus != nil {
		c.bus.Publish(bus.TopicConsolidationStarted, channel)
	}
	messages, err := c.store.UnsummarizedMessages(ctx, channel, fetchLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch unsummarized messages: %w", err)
	}
	blocks := groupIntoBlocks(messages)

	succeeded := 0
	for _, block := range blocks {
		if err := c.processBlock(ctx, block); err != nil {
			c.logger.Warn("consolidation block failed, rolled back", "channel", block[0].Channel, "error", err)
			continue
		}
		succeeded++
	}
	return succeeded, nil
}

// groupIntoBlocks splits messages into maximal runs with the same channel
// and no inter-message gap over 30 min (§4.H step 2, §10 glossary "Block").
func groupIntoBlocks(messages []store.Message) [][]store.Message {
	var blocks [][]store.Message
	var current []store.Message
	for _, m := range messages {
		if len(current) > 0 {
			last := current[len(current)-1]
			if m.Channel != last.Channel || m.CreatedAt.Sub(last.CreatedAt) > blockGap {
				blocks = append(blocks, current)
				current = nil
			}
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func (c *Consolidator) processBlock(ctx context.Context, block []store.Message) error {
	channel := block[0].Channel
	ids := make([]string, len(block))
	for i, m := range block {
		ids[i] = m.ID
	}

	endedAt := block[len(block)-1].CreatedAt
	conv := store.Conversation{
		Channel:      channel,
		StartedAt:    block[0].CreatedAt,
		EndedAt:      &endedAt,
		MessageCount: len(block),
	}
	conversationID, err := c.store.InsertConversation(ctx, conv)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if err := c.store.AssignConversation(ctx, ids, conversationID); err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}

	transcript := buildTranscript(block)
	raw, err := c.model.Summarize(ctx, transcript)
	if err != nil {
		c.rollback(ctx, ids, conversationID)
		return fmt.Errorf("model summarize: %w", err)
	}

	ext, err := parseExtraction(raw)
	if err != nil {
		c.rollback(ctx, ids, conversationID)
		return fmt.Errorf("invalid extraction JSON: %w", err)
	}

	agent, err := c.attributeAgent(ctx, channel, block[0].CreatedAt, block[len(block)-1].CreatedAt)
	if err != nil {
		agent = generalAgent
	}

	if err := c.store.MarkSummarized(ctx, ids); err != nil {
		c.rollback(ctx, ids, conversationID)
		return fmt.Errorf("mark summarized: %w", err)
	}
	if err := c.store.SetConversationSummary(ctx, conversationID, ext.Summary); err != nil {
		return fmt.Errorf("set conversation summary: %w", err)
	}

	for _, mem := range ext.Memories {
		memType := store.MemoryTypeFact
		if mem.Type == "action_item" {
			memType = store.MemoryTypeActionItem
		}
		if _, err := c.memory.InsertWithDedup(ctx, memstore.InsertParams{
			Type:           memType,
			Content:        mem.Content,
			SourceAgent:    agent,
			Visibility:     store.VisibilityShared,
			ConversationID: &conversationID,
		}); err != nil {
			c.logger.Warn("failed to insert extracted memory", "error", err)
		}
	}
	if _, err := c.memory.InsertWithDedup(ctx, memstore.InsertParams{
		Type:           store.MemoryTypeSummary,
		Content:        ext.Summary,
		SourceAgent:    agent,
		Visibility:     store.VisibilityShared,
		ConversationID: &conversationID,
	}); err != nil {
		c.logger.Warn("failed to insert summary memory", "error", err)
	}

	if c.invalidate != nil {
		c.invalidate(channel)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicConsolidationBlockDone, conversationID)
	}
	return nil
}

// rollback clears conversation_id on the block's messages and deletes the
// Conversation row (§4.H step 3.d, §9 rollback integrity invariant).
func (c *Consolidator) rollback(ctx context.Context, ids []string, conversationID string) {
	if err := c.store.ClearConversation(ctx, ids); err != nil {
		c.logger.Error("rollback: failed to clear conversation_id", "error", err)
	}
	if err := c.store.DeleteConversation(ctx, conversationID); err != nil {
		c.logger.Error("rollback: failed to delete conversation row", "error", err)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicConsolidationRollback, conversationID)
	}
}

func (c *Consolidator) attributeAgent(ctx context.Context, channel string, start, end time.Time) (string, error) {
	agent, err := c.store.AgentForWindow(ctx, channel, start, end)
	if err != nil || agent == "" {
		return generalAgent, err
	}
	return agent, nil
}

func buildTranscript(block []store.Message) string {
	var b strings.Builder
	for _, m := range block {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// parseExtraction extracts and strictly schema-validates the
// {summary, memories} JSON object the consolidator prompt demands
// (§4.H step 3.c/d). A schema violation is a JsonParseFailure: the
// caller rolls the block back rather than writing a partial summary.
func parseExtraction(raw string) (extraction, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return extraction{}, fmt.Errorf("no JSON found in model output")
	}
	if err := extractionValidator.ValidateBytes([]byte(jsonStr)); err != nil {
		return extraction{}, fmt.Errorf("extraction failed schema validation: %w", err)
	}
	var ext extraction
	if err := json.Unmarshal([]byte(jsonStr), &ext); err != nil {
		return extraction{}, fmt.Errorf("unmarshal extraction: %w", err)
	}
	return ext, nil
}

// extractJSON finds a JSON object in free-form model text: fenced ```json
// blocks first, then the first balanced {...} span.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := extractBalancedObject(text[i:]); candidate != "" && isJSONObject(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func extractBalancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
