package consolidator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaycore/relaycore/internal/memstore"
	"github.com/relaycore/relaycore/internal/store"
)

type fakeModel struct {
	response string
	err      error
}

func (f fakeModel) Summarize(ctx context.Context, transcript string) (string, error) {
	return f.response, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessages(t *testing.T, s *store.Store, channel string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.InsertMessage(context.Background(), store.Message{
			Role:      store.RoleUser,
			Content:   "message text",
			Channel:   channel,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

func TestRunSuccessMarksSummarizedAndWritesMemories(t *testing.T) {
	s := newTestStore(t)
	mem := memstore.New(s, store.NoopSearcher{})
	base := time.Now().Add(-time.Hour)
	seedMessages(t, s, "telegram", 3, base)

	model := fakeModel{response: "```json\n{\"summary\":\"discussed deploy plan\",\"memories\":[{\"type\":\"fact\",\"content\":\"uses blue-green deploys\"}]}\n```"}
	c := New(s, mem, model, nil, nil, nil)

	count, err := c.Run(context.Background(), "telegram")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if count != 1 {
		t.Fatalf("blocks consolidated = %d, want 1", count)
	}

	msgs, err := s.UnsummarizedMessages(context.Background(), "telegram", 50)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected all messages summarized, %d remain", len(msgs))
	}
}

func TestRunRollsBackOnInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	mem := memstore.New(s, store.NoopSearcher{})
	base := time.Now().Add(-time.Hour)
	seedMessages(t, s, "telegram", 2, base)

	model := fakeModel{response: "not json"}
	c := New(s, mem, model, nil, nil, nil)

	count, err := c.Run(context.Background(), "telegram")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if count != 0 {
		t.Fatalf("blocks consolidated = %d, want 0", count)
	}

	msgs, err := s.UnsummarizedMessages(context.Background(), "telegram", 50)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected messages to remain unsummarized after rollback, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.ConversationID != nil {
			t.Fatalf("expected conversation_id cleared on rollback, got %v", *m.ConversationID)
		}
	}
}

func TestRunRollsBackOnModelFailure(t *testing.T) {
	s := newTestStore(t)
	mem := memstore.New(s, store.NoopSearcher{})
	seedMessages(t, s, "telegram", 1, time.Now().Add(-time.Hour))

	model := fakeModel{err: errors.New("subprocess failed")}
	c := New(s, mem, model, nil, nil, nil)

	count, _ := c.Run(context.Background(), "telegram")
	if count != 0 {
		t.Fatalf("blocks consolidated = %d, want 0", count)
	}
}

func TestGroupIntoBlocksSplitsOnChannelChangeAndGap(t *testing.T) {
	base := time.Now()
	messages := []store.Message{
		{ID: "1", Channel: "telegram", CreatedAt: base},
		{ID: "2", Channel: "telegram", CreatedAt: base.Add(5 * time.Minute)},
		{ID: "3", Channel: "telegram", CreatedAt: base.Add(45 * time.Minute)}, // gap > 30min: new block
		{ID: "4", Channel: "browser", CreatedAt: base.Add(46 * time.Minute)}, // channel change: new block
	}
	blocks := groupIntoBlocks(messages)
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	if len(blocks[0]) != 2 || len(blocks[1]) != 1 || len(blocks[2]) != 1 {
		t.Fatalf("block sizes = %v", []int{len(blocks[0]), len(blocks[1]), len(blocks[2])})
	}
}

func TestParseExtractionRejectsMissingSummary(t *testing.T) {
	_, err := parseExtraction(`{"memories":[]}`)
	if err == nil {
		t.Fatal("expected error for missing summary")
	}
}

func TestParseExtractionRejectsUnknownMemoryType(t *testing.T) {
	_, err := parseExtraction(`{"summary":"ok","memories":[{"type":"opinion","content":"x"}]}`)
	if err == nil {
		t.Fatal("expected schema validation error for unknown memory type")
	}
}

func TestParseExtractionAcceptsValidPayload(t *testing.T) {
	ext, err := parseExtraction(`{"summary":"ok","memories":[{"type":"action_item","content":"follow up"}]}`)
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if ext.Summary != "ok" || len(ext.Memories) != 1 {
		t.Fatalf("unexpected extraction: %+v", ext)
	}
}
