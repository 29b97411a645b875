// Package memstore implements the Dedup Memory Store (§4.I): a similarity
// search followed by a pure conflict-resolution function, then one of
// three execution paths (merge, flag_for_user, insert). The resolution
// rule table is kept as a standalone pure function, testable without a
// database in the loop.
package memstore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/relaycore/relaycore/internal/store"
)

const (
	dedupThreshold     = 0.85
	autoMergeThreshold = 0.95
)

// Action is the outcome of InsertWithDedup.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionMerged   Action = "merged"
	ActionFlagged  Action = "flagged"
)

// InsertParams describes a candidate memory to insert or reconcile.
type InsertParams struct {
	Type        store.MemoryType
	Content     string
	SourceAgent string
	Visibility  store.Visibility
	Deadline    *time.Time
	ConversationID *string
}

// Result is the outcome of InsertWithDedup (§4.I contract).
type Result struct {
	ID         string
	Action     Action
	Resolution string // human-readable reason, set for merge/flag
}

// Candidate is a best-match memory row plus its similarity score, as
// produced by a search backend restricted to table=memory (§4.I.1).
type Candidate struct {
	store.MemoryRecord
	Similarity float64
}

// Store is the Dedup Memory Store.
type Store struct {
	store    *store.Store
	searcher store.Searcher
}

// New creates a Dedup Memory Store. searcher may be store.NoopSearcher{}
// when no similarity backend is configured (§4.I: "either may be absent").
func New(s *store.Store, searcher store.Searcher) *Store {
	if searcher == nil {
		searcher = store.NoopSearcher{}
	}
	return &Store{store: s, searcher: searcher}
}

// InsertWithDedup runs the check/resolve/execute pipeline (§4.I).
func (m *Store) InsertWithDedup(ctx context.Context, p InsertParams) (Result, error) {
	candidate, err := m.bestCandidate(ctx, p)
	if err != nil {
		return Result{}, fmt.Errorf("find dedup candidate: %w", err)
	}
	if candidate == nil {
		return m.insertNew(ctx, p)
	}

	resolution := resolveConflict(p, candidate.MemoryRecord, candidate.Similarity)
	switch resolution.kind {
	case resolveMerge:
		if err := m.executeMerge(ctx, p, *candidate, resolution.reason); err != nil {
			return Result{}, err
		}
		return Result{ID: candidate.ID, Action: ActionMerged, Resolution: resolution.reason}, nil
	case resolveFlagForUser:
		if err := m.executeFlag(ctx, p, *candidate, resolution.reason); err != nil {
			return Result{}, err
		}
		return Result{ID: candidate.ID, Action: ActionFlagged, Resolution: resolution.reason}, nil
	default: // resolveKeepBoth
		return m.insertNew(ctx, p)
	}
}

func (m *Store) bestCandidate(ctx context.Context, p InsertParams) (*Candidate, error) {
	matches, err := m.searcher.SearchSimilar(ctx, p.Content, "memory", dedupThreshold, 3)
	if err != nil || len(matches) == 0 {
		return nil, nil
	}
	var best *Candidate
	for _, match := range matches {
		rec, err := m.store.GetMemory(ctx, match.ID)
		if err != nil || rec == nil || rec.Type != p.Type {
			continue
		}
		if best == nil || match.Similarity > best.Similarity {
			best = &Candidate{MemoryRecord: *rec, Similarity: match.Similarity}
		}
	}
	return best, nil
}

func (m *Store) insertNew(ctx context.Context, p InsertParams) (Result, error) {
	id, err := m.store.InsertMemory(ctx, store.MemoryRecord{
		Type:           p.Type,
		Content:        p.Content,
		SourceAgent:    p.SourceAgent,
		Visibility:     p.Visibility,
		Deadline:       p.Deadline,
		ConversationID: p.ConversationID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert memory: %w", err)
	}
	return Result{ID: id, Action: ActionInserted}, nil
}

func (m *Store) executeMerge(ctx context.Context, p InsertParams, existing Candidate, reason string) error {
	meta := existing.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["alt_sources"] = addAltSource(meta["alt_sources"], existing.SourceAgent, p.SourceAgent)

	corroborationCount, _ := meta["corroboration_count"].(float64)
	meta["corroboration_count"] = corroborationCount + 1

	upd := store.MergeUpdate{
		Visibility:     upgradeVisibility(existing.Visibility, p.Visibility),
		Metadata:       meta,
		CorroboratedAt: time.Now().UTC(),
	}
	if isSignificantlyLonger(p.Content, existing.Content) {
		content := p.Content
		upd.NewContent = &content
	}
	return m.store.ApplyMerge(ctx, existing.ID, upd)
}

func (m *Store) executeFlag(ctx context.Context, p InsertParams, existing Candidate, reason string) error {
	meta := existing.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["needs_review"] = true
	meta["conflict_info"] = map[string]any{
		"new_content":      p.Content,
		"new_source_agent": p.SourceAgent,
		"new_visibility":   string(p.Visibility),
		"reason":           reason,
		"flagged_at":       time.Now().UTC(),
	}
	return m.store.FlagForReview(ctx, existing.ID, meta)
}

// addAltSource deduplicates sourceAgent into the alt_sources list, never
// including the existing row's own primary source agent.
func addAltSource(existing any, primaryAgent, newAgent string) []string {
	seen := map[string]bool{primaryAgent: true}
	var out []string
	if list, ok := existing.([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	} else if list, ok := existing.([]string); ok {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if !seen[newAgent] {
		out = append(out, newAgent)
	}
	return out
}

func upgradeVisibility(existing, incoming store.Visibility) store.Visibility {
	if store.VisibilityRank(incoming) > store.VisibilityRank(existing) {
		return incoming
	}
	return existing
}

// isSignificantlyLonger reports whether newContent is >1.3x the length of
// existingContent (§4.I.3 merge content-overwrite rule).
func isSignificantlyLonger(newContent, existingContent string) bool {
	if len(existingContent) == 0 {
		return len(newContent) > 0
	}
	ratio := float64(len(strings.TrimSpace(newContent))) / float64(len(strings.TrimSpace(existingContent)))
	return ratio > 1.3
}

type resolveKind int

const (
	resolveMerge resolveKind = iota
	resolveKeepBoth
	resolveFlagForUser
)

type resolution struct {
	kind   resolveKind
	reason string
}

// resolveConflict is the pure decision function of §4.I.2, kept free of
// I/O so it can be unit tested directly against literal inputs.
func resolveConflict(incoming InsertParams, existing store.MemoryRecord, similarity float64) resolution {
	if similarity >= autoMergeThreshold {
		return resolution{kind: resolveMerge, reason: "near-duplicate"}
	}
	if incoming.SourceAgent == existing.SourceAgent {
		return resolution{kind: resolveMerge, reason: "re-learned"}
	}
	if incoming.Visibility != existing.Visibility {
		return resolution{kind: resolveKeepBoth, reason: "different visibility"}
	}
	if isLengthRatioOutOfBand(incoming.Content, existing.Content) {
		return resolution{kind: resolveFlagForUser, reason: "conflicting content length"}
	}
	return resolution{kind: resolveMerge, reason: "cross-agent corroboration"}
}

// isLengthRatioOutOfBand implements |len(new)/len(existing) - 1| > 1,
// i.e. ratio > 2 or < 0.5 (§4.I.2).
func isLengthRatioOutOfBand(newContent, existingContent string) bool {
	newLen := len(strings.TrimSpace(newContent))
	existingLen := len(strings.TrimSpace(existingContent))
	if existingLen == 0 {
		return newLen > 0
	}
	ratio := float64(newLen) / float64(existingLen)
	return math.Abs(ratio-1) > 1
}
