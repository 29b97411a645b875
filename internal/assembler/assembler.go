// Package assembler implements the Context Assembler (§4.F): a fan-out/
// fan-in over bounded-timeout context-fragment fetches composed into one
// prompt with a fixed ordering. Pure over its inputs — no globals, no
// persistence of intermediates.
package assembler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Fragment identifies one of the assembler's context sources, in the
// stable order they appear in the final prompt (§4.F).
type Fragment int

const (
	FragmentSystemPreamble Fragment = iota
	FragmentActiveSkill
	FragmentToolPolicy
	FragmentUserIdentity
	FragmentProfile
	FragmentStructuredContext
	FragmentRecentMessages
	FragmentSemanticSearch
	FragmentFullTextSearch
	FragmentLiveSignals
	FragmentMemoryPolicy
	FragmentApprovalPolicy
	FragmentWorkItemContext
	fragmentCount
)

// Fetcher fetches one fragment's text. It must return "" (not an error)
// on failure or timeout so the assembler can still produce a prompt
// (§4.F: "must return "" on failure rather than propagate").
type Fetcher func(ctx context.Context) string

// Sources maps every Fragment to its Fetcher. A nil entry contributes "".
type Sources map[Fragment]Fetcher

const defaultFragmentTimeout = 3 * time.Second

// Assemble fans out every configured fetcher in parallel, bounding each to
// timeout (default 3s), then composes the fixed-order prompt ending with
// userMessage.
func Assemble(ctx context.Context, sources Sources, userMessage string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = defaultFragmentTimeout
	}

	results := make([]string, fragmentCount)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for frag, fetch := range sources {
		if fetch == nil {
			continue
		}
		wg.Add(1)
		go func(frag Fragment, fetch Fetcher) {
			defer wg.Done()
			text := fetchBounded(ctx, fetch, timeout)
			mu.Lock()
			results[frag] = text
			mu.Unlock()
		}(frag, fetch)
	}
	wg.Wait()

	var b strings.Builder
	order := []Fragment{
		FragmentSystemPreamble,
		FragmentActiveSkill,
		FragmentToolPolicy,
		FragmentUserIdentity,
		FragmentProfile,
		FragmentStructuredContext,
		FragmentRecentMessages,
		FragmentSemanticSearch,
		FragmentFullTextSearch,
		FragmentLiveSignals,
		FragmentMemoryPolicy,
		FragmentApprovalPolicy,
		FragmentWorkItemContext,
	}
	for _, frag := range order {
		if text := results[frag]; text != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(text)
		}
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(userMessage)
	return b.String()
}

// fetchBounded runs fetch with a hard deadline, returning "" if it does
// not complete in time (§4.F).
func fetchBounded(ctx context.Context, fetch Fetcher, timeout time.Duration) string {
	boundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make(chan string, 1)
	go func() {
		defer func() {
			if recover() != nil {
				out <- ""
			}
		}()
		out <- fetch(boundCtx)
	}()

	select {
	case text := <-out:
		return text
	case <-boundCtx.Done():
		return ""
	}
}
