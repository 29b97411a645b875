package assembler

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestAssembleOrdersFragmentsStably(t *testing.T) {
	sources := Sources{
		FragmentUserIdentity:  func(ctx context.Context) string { return "identity" },
		FragmentSystemPreamble: func(ctx context.Context) string { return "preamble" },
		FragmentRecentMessages: func(ctx context.Context) string { return "recent" },
	}
	prompt := Assemble(context.Background(), sources, "hello", time.Second)

	preambleIdx := strings.Index(prompt, "preamble")
	identityIdx := strings.Index(prompt, "identity")
	recentIdx := strings.Index(prompt, "recent")
	userIdx := strings.Index(prompt, "hello")

	if !(preambleIdx < identityIdx && identityIdx < recentIdx && recentIdx < userIdx) {
		t.Fatalf("fragments out of order: preamble=%d identity=%d recent=%d user=%d",
			preambleIdx, identityIdx, recentIdx, userIdx)
	}
}

func TestAssembleSkipsFailedFragment(t *testing.T) {
	sources := Sources{
		FragmentSystemPreamble: func(ctx context.Context) string { return "preamble" },
		FragmentProfile: func(ctx context.Context) string {
			<-ctx.Done()
			return "should never appear"
		},
	}
	prompt := Assemble(context.Background(), sources, "hello", 20*time.Millisecond)
	if strings.Contains(prompt, "should never appear") {
		t.Fatalf("timed-out fragment leaked into prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "preamble") || !strings.Contains(prompt, "hello") {
		t.Fatalf("expected surviving fragments present, got %q", prompt)
	}
}

func TestAssembleEmptySourcesStillProducesUserMessage(t *testing.T) {
	prompt := Assemble(context.Background(), Sources{}, "just the user message", time.Second)
	if prompt != "just the user message" {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestAssemblePanicInFetcherTreatedAsEmpty(t *testing.T) {
	sources := Sources{
		FragmentProfile: func(ctx context.Context) string { panic("boom") },
	}
	prompt := Assemble(context.Background(), sources, "hello", time.Second)
	if prompt != "hello" {
		t.Fatalf("prompt = %q, expected panic to be swallowed as empty fragment", prompt)
	}
}
