package tagx

import "testing"

func TestExtractRemember(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		visibility string
	}{
		{"shared", "Got it. [REMEMBER: Dave uses Bun runtime]", "shared"},
		{"private", "[REMEMBER-PRIVATE: likes dark roast coffee]", "private"},
		{"global", "[REMEMBER-GLOBAL: company uses Go 1.24]", "global"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.input)
			if len(got.MemoryIntents) != 1 {
				t.Fatalf("expected 1 memory intent, got %d", len(got.MemoryIntents))
			}
			if got.MemoryIntents[0].Visibility != tc.visibility {
				t.Fatalf("visibility = %q, want %q", got.MemoryIntents[0].Visibility, tc.visibility)
			}
			if got.MemoryIntents[0].Type != "fact" {
				t.Fatalf("type = %q, want fact", got.MemoryIntents[0].Type)
			}
		})
	}
}

func TestExtractGoalWithDeadline(t *testing.T) {
	got := Extract("[GOAL: ship the release | DEADLINE: 2026-08-01]")
	if len(got.GoalIntents) != 1 {
		t.Fatalf("expected 1 goal intent, got %d", len(got.GoalIntents))
	}
	if got.GoalIntents[0].Content != "ship the release" {
		t.Fatalf("content = %q", got.GoalIntents[0].Content)
	}
	if got.GoalIntents[0].Deadline != "2026-08-01" {
		t.Fatalf("deadline = %q", got.GoalIntents[0].Deadline)
	}
}

func TestExtractGoalNoDeadline(t *testing.T) {
	got := Extract("[GOAL: learn Go]")
	if len(got.GoalIntents) != 1 || got.GoalIntents[0].Deadline != "" {
		t.Fatalf("unexpected goal intents: %+v", got.GoalIntents)
	}
}

func TestExtractDone(t *testing.T) {
	got := Extract("[DONE: ship the release]")
	if len(got.DoneIntents) != 1 || got.DoneIntents[0].Search != "ship the release" {
		t.Fatalf("unexpected done intents: %+v", got.DoneIntents)
	}
}

func TestExtractMemoryDefaults(t *testing.T) {
	got := Extract("[MEMORY: the API uses REST]")
	if len(got.MemoryIntents) != 1 {
		t.Fatalf("expected 1 memory intent, got %d", len(got.MemoryIntents))
	}
	m := got.MemoryIntents[0]
	if m.Type != "finding" {
		t.Fatalf("type = %q, want finding", m.Type)
	}
	if m.Confidence != defaultMemoryConfidence {
		t.Fatalf("confidence = %v, want %v", m.Confidence, defaultMemoryConfidence)
	}
}

func TestExtractMemoryExplicit(t *testing.T) {
	got := Extract("[MEMORY:risk:0.9:deploy may break staging]")
	if len(got.MemoryIntents) != 1 {
		t.Fatalf("expected 1 memory intent, got %d", len(got.MemoryIntents))
	}
	m := got.MemoryIntents[0]
	if m.Type != "risk" || m.Confidence != 0.9 {
		t.Fatalf("unexpected memory intent: %+v", m)
	}
}

func TestExtractConfirmDoesNotDeliver(t *testing.T) {
	got := Extract("Sure, I can do that. [CONFIRM: delete the staging database]")
	if len(got.Confirmations) != 1 {
		t.Fatalf("expected 1 confirmation, got %d", len(got.Confirmations))
	}
	if got.Confirmations[0].Description != "delete the staging database" {
		t.Fatalf("description = %q", got.Confirmations[0].Description)
	}
	if got.CleanedText != "Sure, I can do that." {
		t.Fatalf("cleaned text = %q", got.CleanedText)
	}
}

func TestExtractPlaybookCommandStrippedAndInvisible(t *testing.T) {
	got := Extract("All set.\nELLIE::COMMAND restart-worker staging")
	if len(got.PlaybookCommands) != 1 {
		t.Fatalf("expected 1 playbook command, got %d", len(got.PlaybookCommands))
	}
	if got.PlaybookCommands[0].Args != "restart-worker staging" {
		t.Fatalf("args = %q", got.PlaybookCommands[0].Args)
	}
	if got.CleanedText != "All set." {
		t.Fatalf("cleaned text = %q", got.CleanedText)
	}
}

func TestExtractMultipleMarkersInOneMessage(t *testing.T) {
	input := "Noted. [REMEMBER: likes tea] [GOAL: write docs] Done for now."
	got := Extract(input)
	if len(got.MemoryIntents) != 1 || len(got.GoalIntents) != 1 {
		t.Fatalf("unexpected extraction: %+v", got)
	}
	if got.CleanedText != "Noted.  Done for now." {
		t.Fatalf("cleaned text = %q", got.CleanedText)
	}
}

func TestExtractNoMarkersPassesThrough(t *testing.T) {
	got := Extract("just a plain reply")
	if got.CleanedText != "just a plain reply" {
		t.Fatalf("cleaned text = %q", got.CleanedText)
	}
	if len(got.MemoryIntents)+len(got.GoalIntents)+len(got.DoneIntents)+len(got.Confirmations)+len(got.PlaybookCommands) != 0 {
		t.Fatalf("expected zero intents, got %+v", got)
	}
}
