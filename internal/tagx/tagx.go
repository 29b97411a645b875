// Package tagx extracts and strips structured markers from model output:
// memory intents, goal intents, completion intents, approval confirmations,
// and playbook commands (§4.A). It is a pure function over a string with
// no external dependencies, kept unit-testable with literal inputs.
package tagx

import (
	"regexp"
	"strconv"
	"strings"
)

// MemoryIntent is a [REMEMBER...] or [MEMORY:...] marker.
type MemoryIntent struct {
	Type       string // "fact" (default) or "finding"
	Content    string
	Visibility string // "private" | "shared" | "global"
	Confidence float64
}

// GoalIntent is a [GOAL: ...] marker.
type GoalIntent struct {
	Content  string
	Deadline string // ISO-8601, empty if absent
}

// DoneIntent is a [DONE: search] marker.
type DoneIntent struct {
	Search string
}

// Confirmation is a [CONFIRM: ...] marker; it only carries a description,
// never a delivered action (§4.A).
type Confirmation struct {
	Description string
}

// PlaybookCommand is an `ELLIE::COMMAND args` end-of-line marker.
type PlaybookCommand struct {
	Args string
}

// Extraction is the tag extractor's result: the cleaned text plus every
// recognised marker family, modeled as typed slices rather than a sum
// type (Go lacks tagged unions; see SPEC_FULL.md §9).
type Extraction struct {
	CleanedText      string
	MemoryIntents    []MemoryIntent
	GoalIntents      []GoalIntent
	DoneIntents      []DoneIntent
	Confirmations    []Confirmation
	PlaybookCommands []PlaybookCommand
}

var (
	rememberRe = regexp.MustCompile(`(?is)\[REMEMBER(-PRIVATE|-GLOBAL)?\s*:\s*(.*?)\]`)
	goalRe     = regexp.MustCompile(`(?is)\[GOAL\s*:\s*(.*?)(?:\|\s*DEADLINE\s*:\s*(.*?))?\]`)
	doneRe     = regexp.MustCompile(`(?is)\[DONE\s*:\s*(.*?)\]`)
	memoryRe   = regexp.MustCompile(`(?is)\[MEMORY\s*:\s*(?:([a-z_]+)\s*:\s*)?(?:([0-9.]+)\s*:\s*)?(.*?)\]`)
	confirmRe  = regexp.MustCompile(`(?is)\[CONFIRM\s*:\s*(.*?)\]`)
	playbookRe = regexp.MustCompile(`(?im)ELLIE::COMMAND\s+(.*)$`)
)

const defaultMemoryConfidence = 0.7

// Extract parses every recognised marker family out of text and returns
// the extraction plus the cleaned (marker-free) text. Matching is
// case-insensitive and non-greedy inside square brackets, per §4.A.
func Extract(text string) Extraction {
	out := Extraction{}

	// Playbook commands are invisible to the user and stripped first since
	// they sit at end-of-line rather than inside brackets.
	cleaned := playbookRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := playbookRe.FindStringSubmatch(m)
		if len(sub) == 2 {
			out.PlaybookCommands = append(out.PlaybookCommands, PlaybookCommand{Args: strings.TrimSpace(sub[1])})
		}
		return ""
	})

	cleaned = rememberRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		sub := rememberRe.FindStringSubmatch(m)
		visibility := "shared"
		switch strings.ToLower(sub[1]) {
		case "-private":
			visibility = "private"
		case "-global":
			visibility = "global"
		}
		out.MemoryIntents = append(out.MemoryIntents, MemoryIntent{
			Type:       "fact",
			Content:    strings.TrimSpace(sub[2]),
			Visibility: visibility,
			Confidence: 1.0,
		})
		return ""
	})

	cleaned = goalRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		sub := goalRe.FindStringSubmatch(m)
		out.GoalIntents = append(out.GoalIntents, GoalIntent{
			Content:  strings.TrimSpace(sub[1]),
			Deadline: strings.TrimSpace(sub[2]),
		})
		return ""
	})

	cleaned = doneRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		sub := doneRe.FindStringSubmatch(m)
		out.DoneIntents = append(out.DoneIntents, DoneIntent{Search: strings.TrimSpace(sub[1])})
		return ""
	})

	cleaned = memoryRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		sub := memoryRe.FindStringSubmatch(m)
		memType := strings.ToLower(strings.TrimSpace(sub[1]))
		if memType == "" {
			memType = "finding"
		}
		confidence := defaultMemoryConfidence
		if sub[2] != "" {
			if v, err := strconv.ParseFloat(sub[2], 64); err == nil {
				confidence = v
			}
		}
		out.MemoryIntents = append(out.MemoryIntents, MemoryIntent{
			Type:       memType,
			Content:    strings.TrimSpace(sub[3]),
			Visibility: "shared",
			Confidence: confidence,
		})
		return ""
	})

	cleaned = confirmRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		sub := confirmRe.FindStringSubmatch(m)
		out.Confirmations = append(out.Confirmations, Confirmation{Description: strings.TrimSpace(sub[1])})
		return ""
	})

	out.CleanedText = collapseBlankLines(cleaned)
	return out
}

// collapseBlankLines trims the whitespace runs left behind by stripped
// markers without otherwise touching the model's formatting.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var kept []string
	blankRun := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		kept = append(kept, trimmed)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
