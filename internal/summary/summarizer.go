// Package summary turns raw agent output into the short digest that goes
// back to chat adapters and onto the task row.
package summary

import (
	"context"
	"fmt"
	"strings"
)

const (
	// excerptLen bounds the fallback excerpt used when summarization is
	// disabled or fails.
	excerptLen = 700

	// headlineLen bounds the leading slice of raw text in a digest.
	headlineLen = 400

	// maxActivityLines is how many tool lines a digest shows.
	maxActivityLines = 5
)

// Input is what the engine hands to a summarizer. Everything in it has
// already been through the redactor.
type Input struct {
	RawText       string
	ToolSummaries []string
	TokensUsed    int
	TokenBudget   int
	ReplayActions []string
}

// Summarizer reduces a finished run to operator-readable text. External
// implementations may call out to a model; failures are tolerated by the
// engine, which falls back to Excerpt.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// Digest is the built-in summarizer: deterministic, local, no network.
type Digest struct{}

// NewDigest returns the built-in summarizer.
func NewDigest() *Digest { return &Digest{} }

// Summarize builds a compact digest: the leading slice of the answer, the
// most recent tool activity, token usage, and the replay section when the
// run executed an approved action.
func (d *Digest) Summarize(_ context.Context, in Input) (string, error) {
	var b strings.Builder

	head := Excerpt(in.RawText, headlineLen)
	if head == "" {
		head = "(no output captured)"
	}
	b.WriteString(head)

	if n := len(in.ToolSummaries); n > 0 {
		b.WriteString("\n\nActivity:")
		shown := in.ToolSummaries
		if n > maxActivityLines {
			shown = shown[n-maxActivityLines:]
			fmt.Fprintf(&b, " (last %d of %d)", maxActivityLines, n)
		}
		for _, line := range shown {
			b.WriteString("\n- ")
			b.WriteString(line)
		}
	}

	if in.TokensUsed > 0 {
		if in.TokenBudget > 0 {
			fmt.Fprintf(&b, "\n\nTokens: %d of %d", in.TokensUsed, in.TokenBudget)
		} else {
			fmt.Fprintf(&b, "\n\nTokens: %d", in.TokensUsed)
		}
	}

	return EnsureReplaySection(b.String(), in.ReplayActions), nil
}

// Excerpt clips text to max characters on a rune boundary, collapsing
// leading and trailing whitespace.
func Excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

// EnsureReplaySection guarantees the summary lists what ran under elevated
// permissions. Summaries of runs with replay actions must carry the
// section even when an external summarizer dropped it.
func EnsureReplaySection(text string, actions []string) string {
	if len(actions) == 0 {
		return text
	}
	if strings.Contains(strings.ToLower(text), "replay actions") {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nReplay actions (approved):")
	for _, a := range actions {
		b.WriteString("\n- ")
		b.WriteString(a)
	}
	return b.String()
}
