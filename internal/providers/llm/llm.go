package llm

import (
	"context"
	"strings"
)

type Provider interface {
	// StreamAnswer returns a stream of text chunks (incremental).
	StreamAnswer(ctx context.Context, prompt string) (chunks <-chan string, errs <-chan error)
	Close() error
}

const screeningPreamble = "You are screening an incoming phone call on behalf of the callee. " +
	"Reply to the caller in one or two short spoken sentences. Ask who is calling and why if that is not yet clear."

// ScreeningPrompt builds the prompt for a caller utterance, with earlier
// turns of the same call as context.
func ScreeningPrompt(history []string, utterance string) string {
	var b strings.Builder
	b.WriteString(screeningPreamble)
	if len(history) > 0 {
		b.WriteString("\n\nEarlier in this call:\n")
		for _, h := range history {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\n\nCaller said:\n")
	b.WriteString(strings.TrimSpace(utterance))
	return b.String()
}
