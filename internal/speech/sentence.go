package speech

import (
	"regexp"
	"strings"
)

var sentenceEnd = regexp.MustCompile(`[.!?\n]\s+`)

// SentenceBuffer accumulates streamed text and releases it one complete
// sentence at a time. A sentence ends at '.', '!', '?' or a newline that is
// followed by whitespace; the incomplete tail stays buffered.
type SentenceBuffer struct {
	buf strings.Builder
}

// Push appends text and returns the sentences it completed, in order.
func (b *SentenceBuffer) Push(text string) []string {
	b.buf.WriteString(text)
	pending := b.buf.String()

	var out []string
	for {
		loc := sentenceEnd.FindStringIndex(pending)
		if loc == nil {
			break
		}
		out = append(out, pending[:loc[1]])
		pending = pending[loc[1]:]
	}
	if len(out) > 0 {
		b.buf.Reset()
		b.buf.WriteString(pending)
	}
	return out
}

// Flush returns and clears whatever is still buffered.
func (b *SentenceBuffer) Flush() string {
	rest := b.buf.String()
	b.buf.Reset()
	return rest
}
