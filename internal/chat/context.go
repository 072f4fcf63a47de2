package chat

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/gravitychat/internal/ai"
)

const (
	genericSystemPrompt = "You are a helpful AI workstation assistant."
	noEmojiClause       = "\nSTRICT RULE: Do NOT use any emojis or decorative icons in your response. Keep it professional and technical."
)

// SystemPrompt assembles the system message from the active persona's
// prompt, the emoji policy and the project context block.
func SystemPrompt(personaPrompt string, allowEmojis bool, projectContext string) string {
	p := personaPrompt
	if strings.TrimSpace(p) == "" {
		p = genericSystemPrompt
	}
	if !allowEmojis {
		p += noEmojiClause
	}
	if projectContext != "" {
		p += "\n\n" + projectContext
	}
	return p
}

// BuildContext returns the system message followed by the visible messages
// with text among the last window entries of history. Attachments ride along
// with their message's text; a message with attachments and no text is
// skipped.
func BuildContext(history []Message, systemPrompt string, window int) []ai.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]ai.Message, 0, len(history)+1)
	out = append(out, ai.Message{Role: RoleSystem, Content: systemPrompt})
	for _, m := range history {
		if m.Hidden || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, toWire(m))
	}
	return out
}

func toWire(m Message) ai.Message {
	if len(m.Attachments) == 0 {
		return ai.Message{Role: m.Role, Content: m.Content}
	}
	var text strings.Builder
	text.WriteString(m.Content)
	var images []ai.Part
	for _, a := range m.Attachments {
		switch {
		case a.IsImage():
			if a.FileRef != "" {
				images = append(images, ai.Part{Type: "image_url", ImageURL: &ai.ImageURL{URL: a.FileRef}})
			}
		case a.Text != "":
			fmt.Fprintf(&text, "\n\n--- [Attachment: %s] ---\n%s\n---", a.Name, a.Text)
		default:
			fmt.Fprintf(&text, "\n\n[System: Could not read attachment %s]", a.Name)
		}
	}
	parts := append([]ai.Part{{Type: "text", Text: text.String()}}, images...)
	return ai.Message{Role: m.Role, Parts: parts}
}

// lastUserPrompt is what the bridge receives: it keeps the conversation on
// its side.
func lastUserPrompt(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}
