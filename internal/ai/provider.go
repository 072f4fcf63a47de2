package ai

import (
	"context"
	"encoding/json"
)

// Mode selects which backend handles a turn.
type Mode string

const (
	ModeCloud  Mode = "cloud"
	ModeLocal  Mode = "local"
	ModeBridge Mode = "bridge"
)

// Message is one entry of the outbound context. When Parts is non-empty the
// message is sent in the multi-part content form and Content is ignored.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content []Part `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// Text returns the textual content of the message, joining text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Chunk is one increment of assistant text, whatever the backend.
type Chunk struct {
	Text string
}

// Request is the normalized generation request handed to a Transport.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	// MaxTokens <= 0 leaves the budget to the backend; -1 is sent as-is to
	// backends that understand it as "unbounded".
	MaxTokens int

	// Bridge only: the latest user prompt, the continuation token cached from
	// the previous turn and an optional proxy.
	Prompt       string
	Continuation json.RawMessage
	Proxy        string
	// OnContinuation receives the continuation token reported by the bridge.
	OnContinuation func(json.RawMessage)
}

// Transport streams assistant chunks. Both channels are closed when the
// stream ends; at most one error is delivered. Implementations stop producing
// when ctx is cancelled.
type Transport interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

func (f TransportFunc) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	return f(ctx, req)
}
