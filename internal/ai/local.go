package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// LocalTransport streams from the local model server's OpenAI style
// completions endpoint.
type LocalTransport struct {
	BaseURL string
	Client  *http.Client
}

type localChatReq struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens"`
}

type localStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func NewLocalTransport(baseURL string) *LocalTransport {
	if baseURL == "" {
		baseURL = "http://localhost:8003"
	}
	return &LocalTransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

// Stream always requests an unbounded token budget; the local server decides
// when to stop.
func (p *LocalTransport) Stream(ctx context.Context, r Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		b, err := json.Marshal(localChatReq{
			Messages:    r.Messages,
			Temperature: r.Temperature,
			Stream:      true,
			MaxTokens:   -1,
		})
		if err != nil {
			errs <- err
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- &TransportError{Backend: "local", Message: err.Error()}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := extractMessage(body, resp.StatusCode)
			if len(bytes.TrimSpace(body)) == 0 {
				msg = "Local Inference Failed"
			}
			errs <- &TransportError{Backend: "local", Status: resp.StatusCode, Message: msg}
			return
		}

		err = scanFrames(ctx, resp.Body, func(line []byte) (bool, error) {
			data, ok := sseData(line)
			if !ok {
				return false, nil
			}
			if bytes.Equal(data, doneSentinel) {
				return true, nil
			}
			var frame localStreamFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				// a single bad frame must not end the stream
				return false, nil
			}
			if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
				return false, nil
			}
			if !emit(ctx, chunks, frame.Choices[0].Delta.Content) {
				return true, ctx.Err()
			}
			return false, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
