package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// BridgeTransport talks to the legacy chat bridge. The bridge keeps the
// conversation server side, so only the latest prompt and the continuation
// token from the previous turn are sent.
type BridgeTransport struct {
	URL string
	// Streaming selects the NDJSON stream mode; otherwise the bridge answers
	// with a single JSON document.
	Streaming bool
	Client    *http.Client
}

type bridgeReq struct {
	Message     string          `json:"message"`
	Model       string          `json:"model"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
	Proxy       string          `json:"proxy,omitempty"`
	ExtraData   json.RawMessage `json:"extra_data,omitempty"`
}

type bridgeResp struct {
	Status    string          `json:"status"`
	Response  string          `json:"response"`
	Images    []string        `json:"images"`
	ExtraData json.RawMessage `json:"extra_data"`
	Error     json.RawMessage `json:"error"`
}

type bridgeFrame struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	ExtraData json.RawMessage `json:"extra_data"`
	Error     json.RawMessage `json:"error"`
}

func NewBridgeTransport(url string, streaming bool) *BridgeTransport {
	if url == "" {
		url = "http://127.0.0.1:6969/ask"
	}
	return &BridgeTransport{URL: url, Streaming: streaming, Client: &http.Client{}}
}

func (p *BridgeTransport) Stream(ctx context.Context, r Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := p.post(ctx, r)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if p.Streaming {
			err = p.readStream(ctx, resp.Body, r, chunks)
		} else {
			err = p.readSingle(ctx, resp.Body, r, chunks)
		}
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (p *BridgeTransport) post(ctx context.Context, r Request) (*http.Response, error) {
	b, err := json.Marshal(bridgeReq{
		Message:     r.Prompt,
		Model:       r.Model,
		Stream:      p.Streaming,
		Temperature: r.Temperature,
		Proxy:       r.Proxy,
		ExtraData:   r.Continuation,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Backend: "bridge", Message: "bridge server not reached: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &TransportError{Backend: "bridge", Status: resp.StatusCode, Message: extractMessage(body, resp.StatusCode)}
	}
	return resp, nil
}

func (p *BridgeTransport) readSingle(ctx context.Context, body io.Reader, r Request, chunks chan<- Chunk) error {
	var decoded bridgeResp
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return &TransportError{Backend: "bridge", Message: "malformed response: " + err.Error()}
	}
	if decoded.Status != "" && decoded.Status != "success" {
		msg := messageFromValue(decoded.Error)
		if msg == "" {
			msg = "bridge returned an error"
		}
		return &TransportError{Backend: "bridge", Message: msg}
	}
	if len(decoded.ExtraData) > 0 && r.OnContinuation != nil {
		r.OnContinuation(decoded.ExtraData)
	}
	if decoded.Response != "" && !emit(ctx, chunks, decoded.Response) {
		return ctx.Err()
	}
	return nil
}

func (p *BridgeTransport) readStream(ctx context.Context, body io.Reader, r Request, chunks chan<- Chunk) error {
	return scanFrames(ctx, body, func(line []byte) (bool, error) {
		var frame bridgeFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return false, nil
		}
		if msg := messageFromValue(frame.Error); msg != "" {
			return true, &TransportError{Backend: "bridge", Message: msg}
		}
		switch frame.Type {
		case "token":
			if frame.Content != "" && !emit(ctx, chunks, frame.Content) {
				return true, ctx.Err()
			}
		case "final":
			if len(frame.ExtraData) > 0 && r.OnContinuation != nil {
				r.OnContinuation(frame.ExtraData)
			}
			return true, nil
		}
		return false, nil
	})
}
