package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CloudTransport talks to an OpenRouter compatible multi-provider inference
// API.
type CloudTransport struct {
	BaseURL string
	APIKey  string
	SiteURL string
	AppName string
	// Client has no global timeout; the request context bounds streams.
	Client *http.Client
}

type cloudChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type cloudChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

type cloudStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// ModelInfo describes one model offered by the cloud API.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Free          bool   `json:"free"`
}

type cloudModelsResp struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

func NewCloudTransport(baseURL, apiKey, siteURL, appName string) *CloudTransport {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &CloudTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

func (p *CloudTransport) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func (p *CloudTransport) do(req *http.Request) (*http.Response, error) {
	if p.Client == nil {
		return nil, errors.New("cloud: http client is nil")
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Backend: "cloud", Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &TransportError{Backend: "cloud", Status: resp.StatusCode, Message: extractMessage(body, resp.StatusCode)}
	}
	return resp, nil
}

func (p *CloudTransport) validate(model string) error {
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("cloud: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return errors.New("cloud: model is required")
	}
	return nil
}

// Chat performs a single non-streaming completion.
func (p *CloudTransport) Chat(ctx context.Context, r Request) (string, error) {
	if err := p.validate(r.Model); err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", cloudChatReq{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	resp, err := p.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded cloudChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &TransportError{Backend: "cloud", Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if msg := messageFromValue(decoded.Error); msg != "" {
		return "", &TransportError{Backend: "cloud", Status: resp.StatusCode, Message: msg}
	}
	if len(decoded.Choices) == 0 {
		return "", &TransportError{Backend: "cloud", Status: resp.StatusCode, Message: "empty response"}
	}
	return decoded.Choices[0].Message.Content, nil
}

// Stream streams assistant content chunks via SSE.
func (p *CloudTransport) Stream(ctx context.Context, r Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := p.validate(r.Model); err != nil {
			errs <- err
			return
		}
		req, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", cloudChatReq{
			Model:       r.Model,
			Messages:    r.Messages,
			Stream:      true,
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		})
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := p.do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = scanFrames(ctx, resp.Body, func(line []byte) (bool, error) {
			data, ok := sseData(line)
			if !ok {
				// comments such as ": OPENROUTER PROCESSING"
				return false, nil
			}
			if bytes.Equal(data, doneSentinel) {
				return true, nil
			}
			var decoded cloudStreamResp
			if err := json.Unmarshal(data, &decoded); err != nil {
				return false, nil
			}
			if msg := messageFromValue(decoded.Error); msg != "" {
				return true, &TransportError{Backend: "cloud", Status: resp.StatusCode, Message: msg}
			}
			if len(decoded.Choices) == 0 || decoded.Choices[0].Delta.Content == "" {
				return false, nil
			}
			if !emit(ctx, chunks, decoded.Choices[0].Delta.Content) {
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

// ListModels returns the models the API offers, flagging free ones.
func (p *CloudTransport) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded cloudModelsResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("cloud: decode models: %w", err)
	}
	out := make([]ModelInfo, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		out = append(out, ModelInfo{
			ID:            m.ID,
			Name:          m.Name,
			ContextLength: m.ContextLength,
			Free:          strings.HasSuffix(m.ID, ":free") || (isZeroPrice(m.Pricing.Prompt) && isZeroPrice(m.Pricing.Completion)),
		})
	}
	return out, nil
}

func isZeroPrice(s string) bool {
	if s == "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f == 0
}

// ProbeResult is the outcome of probing one model.
type ProbeResult struct {
	Model    string        `json:"model"`
	OK       bool          `json:"ok"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Probe asks model for a one word answer, bounded by timeout.
func (p *CloudTransport) Probe(ctx context.Context, model string, timeout time.Duration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, err := p.Chat(ctx, Request{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: `Say "ok" in one word.`}},
		MaxTokens: 5,
	})
	res := ProbeResult{Model: model, Latency: time.Since(start)}
	if err != nil {
		res.Error = ErrorMessage(err)
		return res
	}
	res.OK = true
	res.Response = text
	return res
}

const defaultProbeTimeout = 8 * time.Second

// DefaultProbeModels are checked by the model diagnostic when the caller
// does not name any.
var DefaultProbeModels = []string{
	"gpt-4o-mini",
	"openrouter:deepseek/deepseek-r1-0528:free",
	"claude-3-5-haiku-20241022",
	"google/gemini-2.0-flash-exp:free",
	"meta-llama/llama-3.3-70b-instruct:free",
}

// ProbeAll probes models sequentially.
func (p *CloudTransport) ProbeAll(ctx context.Context, models []string) []ProbeResult {
	if len(models) == 0 {
		models = DefaultProbeModels
	}
	out := make([]ProbeResult, 0, len(models))
	for _, m := range models {
		out = append(out, p.Probe(ctx, m, defaultProbeTimeout))
	}
	return out
}
