// Package localllm manages the local model server: health, model files,
// downloads and hardware info.
package localllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/gravitychat/internal/logging"
)

const (
	modelDir           = "local_models"
	defaultContextSize = 4096
	searchLimit        = 20
	searchTimeout      = 10 * time.Second
)

type Client struct {
	BaseURL string
	// HFBaseURL is queried directly when the local server cannot search.
	HFBaseURL      string
	ConnectTimeout time.Duration
	HTTP           *http.Client
	log            *zap.Logger
}

func New(baseURL string, connectTimeout time.Duration, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8003"
	}
	if connectTimeout <= 0 {
		connectTimeout = 3 * time.Second
	}
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HFBaseURL:      "https://huggingface.co",
		ConnectTimeout: connectTimeout,
		HTTP:           &http.Client{},
		log:            logging.OrNop(log).Named("localllm"),
	}
}

type Health struct {
	Online bool   `json:"online"`
	Loaded bool   `json:"loaded"`
	Model  string `json:"model,omitempty"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

type SearchResult struct {
	ID        string   `json:"id"`
	Downloads int64    `json:"downloads"`
	Likes     int64    `json:"likes"`
	Tags      []string `json:"tags,omitempty"`
}

// Health reports whether the server answers within the connect timeout and
// which model file is loaded. A server that cannot be reached is reported as
// offline, not as an error.
func (c *Client) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	var body struct {
		Loaded    bool   `json:"loaded"`
		ModelPath string `json:"model_path"`
	}
	if err := c.getJSON(ctx, c.BaseURL+"/health", &body); err != nil {
		return Health{}
	}
	return Health{Online: true, Loaded: body.Loaded, Model: modelFileName(body.ModelPath)}
}

func modelFileName(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Base(p)
}

func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var body struct {
		Data []Model `json:"data"`
	}
	if err := c.getJSON(ctx, c.BaseURL+"/v1/models", &body); err != nil {
		return nil, fmt.Errorf("list local models: %w", err)
	}
	return body.Data, nil
}

// Load loads filename from the server's model directory with full GPU offload.
func (c *Client) Load(ctx context.Context, filename string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	return c.postJSON(ctx, "/v1/models/load", map[string]any{
		"path":         modelDir + "/" + filename,
		"n_ctx":        defaultContextSize,
		"n_gpu_layers": -1,
	}, nil)
}

func (c *Client) Unload(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/models/unload", nil, nil)
}

func (c *Client) Delete(ctx context.Context, filename string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/v1/models/"+url.PathEscape(filename), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) Download(ctx context.Context, repoID, filename string) error {
	if strings.TrimSpace(repoID) == "" {
		return errors.New("repo id is required")
	}
	if err := checkFilename(filename); err != nil {
		return err
	}
	return c.postJSON(ctx, "/v1/models/download", map[string]string{
		"repo_id":  repoID,
		"filename": filename,
	}, nil)
}

// Search asks the local server to search Hugging Face and falls back to the
// public API (GGUF models sorted by downloads) when the server cannot.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	sctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", fmt.Sprint(searchLimit))
	var body struct {
		Data []SearchResult `json:"data"`
	}
	err := c.getJSON(sctx, c.BaseURL+"/v1/models/search?"+q.Encode(), &body)
	if err == nil {
		return body.Data, nil
	}
	c.log.Warn("backend search failed, falling back to hugging face", zap.Error(err))

	hq := url.Values{}
	hq.Set("search", query)
	hq.Set("filter", "gguf")
	hq.Set("sort", "downloads")
	hq.Set("direction", "-1")
	hq.Set("limit", fmt.Sprint(searchLimit))
	var models []struct {
		ModelID   string   `json:"modelId"`
		ID        string   `json:"id"`
		Downloads int64    `json:"downloads"`
		Likes     int64    `json:"likes"`
		Tags      []string `json:"tags"`
	}
	if err := c.getJSON(ctx, strings.TrimRight(c.HFBaseURL, "/")+"/api/models?"+hq.Encode(), &models); err != nil {
		return nil, fmt.Errorf("search hugging face: %w", err)
	}
	out := make([]SearchResult, 0, len(models))
	for _, m := range models {
		id := m.ModelID
		if id == "" {
			id = m.ID
		}
		out = append(out, SearchResult{ID: id, Downloads: m.Downloads, Likes: m.Likes, Tags: m.Tags})
	}
	return out, nil
}

// SystemInfo returns the server's hardware report as-is.
func (c *Client) SystemInfo(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, c.BaseURL+"/v1/system/info", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HelperStatus is the reachability of every local helper process.
type HelperStatus struct {
	LocalLLM Health `json:"local_llm"`
	Bridge   bool   `json:"bridge"`
	TTS      bool   `json:"tts"`
}

// Status probes the local model server, the chat bridge and the TTS helper
// concurrently. Each probe is bounded by the connect timeout.
func (c *Client) Status(ctx context.Context, bridgeURL, ttsURL string) HelperStatus {
	var st HelperStatus
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.LocalLLM = c.Health(gctx)
		return nil
	})
	g.Go(func() error {
		st.Bridge = c.reachable(gctx, bridgeRoot(bridgeURL))
		return nil
	})
	g.Go(func() error {
		st.TTS = c.reachable(gctx, strings.TrimRight(ttsURL, "/")+"/health")
		return nil
	})
	_ = g.Wait()
	return st
}

func bridgeRoot(askURL string) string {
	u, err := url.Parse(askURL)
	if err != nil {
		return askURL
	}
	u.Path = "/"
	return u.String()
}

func (c *Client) reachable(ctx context.Context, target string) bool {
	if target == "" || target == "/health" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func checkFilename(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid model filename %q", name)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, p string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+p, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		var e struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(b, &e) == nil && e.Detail != nil {
			if s, ok := e.Detail.(string); ok {
				return errors.New(s)
			}
			d, _ := json.Marshal(e.Detail)
			return errors.New(string(d))
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
