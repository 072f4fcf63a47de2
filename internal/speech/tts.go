package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxSpeakChars = 2000

// TTSClient talks to the local text-to-speech helper.
type TTSClient struct {
	BaseURL string
	HTTP    *http.Client
}

type Voice struct {
	Name         string `json:"Name"`
	ShortName    string `json:"ShortName"`
	Gender       string `json:"Gender"`
	Locale       string `json:"Locale"`
	FriendlyName string `json:"FriendlyName"`
}

func NewTTSClient(baseURL string) *TTSClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8002"
	}
	return &TTSClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize returns the spoken form of text. Text beyond 2000 characters is
// dropped by the helper, so it is trimmed here.
func (c *TTSClient) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if r := []rune(text); len(r) > maxSpeakChars {
		text = string(r[:maxSpeakChars])
	}
	body := map[string]string{"text": text}
	if voice != "" {
		body["voice"] = voice
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Audio{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/speak", bytes.NewReader(b))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Audio{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return Audio{}, fmt.Errorf("tts: %s", e.Error)
		}
		return Audio{}, fmt.Errorf("tts: status %d", resp.StatusCode)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return Audio{MIME: mime, Data: data, Text: text}, nil
}

func (c *TTSClient) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts voices: status %d", resp.StatusCode)
	}
	var out []Voice
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the helper answers /health with a 2xx status.
func (c *TTSClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tts health: status %d", resp.StatusCode)
	}
	return nil
}
