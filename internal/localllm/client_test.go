package localllm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"loaded":true,"model_path":"C:\\models\\local_models\\qwen2.5-7b.Q4_K_M.gguf"}`)
	}))
	defer srv.Close()

	h := New(srv.URL, time.Second, nil).Health(context.Background())
	assert.True(t, h.Online)
	assert.True(t, h.Loaded)
	assert.Equal(t, "qwen2.5-7b.Q4_K_M.gguf", h.Model)
}

func TestHealthTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	h := New(srv.URL, 50*time.Millisecond, nil).Health(context.Background())
	assert.False(t, h.Online)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoadSendsModelPath(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models/load", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"status":"loaded"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	require.NoError(t, c.Load(context.Background(), "m.gguf"))
	assert.Equal(t, "local_models/m.gguf", got["path"])
	assert.EqualValues(t, 4096, got["n_ctx"])
	assert.EqualValues(t, -1, got["n_gpu_layers"])

	require.Error(t, c.Load(context.Background(), "../etc/passwd"))
}

func TestLoadReportsDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Model file not found"}`)
	}))
	defer srv.Close()

	err := New(srv.URL, time.Second, nil).Load(context.Background(), "x.gguf")
	require.EqualError(t, err, "Model file not found")
}

func TestSearchFallsBackToHuggingFace(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer local.Close()

	var q string
	hf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.RawQuery
		_, _ = io.WriteString(w, `[{"modelId":"TheBloke/Llama-GGUF","downloads":10,"likes":2,"tags":["gguf"]}]`)
	}))
	defer hf.Close()

	c := New(local.URL, time.Second, nil)
	c.HFBaseURL = hf.URL
	res, err := c.Search(context.Background(), "llama")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "TheBloke/Llama-GGUF", res[0].ID)
	assert.Contains(t, q, "filter=gguf")
	assert.Contains(t, q, "limit=20")
}

func TestModelsAndDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/models":
			_, _ = io.WriteString(w, `{"data":[{"id":"a.gguf"},{"id":"b.gguf"}]}`)
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)

	require.NoError(t, c.Delete(context.Background(), "a.gguf"))
	assert.Equal(t, "/v1/models/a.gguf", deleted)
}

func TestStatusProbesAllHelpers(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"loaded":false}`)
	}))
	defer up.Close()

	st := New(up.URL, 200*time.Millisecond, nil).Status(context.Background(), up.URL+"/ask", "")
	assert.True(t, st.LocalLLM.Online)
	assert.True(t, st.Bridge)
	assert.False(t, st.TTS)
}
