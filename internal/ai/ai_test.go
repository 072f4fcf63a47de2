package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// idle keep-alive connections of the default transport
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"))
}

func collect(chunks <-chan Chunk, errs <-chan error) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String(), <-errs
}

func flushWrite(w http.ResponseWriter, s string) {
	_, _ = io.WriteString(w, s)
	w.(http.Flusher).Flush()
}

func TestLocalTransport_StreamsAndSkipsBadFrames(t *testing.T) {
	var got localChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		// frame split across two writes
		flushWrite(w, `data: {"choices":[{"delta":{"content":"4`)
		flushWrite(w, "\"}}]}\n")
		flushWrite(w, "data: {not json}\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"2"}}]}`+"\n")
		flushWrite(w, "data: [DONE]\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"ignored"}}]}`+"\n")
	}))
	defer srv.Close()

	tr := NewLocalTransport(srv.URL)
	text, err := collect(tr.Stream(context.Background(), Request{
		Messages:    []Message{{Role: "user", Content: "q"}},
		Temperature: 0.3,
		MaxTokens:   4096,
	}))
	require.NoError(t, err)
	assert.Equal(t, "42", text)
	assert.True(t, got.Stream)
	assert.Equal(t, -1, got.MaxTokens)
	assert.Equal(t, 0.3, got.Temperature)
}

func TestLocalTransport_SkipsOversizedFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"4"}}]}`+"\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"`+strings.Repeat("x", maxFrameSize)+`"}}]}`+"\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"2"}}]}`+"\n")
		flushWrite(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	text, err := collect(NewLocalTransport(srv.URL).Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, "42", text)
}

func TestScanFrames_UnterminatedLastLine(t *testing.T) {
	var lines []string
	err := scanFrames(context.Background(), strings.NewReader("a\n\n  b  \nc"), func(line []byte) (bool, error) {
		lines = append(lines, string(line))
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestLocalTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"detail":"No model loaded"}`)
	}))
	defer srv.Close()

	_, err := collect(NewLocalTransport(srv.URL).Stream(context.Background(), Request{}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.Equal(t, "No model loaded", te.Message)
}

func TestCloudTransport_Stream(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		flushWrite(w, ": OPENROUTER PROCESSING\n\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n\n")
		flushWrite(w, `data: {"choices":[{"delta":{"content":" there!"}}]}`+"\n\n")
		flushWrite(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr := NewCloudTransport(srv.URL, "k", "", "app")
	text, err := collect(tr.Stream(context.Background(), Request{
		Model: "m",
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Parts: []Part{{Type: "text", Text: "look"}, {Type: "image_url", ImageURL: &ImageURL{URL: "https://x/cat.png"}}}},
		},
		Temperature: 1,
		MaxTokens:   128,
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", text)
	assert.Equal(t, true, got["stream"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	parts := msgs[1].(map[string]any)["content"].([]any)
	assert.Len(t, parts, 2)
}

func TestCloudTransport_StreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushWrite(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		flushWrite(w, `data: {"error":{"message":"Provider overloaded"}}`+"\n\n")
	}))
	defer srv.Close()

	text, err := collect(NewCloudTransport(srv.URL, "k", "", "").Stream(context.Background(), Request{Model: "m"}))
	assert.Equal(t, "Hel", text)
	require.Error(t, err)
	assert.Equal(t, "Provider overloaded", ErrorMessage(err))
}

func TestCloudTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate_limit exceeded","code":429}}`)
	}))
	defer srv.Close()

	_, err := collect(NewCloudTransport(srv.URL, "k", "", "").Stream(context.Background(), Request{Model: "m"}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 429, te.Status)
	assert.Equal(t, "rate_limit exceeded", te.Message)
}

func TestCloudTransport_RequiresKey(t *testing.T) {
	_, err := collect(NewCloudTransport("http://unused", "", "", "").Stream(context.Background(), Request{Model: "m"}))
	require.Error(t, err)
}

func TestCloudTransport_ListModelsAndProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			_, _ = io.WriteString(w, `{"data":[
				{"id":"a/b:free","name":"AB","pricing":{"prompt":"0.0001","completion":"0.0001"}},
				{"id":"c/d","name":"CD","pricing":{"prompt":"0","completion":"0"}},
				{"id":"e/f","name":"EF","pricing":{"prompt":"0.002","completion":"0"}}]}`)
		case "/chat/completions":
			_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
		}
	}))
	defer srv.Close()

	tr := NewCloudTransport(srv.URL, "k", "", "")
	models, err := tr.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.True(t, models[0].Free)
	assert.True(t, models[1].Free)
	assert.False(t, models[2].Free)

	res := tr.Probe(context.Background(), "c/d", defaultProbeTimeout)
	assert.True(t, res.OK)
	assert.Equal(t, "ok", res.Response)
}

func TestBridgeTransport_StreamFramesAndContinuation(t *testing.T) {
	var got bridgeReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		flushWrite(w, `{"type":"token","content":"Hel"}`+"\n")
		flushWrite(w, "garbage\n")
		flushWrite(w, `{"type":"token","content":"lo"}`+"\n")
		flushWrite(w, `{"type":"final","extra_data":{"conversationId":"c1","parentResponseId":"r2"}}`+"\n")
	}))
	defer srv.Close()

	var cont json.RawMessage
	tr := NewBridgeTransport(srv.URL, true)
	text, err := collect(tr.Stream(context.Background(), Request{
		Model:          "grok-3-auto",
		Prompt:         "hi",
		Continuation:   json.RawMessage(`{"conversationId":"c1"}`),
		OnContinuation: func(raw json.RawMessage) { cont = raw },
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "hi", got.Message)
	assert.True(t, got.Stream)
	assert.JSONEq(t, `{"conversationId":"c1"}`, string(got.ExtraData))
	assert.JSONEq(t, `{"conversationId":"c1","parentResponseId":"r2"}`, string(cont))
}

func TestBridgeTransport_ErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushWrite(w, `{"error":"cookies expired"}`+"\n")
	}))
	defer srv.Close()

	_, err := collect(NewBridgeTransport(srv.URL, true).Stream(context.Background(), Request{Prompt: "x"}))
	assert.Equal(t, "cookies expired", ErrorMessage(err))
}

func TestBridgeTransport_SingleShot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","response":"pong","images":[],"extra_data":{"conversationId":"z"}}`)
	}))
	defer srv.Close()

	var cont json.RawMessage
	text, err := collect(NewBridgeTransport(srv.URL, false).Stream(context.Background(), Request{
		Prompt:         "ping",
		OnContinuation: func(raw json.RawMessage) { cont = raw },
	}))
	require.NoError(t, err)
	assert.Equal(t, "pong", text)
	assert.JSONEq(t, `{"conversationId":"z"}`, string(cont))
}

func TestBridgeTransport_StatusDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"detail":{"code":7,"why":"blocked"}}`)
	}))
	defer srv.Close()

	_, err := collect(NewBridgeTransport(srv.URL, false).Stream(context.Background(), Request{Prompt: "x"}))
	assert.JSONEq(t, `{"code":7,"why":"blocked"}`, ErrorMessage(err))
}

func TestStreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			flushWrite(w, fmt.Sprintf(`data: {"choices":[{"delta":{"content":"%d"}}]}`+"\n", i))
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := NewLocalTransport(srv.URL).Stream(ctx, Request{})
	<-chunks
	cancel()
	for range chunks {
	}
	<-errs
}

func TestExtractMessage(t *testing.T) {
	cases := map[string]string{
		``:                               "status 500",
		`plain text`:                     "plain text",
		`{"error":"boom"}`:               "boom",
		`{"error":{"message":"nested"}}`: "nested",
		`{"detail":"nope"}`:              "nope",
		`{"message":"msg"}`:              "msg",
		`{"other":1}`:                    `{"other":1}`,
	}
	for body, want := range cases {
		assert.Equal(t, want, extractMessage([]byte(body), 500), body)
	}
}

func TestMessageMarshal(t *testing.T) {
	b, err := json.Marshal(Message{Role: "user", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(b))

	m := Message{Role: "user", Parts: []Part{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}}
	assert.Equal(t, "ab", m.Text())
}
