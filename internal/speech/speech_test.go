package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestSentenceBuffer(t *testing.T) {
	var b SentenceBuffer
	assert.Empty(t, b.Push("Hello the"))
	assert.Equal(t, []string{"Hello there. "}, b.Push("re. How"))
	assert.Equal(t, []string{"How are you? ", "Fine!\n"}, b.Push(" are you? Fine!\nAnd"))
	assert.Equal(t, "And", b.Flush())
	assert.Equal(t, "", b.Flush())
}

func TestSentenceBuffer_NoTrailingSpace(t *testing.T) {
	var b SentenceBuffer
	assert.Empty(t, b.Push("3.14 is pi."))
	assert.Equal(t, "3.14 is pi.", b.Flush())
}

type recordingSynth struct {
	mu    sync.Mutex
	texts []string
	block chan struct{}
}

func (s *recordingSynth) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return Audio{MIME: "audio/mpeg", Data: []byte(text), Text: text}, nil
}

func (s *recordingSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recordingTarget struct {
	mu     sync.Mutex
	played []string
}

func (t *recordingTarget) PlayAudio(_ context.Context, a Audio) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.played = append(t.played, a.Text)
	return nil
}

func (t *recordingTarget) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.played...)
}

func TestQueue_PlaysInOrder(t *testing.T) {
	synth := &recordingSynth{}
	target := &recordingTarget{}
	q := NewQueue(synth, nil, Options{}, nil)
	defer q.Close()

	q.Enqueue("one. ", target)
	q.Enqueue("   ", target)
	q.Enqueue("two. ", target)
	q.Enqueue("three.", target)

	require.Eventually(t, func() bool { return len(target.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one. ", "two. ", "three."}, target.list())
	require.Eventually(t, func() bool { return !q.Speaking() }, time.Second, 5*time.Millisecond)
}

func TestQueue_HalfDuplex(t *testing.T) {
	mic := &MicState{}
	mic.Set(true)
	var mu sync.Mutex
	var changes []bool
	mic.SetListener(func(rec bool) {
		mu.Lock()
		changes = append(changes, rec)
		mu.Unlock()
	})

	q := NewQueue(&recordingSynth{}, mic, Options{PauseDelay: time.Millisecond, ResumeDelay: 10 * time.Millisecond}, nil)
	defer q.Close()
	q.SetVoiceSession(true)

	q.Enqueue("hello.", &recordingTarget{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{false, true}, changes)
	mu.Unlock()
	assert.True(t, mic.Recording())
}

func TestQueue_NoResumeOutsideVoiceSession(t *testing.T) {
	mic := &MicState{}
	mic.Set(true)
	target := &recordingTarget{}
	q := NewQueue(&recordingSynth{}, mic, Options{ResumeDelay: time.Millisecond}, nil)
	defer q.Close()

	q.Enqueue("hello.", target)
	require.Eventually(t, func() bool { return len(target.list()) == 1 && !q.Speaking() }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, mic.Recording())
}

func TestQueue_StopAllDropsPending(t *testing.T) {
	synth := &recordingSynth{block: make(chan struct{})}
	target := &recordingTarget{}
	q := NewQueue(synth, nil, Options{}, nil)

	q.Enqueue("first.", target)
	q.Enqueue("second.", target)
	q.StopAll()

	require.Eventually(t, func() bool { return !q.Speaking() }, time.Second, 5*time.Millisecond)
	q.Close()
	assert.Empty(t, target.list())
	assert.Empty(t, synth.spoken())
}

func TestTTSClient_Synthesize(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/speak", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL)
	a, err := c.Synthesize(context.Background(), strings.Repeat("a", 2500), "en-GB-SoniaNeural")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", a.MIME)
	assert.Equal(t, []byte("ID3"), a.Data)
	assert.Len(t, got["text"], 2000)
	assert.Equal(t, "en-GB-SoniaNeural", got["voice"])
}

func TestTTSClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/voices" {
			_, _ = w.Write([]byte(`[{"ShortName":"en-US-AriaNeural","Gender":"Female","Locale":"en-US"}]`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"No text provided"}`))
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL)
	_, err := c.Synthesize(context.Background(), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No text provided")

	voices, err := c.Voices(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "en-US-AriaNeural", voices[0].ShortName)
}

func TestTTSClient_Health(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL)
	require.NoError(t, c.Health(context.Background()))
	healthy.Store(false)
	assert.Error(t, c.Health(context.Background()))
}
