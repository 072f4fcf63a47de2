package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/speech"
)

func lastMessage(t *testing.T, s *State) Message {
	t.Helper()
	msgs := s.Messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func TestSendMessage_CloudReply(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted([]string{"Hi", " there!"}, nil)}
	o, p := newTestOrchestrator(t, cloud, nil, nil, nil)
	sink := &recordingSink{}

	reply, err := o.SendMessage(context.Background(), sink, "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply.Text)
	assert.Equal(t, DefaultModel, reply.Model)

	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hi there!"}, lastMessage(t, o.State()))
	assert.Equal(t, []string{DefaultModel}, cloud.models())
	assert.Empty(t, sink.switches)
	require.Len(t, sink.finals, 1)
	assert.Equal(t, finalCall{"Hi there!", MarkerNone}, sink.finals[0])
	assert.Equal(t, []string{"Hi", "Hi there!"}, sink.streams)
	assert.False(t, o.State().Streaming())
	assert.GreaterOrEqual(t, p.schedules, 2)
	assert.Equal(t, "Hello", o.State().Sessions()[0].Name)
}

func TestSendMessage_FallsBackOnRateLimit(t *testing.T) {
	cloud := &recordingTransport{
		byModel: map[string]ai.TransportFunc{
			"model-x": scripted(nil, &ai.TransportError{Backend: "cloud", Status: 429, Message: "rate_limit exceeded"}),
			"model-y": scripted([]string{"OK"}, nil),
		},
		fallback: scripted(nil, errors.New("unexpected model")),
	}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, []string{"model-y", "model-z"})
	o.State().SetModel("model-x")
	sink := &recordingSink{}

	reply, err := o.SendMessage(context.Background(), sink, "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply.Text)
	assert.Equal(t, "model-y", o.State().Model())
	assert.Equal(t, Message{Role: RoleAssistant, Content: "OK"}, lastMessage(t, o.State()))
	assert.Equal(t, [][2]string{{"model-x", "model-y"}}, sink.switches)
	assert.Equal(t, []string{"model-x", "model-y"}, cloud.models())
}

func TestSendMessage_LocalMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"42\"}}]}\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	cloud := &recordingTransport{fallback: scripted([]string{"cloud"}, nil)}
	o, _ := newTestOrchestrator(t, cloud, ai.NewLocalTransport(srv.URL), nil, nil)
	o.State().SetLocalMode(true)
	sink := &recordingSink{}

	reply, err := o.SendMessage(context.Background(), sink, "meaning of life?", nil)
	require.NoError(t, err)
	assert.Equal(t, "42", reply.Text)
	assert.Equal(t, "local", reply.Model)
	assert.Empty(t, cloud.models())
	assert.Empty(t, sink.switches)
	assert.Equal(t, DefaultModel, o.State().Model())
}

func TestSendMessage_LocalFailureDoesNotFallBack(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted([]string{"cloud"}, nil)}
	local := scripted(nil, &ai.TransportError{Backend: "local", Status: 500, Message: "Local Inference Failed"})
	o, _ := newTestOrchestrator(t, cloud, local, nil, nil)
	o.State().SetLocalMode(true)

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Local Inference Failed")
	assert.Empty(t, cloud.models())
}

func TestExecuteGeneration_FallbackTerminates(t *testing.T) {
	static := []string{"m1", "m2", "m3", "m1"}
	cloud := &recordingTransport{fallback: scripted(nil, &ai.TransportError{Message: "model is overloaded"})}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, static)
	o.State().SetModel("m1")

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFallbacksFailed)
	assert.Equal(t, []string{"m1", "m2", "m3"}, cloud.models())
	assert.False(t, o.State().Streaming())
}

func TestExecuteGeneration_FreeModelsComeFirst(t *testing.T) {
	cloud := &recordingTransport{
		byModel:  map[string]ai.TransportFunc{"free-b": scripted([]string{"ok"}, nil)},
		fallback: scripted(nil, errors.New("insufficient credits")),
	}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, []string{"static-a"})
	o.State().SetModel("start")
	o.State().SetFreeModels([]string{"free-a", "free-b"})

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "free-a", "free-b"}, cloud.models())
}

func TestExecuteGeneration_NonRecoverablePropagates(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted(nil, errors.New("connection reset by peer"))}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, []string{"other"})

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, []string{DefaultModel}, cloud.models())
}

func TestExecuteGeneration_Stop(t *testing.T) {
	var o *Orchestrator
	cloud := &recordingTransport{fallback: func(ctx context.Context, _ ai.Request) (<-chan ai.Chunk, <-chan error) {
		chunks := make(chan ai.Chunk, 4)
		errs := make(chan error, 1)
		chunks <- ai.Chunk{Text: "one "}
		chunks <- ai.Chunk{Text: "two "}
		chunks <- ai.Chunk{Text: "three"}
		go func() {
			defer close(chunks)
			defer close(errs)
			<-ctx.Done()
			errs <- ctx.Err()
		}()
		return chunks, errs
	}}
	o, _ = newTestOrchestrator(t, cloud, nil, nil, nil)
	sink := &recordingSink{}
	sink.onStream = func(string) {
		o.Stop()
		o.Stop()
	}

	reply, err := o.SendMessage(context.Background(), sink, "count", nil)
	require.NoError(t, err)
	assert.True(t, reply.Stopped)
	assert.Equal(t, "one ", reply.Text)

	stopped := 0
	for _, f := range sink.finals {
		if f.Marker == MarkerStopped {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)
	assert.Len(t, sink.finals, 1)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "one "}, lastMessage(t, o.State()))
}

func TestExecuteGeneration_PartialFailure(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted([]string{"Hel", "lo"}, errors.New("connection reset"))}
	o, p := newTestOrchestrator(t, cloud, nil, nil, nil)
	sink := &recordingSink{}

	_, err := o.SendMessage(context.Background(), sink, "hi", nil)
	require.Error(t, err)
	var ie *InterruptedError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "Hello", ie.Partial)

	msgs := o.State().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hello\n\n[Response interrupted]"}, msgs[1])
	require.Len(t, sink.finals, 1)
	assert.Equal(t, MarkerInterrupted, sink.finals[0].Marker)
	assert.GreaterOrEqual(t, p.schedules, 2)
}

func TestExecuteGeneration_ModerationLoopResetsState(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted(nil, &ai.TransportError{Message: "moderation_failed: flagged input"})}
	o, p := newTestOrchestrator(t, cloud, nil, nil, []string{"other"})
	sink := &recordingSink{}

	_, err := o.SendMessage(context.Background(), sink, "hi", nil)
	require.ErrorIs(t, err, ErrStateReset)
	assert.Equal(t, 1, p.resets)
	assert.Equal(t, []string{DefaultModel}, cloud.models())
	assert.Empty(t, o.State().Messages())
	assert.Equal(t, []string{"Corruption detected. Auto-repairing..."}, sink.notes)
}

func TestExecuteGeneration_BridgeRouting(t *testing.T) {
	var seen []ai.Request
	bridge := ai.TransportFunc(func(ctx context.Context, req ai.Request) (<-chan ai.Chunk, <-chan error) {
		seen = append(seen, req)
		if req.OnContinuation != nil {
			req.OnContinuation(json.RawMessage(fmt.Sprintf(`{"conversation":%d}`, len(seen))))
		}
		return scripted([]string{"yo"}, nil)(ctx, req)
	})
	o, _ := newTestOrchestrator(t, nil, nil, bridge, nil)
	o.State().SetModel("grok-3")

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "first", nil)
	require.NoError(t, err)
	_, err = o.SendMessage(context.Background(), &recordingSink{}, "second", nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "first", seen[0].Prompt)
	assert.Nil(t, seen[0].Messages)
	assert.Empty(t, seen[0].Continuation)
	assert.Equal(t, "second", seen[1].Prompt)
	assert.JSONEq(t, `{"conversation":1}`, string(seen[1].Continuation))
}

func TestExecuteGeneration_CloudRequestShape(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted([]string{"ok"}, nil)}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, nil)
	o.State().SetModel("openai/gpt-5-mini")
	temp := 0.3
	require.NoError(t, o.State().ApplySettings(SettingsPatch{Temperature: &temp}))
	_, err := o.State().SelectPersona("coder")
	require.NoError(t, err)
	o.State().SetProjectContext("[NEURAL MEMORY]")

	_, err = o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.NoError(t, err)

	req := cloud.requests[0]
	assert.Equal(t, 1.0, req.Temperature)
	assert.Equal(t, defaultMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	sys := req.Messages[0].Content
	assert.True(t, strings.HasPrefix(sys, DefaultPersonas[0].SystemPrompt))
	assert.Contains(t, sys, "Do NOT use any emojis")
	assert.True(t, strings.HasSuffix(sys, "\n\n[NEURAL MEMORY]"))
}

func TestSendMessage_Busy(t *testing.T) {
	o, _ := newTestOrchestrator(t, &recordingTransport{fallback: scripted([]string{"x"}, nil)}, nil, nil, nil)
	_, err := o.State().BeginStream()
	require.NoError(t, err)
	_, err = o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.SendMessage(context.Background(), &recordingSink{}, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

// blockingTransport reports each request's last message on started and
// holds the stream open until ctx ends.
func blockingTransport(started chan<- string) ai.TransportFunc {
	return func(ctx context.Context, req ai.Request) (<-chan ai.Chunk, <-chan error) {
		started <- req.Messages[len(req.Messages)-1].Content
		chunks := make(chan ai.Chunk)
		errs := make(chan error, 1)
		go func() {
			defer close(chunks)
			defer close(errs)
			<-ctx.Done()
			errs <- ctx.Err()
		}()
		return chunks, errs
	}
}

func TestSendMessage_ReclaimedSlotStaysWithSuccessor(t *testing.T) {
	clock := newFakeClock()
	started := make(chan string, 2)
	reg := ai.NewRegistry()
	reg.Register(ai.ModeCloud, blockingTransport(started))
	st := NewState(StateOptions{Now: clock.Now}, nil)
	o := NewOrchestrator(st, reg, nil, nil, Options{}, nil)

	type result struct {
		reply Reply
		err   error
	}
	send := func(msg string) <-chan result {
		out := make(chan result, 1)
		go func() {
			reply, err := o.SendMessage(context.Background(), &recordingSink{}, msg, nil)
			out <- result{reply, err}
		}()
		return out
	}

	first := send("first")
	require.Equal(t, "first", <-started)
	clock.Advance(31 * time.Second)
	second := send("second")
	require.Equal(t, "second", <-started)

	// the stuck generation is aborted when its slot is reclaimed
	var res result
	select {
	case res = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaimed generation kept running")
	}
	require.NoError(t, res.err)
	assert.True(t, res.reply.Stopped)

	assert.True(t, st.Streaming())
	_, err := o.SendMessage(context.Background(), &recordingSink{}, "third", nil)
	assert.ErrorIs(t, err, ErrBusy)

	o.Stop()
	select {
	case res = <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not reach the generation holding the slot")
	}
	require.NoError(t, res.err)
	assert.True(t, res.reply.Stopped)
	assert.False(t, st.Streaming())
}

func TestSendMessage_SessionChangesWaitForReply(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	cloud := ai.TransportFunc(func(ctx context.Context, req ai.Request) (<-chan ai.Chunk, <-chan error) {
		close(started)
		<-release
		return scripted([]string{"reply-for-A"}, nil)(ctx, req)
	})
	o, _ := newTestOrchestrator(t, cloud, nil, nil, nil)
	st := o.State()
	a := st.ActiveSessionID()
	b, err := st.CreateSession()
	require.NoError(t, err)
	require.NoError(t, st.SwitchSession(a))

	done := make(chan error, 1)
	go func() {
		_, err := o.SendMessage(context.Background(), &recordingSink{}, "question", nil)
		done <- err
	}()
	<-started

	assert.ErrorIs(t, st.SwitchSession(b.ID), ErrBusy)
	_, err = st.CreateSession()
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, st.DeleteSession(a), ErrBusy)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, a, st.ActiveSessionID())
	msgs, err := st.SessionMessages(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"question", "reply-for-A"}, contents(msgs))
	msgs, err = st.SessionMessages(b.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, st.SwitchSession(b.ID))
}

func TestSendHiddenMessage(t *testing.T) {
	cloud := &recordingTransport{fallback: scripted([]string{"Engaged."}, nil)}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, nil)

	_, err := o.SendHiddenMessage(context.Background(), &recordingSink{}, "Engage Oracular Function")
	require.NoError(t, err)
	msgs := o.State().Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Hidden)
	assert.Equal(t, DefaultSessionName, o.State().Sessions()[0].Name)
	assert.False(t, o.State().Streaming())
}

type speakerSpy struct{ texts []string }

func (s *speakerSpy) Enqueue(text string, _ speech.Target) { s.texts = append(s.texts, text) }
func (s *speakerSpy) StopAll()                             {}

func TestExecuteGeneration_AutoSpeak(t *testing.T) {
	reg := ai.NewRegistry()
	reg.Register(ai.ModeCloud, scripted([]string{"Hello there. How", " are you? Fine"}, nil))
	st := NewState(StateOptions{}, nil)
	on := true
	require.NoError(t, st.ApplySettings(SettingsPatch{AutoSpeak: &on}))
	spy := &speakerSpy{}
	o := NewOrchestrator(st, reg, nil, spy, Options{}, nil)

	_, err := o.SendMessage(context.Background(), &recordingSink{}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello there. ", "How are you? ", "Fine"}, spy.texts)
}

func TestRecorder_CollectsTurn(t *testing.T) {
	cloud := &recordingTransport{
		byModel: map[string]ai.TransportFunc{
			"model-x": scripted(nil, &ai.TransportError{Backend: "cloud", Status: 503, Message: "Service Unavailable"}),
			"model-y": scripted([]string{"fine"}, nil),
		},
		fallback: scripted(nil, errors.New("unexpected model")),
	}
	o, _ := newTestOrchestrator(t, cloud, nil, nil, []string{"model-y"})
	o.State().SetModel("model-x")
	rec := &Recorder{}

	_, err := o.SendMessage(context.Background(), rec, "hi", nil)
	require.NoError(t, err)
	text, marker := rec.Result()
	assert.Equal(t, "fine", text)
	assert.Equal(t, MarkerNone, marker)
	assert.Equal(t, [][2]string{{"model-x", "model-y"}}, rec.Switches())
	assert.Empty(t, rec.Notices())
}
