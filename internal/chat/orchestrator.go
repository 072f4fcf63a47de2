package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/logging"
	"github.com/suPer8Hu/gravitychat/internal/speech"
)

const interruptedSuffix = "\n\n[Response interrupted]"

// Speaker receives complete sentences while auto-speak is on.
type Speaker interface {
	Enqueue(text string, target speech.Target)
	StopAll()
}

// Persister schedules debounced saves of the workspace and clears its
// persisted settings.
type Persister interface {
	Schedule()
	Reset(ctx context.Context) error
}

type Options struct {
	ContextWindow int
	HistoryLimit  int
	// FrameInterval bounds streaming renders to one per interval; zero
	// renders every chunk.
	FrameInterval time.Duration
	// BridgePrefix marks models served by the bridge backend.
	BridgePrefix    string
	StaticFallbacks []string
}

// Reply is the outcome of a generation.
type Reply struct {
	Text    string `json:"text"`
	Model   string `json:"model"`
	Stopped bool   `json:"stopped"`
}

// Orchestrator runs generations against a State: it assembles the request,
// routes it to a transport, streams the reply into a Sink and walks the
// fallback chain on recoverable failures.
type Orchestrator struct {
	state      *State
	transports *ai.Registry
	persist    Persister
	speaker    Speaker
	opts       Options
	log        *zap.Logger

	mu      sync.Mutex
	current *generation
}

// generation is one claim of the slot. Stop and a stuck-slot reclaim abort
// the claim they find, never a later one.
type generation struct {
	id      uint64
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func (g *generation) abort() {
	g.aborted.Store(true)
	g.cancel()
}

type generationKey struct{}

func generationFrom(ctx context.Context) *generation {
	g, _ := ctx.Value(generationKey{}).(*generation)
	return g
}

func NewOrchestrator(state *State, transports *ai.Registry, persist Persister, speaker Speaker, opts Options, log *zap.Logger) *Orchestrator {
	if opts.ContextWindow <= 0 || opts.ContextWindow > 100 {
		opts.ContextWindow = 20
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.BridgePrefix == "" {
		opts.BridgePrefix = "grok-"
	}
	if opts.StaticFallbacks == nil {
		opts.StaticFallbacks = StaticFallbackModels
	}
	if persist == nil {
		persist = nopPersister{}
	}
	if speaker == nil {
		speaker = nopSpeaker{}
	}
	return &Orchestrator{
		state:      state,
		transports: transports,
		persist:    persist,
		speaker:    speaker,
		opts:       opts,
		log:        logging.OrNop(log).Named("orchestrator"),
	}
}

func (o *Orchestrator) State() *State { return o.state }

// SendMessage appends a user message and generates the reply. It fails with
// ErrBusy while another generation holds the slot.
func (o *Orchestrator) SendMessage(ctx context.Context, sink Sink, content string, attachments []Attachment) (Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return Reply{}, ErrEmptyMessage
	}
	id, err := o.state.BeginStream()
	if err != nil {
		return Reply{}, err
	}
	defer o.state.EndStream(id)
	ctx, g := o.begin(ctx, id)
	defer o.end(g)

	o.state.Append(Message{Role: RoleUser, Content: content, Attachments: attachments})
	o.state.SyncCurrentSession()
	o.persist.Schedule()

	return o.ExecuteGeneration(ctx, sink, nil)
}

// SendHiddenMessage sends a command the model sees but the transcript does
// not show.
func (o *Orchestrator) SendHiddenMessage(ctx context.Context, sink Sink, content string) (Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}, ErrEmptyMessage
	}
	id, err := o.state.BeginIntent()
	if err != nil {
		return Reply{}, err
	}
	defer o.state.EndIntent(id)
	ctx, g := o.begin(ctx, id)
	defer o.end(g)

	o.state.Append(Message{Role: RoleUser, Content: content, Hidden: true})
	o.persist.Schedule()

	return o.ExecuteGeneration(ctx, sink, nil)
}

// Stop aborts the running generation and silences speech.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.current != nil {
		o.current.abort()
	}
	o.mu.Unlock()
	o.speaker.StopAll()
}

// begin registers the claim id as the running generation. A generation still
// registered lost its slot to a stuck-timeout reclaim and is aborted.
func (o *Orchestrator) begin(ctx context.Context, id uint64) (context.Context, *generation) {
	gctx, cancel := context.WithCancel(ctx)
	g := &generation{id: id, cancel: cancel}
	o.mu.Lock()
	prev := o.current
	o.current = g
	o.mu.Unlock()
	if prev != nil {
		o.log.Warn("aborting reclaimed generation", zap.Uint64("generation", prev.id), zap.Uint64("successor", id))
		prev.abort()
	}
	return context.WithValue(gctx, generationKey{}, g), g
}

func (o *Orchestrator) end(g *generation) {
	g.cancel()
	o.mu.Lock()
	if o.current == g {
		o.current = nil
	}
	o.mu.Unlock()
}

// ExecuteGeneration streams a reply to the history as it stands. attempted
// lists the models already tried this turn. Stop reaches it only when it runs
// under a claim taken by SendMessage or SendHiddenMessage.
func (o *Orchestrator) ExecuteGeneration(ctx context.Context, sink Sink, attempted []string) (Reply, error) {
	t := o.state.turn()
	if !t.Local {
		if slices.Contains(attempted, t.Model) {
			return Reply{}, fmt.Errorf("%w: %s was already attempted", ErrAllFallbacksFailed, t.Model)
		}
		attempted = append(attempted, t.Model)
	}
	model := t.Model
	if t.Local {
		model = string(ai.ModeLocal)
	}
	log := o.log.With(zap.String("model", model), zap.Int("attempt", len(attempted)))

	text, stopped, chunks, err := o.attempt(ctx, sink, t)
	if err == nil {
		marker := MarkerNone
		if stopped {
			marker = MarkerStopped
		}
		sink.Final(text, marker)
		if strings.TrimSpace(text) != "" {
			o.state.AppendAssistant(text, o.opts.HistoryLimit)
			o.persist.Schedule()
		} else {
			o.state.SyncCurrentSession()
		}
		log.Info("generation finished", zap.Int("chunks", chunks), zap.Bool("stopped", stopped))
		return Reply{Text: text, Model: model, Stopped: stopped}, nil
	}

	log.Warn("generation failed", zap.Int("chunks", chunks), zap.Error(err))
	if strings.TrimSpace(text) != "" {
		sink.Final(text, MarkerInterrupted)
		o.state.Append(Message{Role: RoleAssistant, Content: text + interruptedSuffix})
		o.state.SyncCurrentSession()
		o.persist.Schedule()
		err = &InterruptedError{Partial: text, Err: err}
	}

	if t.Local || ctx.Err() != nil {
		return Reply{}, err
	}
	if IsModerationLoop(err) {
		log.Warn("moderation loop detected, resetting persisted state")
		sink.Notify(LevelWarning, "Corruption detected. Auto-repairing...")
		o.state.Reset()
		if rerr := o.persist.Reset(ctx); rerr != nil {
			log.Error("reset persisted state", zap.Error(rerr))
		}
		return Reply{}, fmt.Errorf("%w: %w", ErrStateReset, err)
	}
	if !IsRecoverable(err) {
		return Reply{}, err
	}

	candidates := FallbackChain(t.FreeModels, o.opts.StaticFallbacks, attempted)
	if len(candidates) == 0 {
		log.Error("fallback candidates exhausted", zap.Strings("attempted", attempted))
		return Reply{}, fmt.Errorf("%w: %w", ErrAllFallbacksFailed, err)
	}
	next := candidates[0]
	log.Warn("switching model", zap.String("next", next))
	o.state.SetModel(next)
	sink.ModelSwitched(t.Model, next)
	o.persist.Schedule()
	return o.ExecuteGeneration(ctx, sink, attempted)
}

func (o *Orchestrator) route(t turn) (ai.Mode, ai.Request) {
	switch {
	case t.Local:
		return ai.ModeLocal, ai.Request{
			Model:       t.Model,
			Messages:    BuildContext(t.History, t.SystemPrompt, o.opts.ContextWindow),
			Temperature: t.Temperature,
			MaxTokens:   -1,
		}
	case strings.HasPrefix(t.Model, o.opts.BridgePrefix):
		return ai.ModeBridge, ai.Request{
			Model:          t.Model,
			Prompt:         lastUserPrompt(t.History),
			Temperature:    t.Temperature,
			Continuation:   t.Continuation,
			Proxy:          t.Proxy,
			OnContinuation: o.state.SetContinuation,
		}
	default:
		temp := t.Temperature
		if usesFixedTemperature(t.Model) {
			temp = 1
		}
		return ai.ModeCloud, ai.Request{
			Model:       t.Model,
			Messages:    BuildContext(t.History, t.SystemPrompt, o.opts.ContextWindow),
			Temperature: temp,
			MaxTokens:   t.MaxTokens,
		}
	}
}

// attempt runs one stream. Cancellation by Stop is reported as stopped with
// a nil error.
func (o *Orchestrator) attempt(ctx context.Context, sink Sink, t turn) (text string, stopped bool, chunks int, err error) {
	mode, req := o.route(t)
	tr, err := o.transports.Get(mode)
	if err != nil {
		return "", false, 0, err
	}

	g := generationFrom(ctx)
	if g == nil {
		g = &generation{cancel: func() {}}
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, errs := tr.Stream(actx, req)
	co := newCoalescer(sink, o.opts.FrameInterval)

	var (
		acc       strings.Builder
		sentences speech.SentenceBuffer
	)
	for c := range stream {
		if g.aborted.Load() {
			stopped = true
			break
		}
		if c.Text == "" {
			continue
		}
		chunks++
		acc.WriteString(c.Text)
		if t.AutoSpeak {
			for _, s := range sentences.Push(c.Text) {
				o.speaker.Enqueue(s, sink)
			}
		}
		co.update(acc.String())
	}
	co.close()

	if stopped || g.aborted.Load() {
		cancel()
		return acc.String(), true, chunks, nil
	}
	if err := <-errs; err != nil {
		return acc.String(), false, chunks, err
	}
	if t.AutoSpeak {
		o.speaker.Enqueue(sentences.Flush(), sink)
	}
	return acc.String(), false, chunks, nil
}

type nopPersister struct{}

func (nopPersister) Schedule()                       {}
func (nopPersister) Reset(ctx context.Context) error { return nil }

type nopSpeaker struct{}

func (nopSpeaker) Enqueue(string, speech.Target) {}
func (nopSpeaker) StopAll()                      {}
