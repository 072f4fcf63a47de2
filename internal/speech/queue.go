// Package speech speaks generated text through a TTS helper while keeping
// microphone capture and playback from overlapping.
package speech

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/logging"
)

// Audio is one synthesized utterance.
type Audio struct {
	MIME string
	Data []byte
	Text string
}

// Target plays synthesized audio, typically the presentation sink that
// produced the text.
type Target interface {
	PlayAudio(ctx context.Context, a Audio) error
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}

// Mic is the capture side of the half-duplex discipline.
type Mic interface {
	Recording() bool
	Stop()
	Start()
}

type item struct {
	text   string
	target Target
}

type Options struct {
	Voice string
	// PauseDelay is waited after stopping capture, before playback starts.
	PauseDelay time.Duration
	// ResumeDelay is waited after the queue drains before capture resumes in
	// voice session mode.
	ResumeDelay time.Duration
}

// Queue plays queued utterances one at a time in FIFO order.
type Queue struct {
	synth Synthesizer
	mic   Mic
	log   *zap.Logger
	opts  Options

	mu           sync.Mutex
	items        []item
	speaking     bool
	voiceSession bool
	ctx          context.Context
	cancel       context.CancelFunc
	resume       *time.Timer
	wg           sync.WaitGroup
}

func NewQueue(synth Synthesizer, mic Mic, opts Options, log *zap.Logger) *Queue {
	if mic == nil {
		mic = &MicState{}
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = 500 * time.Millisecond
	}
	if opts.PauseDelay < 0 {
		opts.PauseDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		synth:  synth,
		mic:    mic,
		log:    logging.OrNop(log).Named("speech"),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds text for target. Blank text is ignored.
func (q *Queue) Enqueue(text string, target Target) {
	if strings.TrimSpace(text) == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item{text: text, target: target})
	if q.speaking {
		return
	}
	q.speaking = true
	if q.resume != nil {
		q.resume.Stop()
		q.resume = nil
	}
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()

	if q.mic.Recording() {
		q.mic.Stop()
		if q.opts.PauseDelay > 0 {
			time.Sleep(q.opts.PauseDelay)
		}
	}

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.speaking = false
			if q.voiceSession && !q.mic.Recording() {
				q.resume = time.AfterFunc(q.opts.ResumeDelay, q.mic.Start)
			}
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		ctx := q.ctx
		voice := q.opts.Voice
		q.mu.Unlock()

		q.play(ctx, it, voice)
	}
}

func (q *Queue) play(ctx context.Context, it item, voice string) {
	audio, err := q.synth.Synthesize(ctx, it.text, voice)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("synthesize failed", zap.Error(err))
		}
		return
	}
	if it.target == nil {
		return
	}
	if err := it.target.PlayAudio(ctx, audio); err != nil && ctx.Err() == nil {
		q.log.Warn("playback failed", zap.Error(err))
	}
}

// StopAll drops queued items and interrupts the current one.
func (q *Queue) StopAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
}

func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// SetVoiceSession toggles continuous voice mode: capture resumes on its own
// once the queue drains.
func (q *Queue) SetVoiceSession(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voiceSession = on
	if !on && q.resume != nil {
		q.resume.Stop()
		q.resume = nil
	}
}

func (q *Queue) SetVoice(voice string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opts.Voice = voice
}

// Close stops playback and waits for the player goroutine to exit.
func (q *Queue) Close() {
	q.StopAll()
	q.SetVoiceSession(false)
	q.wg.Wait()
	q.mu.Lock()
	if q.resume != nil {
		q.resume.Stop()
		q.resume = nil
	}
	q.mu.Unlock()
}

// MicState tracks capture state reported by the client and forwards capture
// commands to a listener.
type MicState struct {
	mu        sync.Mutex
	recording bool
	listener  func(recording bool)
}

func (m *MicState) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

func (m *MicState) Set(recording bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = recording
}

func (m *MicState) Stop()  { m.change(false) }
func (m *MicState) Start() { m.change(true) }

func (m *MicState) change(recording bool) {
	m.mu.Lock()
	m.recording = recording
	l := m.listener
	m.mu.Unlock()
	if l != nil {
		l(recording)
	}
}

// SetListener registers fn to receive capture commands; nil removes it.
func (m *MicState) SetListener(fn func(recording bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}
