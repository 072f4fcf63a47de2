package chat

import (
	"context"
	"slices"
	"sync"

	"github.com/suPer8Hu/gravitychat/internal/speech"
)

// Notice is one Notify call seen by a Recorder.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Recorder is a Sink for callers without a live view: background jobs and
// request/response endpoints. It keeps the last final render, model
// switches and notices. Audio is dropped.
type Recorder struct {
	mu       sync.Mutex
	final    string
	marker   Marker
	switches [][2]string
	notices  []Notice
}

func (r *Recorder) Stream(string) {}

func (r *Recorder) Final(text string, marker Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final, r.marker = text, marker
}

func (r *Recorder) ModelSwitched(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.switches = append(r.switches, [2]string{from, to})
}

func (r *Recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Level: level, Message: msg})
}

func (r *Recorder) PlayAudio(context.Context, speech.Audio) error { return nil }

// Result returns the last final render and its marker.
func (r *Recorder) Result() (string, Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.marker
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.notices)
}

func (r *Recorder) Switches() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.switches)
}
