package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/render"
	"github.com/suPer8Hu/gravitychat/internal/speech"
)

var errStreamClosed = errors.New("event stream closed")

// sseSink is the presentation sink of one streaming request. Every event is
// a JSON document; renders carry both the raw text and sanitized HTML.
type sseSink struct {
	w        gin.ResponseWriter
	renderer *render.Renderer

	mu     sync.Mutex
	closed bool
}

func newSSESink(c *gin.Context, renderer *render.Renderer) *sseSink {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)
	c.Writer.WriteHeaderNow()
	return &sseSink{w: c.Writer, renderer: renderer}
}

func (s *sseSink) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if err != nil {
		fmt.Fprintf(s.w, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		s.w.Flush()
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		s.closed = true
		return err
	}
	s.w.Flush()
	return nil
}

// close drops later events; the speech queue may still hold this sink.
func (s *sseSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sseSink) html(text string, streaming bool) string {
	out, err := s.renderer.Markdown(text, streaming)
	if err != nil {
		return ""
	}
	return out
}

func (s *sseSink) Stream(text string) {
	_ = s.send("stream", gin.H{"text": text, "html": s.html(text, true)})
}

func (s *sseSink) Final(text string, marker chat.Marker) {
	_ = s.send("final", gin.H{"text": text, "html": s.html(text, false), "marker": marker.String()})
}

func (s *sseSink) ModelSwitched(from, to string) {
	_ = s.send("model_switched", gin.H{"from": from, "to": to})
}

func (s *sseSink) Notify(level chat.Level, msg string) {
	_ = s.send("notify", gin.H{"level": level, "message": msg})
}

func (s *sseSink) PlayAudio(_ context.Context, a speech.Audio) error {
	return s.send("audio", gin.H{"mime": a.MIME, "text": a.Text, "data": a.Data})
}

func (s *sseSink) mic(recording bool) {
	_ = s.send("mic", gin.H{"recording": recording})
}

func (s *sseSink) ping() {
	_ = s.send("ping", gin.H{"ts": time.Now().Unix()})
}
