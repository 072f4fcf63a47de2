package chat

import (
	"sync"
	"time"

	"github.com/suPer8Hu/gravitychat/internal/speech"
)

// Marker annotates the final render of a turn.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerStopped
	MarkerInterrupted
)

func (m Marker) String() string {
	switch m {
	case MarkerStopped:
		return "stopped"
	case MarkerInterrupted:
		return "interrupted"
	default:
		return ""
	}
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Sink is the presentation side of a turn. Stream receives the accumulated
// text while it grows, Final exactly once per attempt that produced output
// or was stopped.
type Sink interface {
	speech.Target
	Stream(text string)
	Final(text string, marker Marker)
	ModelSwitched(from, to string)
	Notify(level Level, msg string)
}

// coalescer limits Stream calls to one per interval. The latest text wins.
type coalescer struct {
	sink     Sink
	interval time.Duration

	mu      sync.Mutex
	latest  string
	pending bool
	closed  bool
	timer   *time.Timer
	// render serializes sink calls with close
	render sync.Mutex
}

func newCoalescer(sink Sink, interval time.Duration) *coalescer {
	return &coalescer{sink: sink, interval: interval}
}

func (c *coalescer) update(text string) {
	if c.interval <= 0 {
		c.render.Lock()
		c.sink.Stream(text)
		c.render.Unlock()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.latest = text
	if c.pending {
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.interval, c.flush)
}

func (c *coalescer) flush() {
	c.render.Lock()
	defer c.render.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	text := c.latest
	c.pending = false
	c.mu.Unlock()
	c.sink.Stream(text)
}

// close drops any pending render and waits for one in progress.
func (c *coalescer) close() {
	c.render.Lock()
	defer c.render.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
