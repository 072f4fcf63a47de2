package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/logging"
)

// Debouncer coalesces bursts of Schedule calls into a single write issued
// once interval has passed without another call.
type Debouncer struct {
	interval time.Duration
	write    func(ctx context.Context) error
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool
	// writing serializes writes so a flush never races a timer write
	writing sync.Mutex
}

func NewDebouncer(interval time.Duration, write func(ctx context.Context) error, log *zap.Logger) *Debouncer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Debouncer{
		interval: interval,
		write:    write,
		timeout:  10 * time.Second,
		log:      logging.OrNop(log).Named("debounce"),
	}
}

// Schedule (re)starts the quiet period.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.run(ctx); err != nil {
		d.log.Warn("debounced write failed", zap.Error(err))
	}
}

func (d *Debouncer) run(ctx context.Context) error {
	d.writing.Lock()
	defer d.writing.Unlock()

	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return nil
	}
	d.pending = false
	d.mu.Unlock()
	return d.write(ctx)
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush writes now if a write is pending.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	return d.run(ctx)
}

// Close flushes and rejects further schedules.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Flush(ctx)
}
