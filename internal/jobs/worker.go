package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/logging"
	"github.com/suPer8Hu/gravitychat/internal/store/rabbitmq"
	"github.com/suPer8Hu/gravitychat/internal/workspace"
)

// Workspaces resolves the workspace a job runs against.
type Workspaces interface {
	Get(ctx context.Context, userID uint64) (*workspace.Workspace, error)
}

// Retrier re-enqueues a job after a delay.
type Retrier interface {
	RetryJob(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type Config struct {
	Concurrency int
	// MaxAttempts bounds retries of jobs whose workspace was busy.
	MaxAttempts int
	RetryDelay  time.Duration
	// Timeout bounds one generation.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Concurrency > 50 {
		c.Concurrency = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

// errRetry marks a job that was parked in the retry queue.
var errRetry = errors.New("job scheduled for retry")

type Worker struct {
	repo  *chat.Repo
	ws    Workspaces
	retry Retrier
	cfg   Config
	log   *zap.Logger
}

func NewWorker(repo *chat.Repo, ws Workspaces, retry Retrier, cfg Config, log *zap.Logger) *Worker {
	return &Worker{
		repo:  repo,
		ws:    ws,
		retry: retry,
		cfg:   cfg.withDefaults(),
		log:   logging.OrNop(log).Named("jobs"),
	}
}

// Run dispatches deliveries to a fixed pool until ctx is done or the
// delivery channel closes, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))

	// worker pool
	queue := make(chan amqp.Delivery, w.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range queue {
				w.process(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(queue)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				w.log.Warn("delivery channel closed")
				return
			}
			select {
			case queue <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID int, d amqp.Delivery) {
	jobID, err := rabbitmq.DecodeJob(d)
	if err != nil {
		w.log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err = w.HandleJob(ctx, jobID, rabbitmq.Attempt(d))
	switch {
	case errors.Is(err, errRetry):
	case err != nil && ctx.Err() != nil:
		// shutting down: hand the job back to the broker
		_ = d.Nack(false, true)
		return
	case err != nil:
		w.log.Error("job failed",
			zap.Int("worker", workerID), zap.String("job_id", jobID),
			zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		w.log.Warn("ack failed", zap.Int("worker", workerID), zap.String("job_id", jobID), zap.Error(err))
	}
}

// HandleJob runs one queued job through the owner's workspace. Generation
// failures are recorded on the job and reported as success; only errors the
// job row cannot absorb are returned.
func (w *Worker) HandleJob(ctx context.Context, jobID string, attempt int) error {
	start := time.Now()

	ok, err := w.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		w.log.Info("job not queued, skipping", zap.String("job_id", jobID))
		return nil
	}
	j, err := w.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	ws, err := w.ws.Get(ctx, j.UserID)
	if err != nil {
		return w.fail(ctx, j, fmt.Errorf("workspace: %w", err))
	}

	reply, err := w.generate(ctx, ws, j)
	if err != nil && ctx.Err() != nil {
		if rerr := w.repo.RequeueJob(context.WithoutCancel(ctx), j.ID); rerr != nil {
			w.log.Warn("requeue on shutdown", zap.String("job_id", j.ID), zap.Error(rerr))
		}
		return ctx.Err()
	}
	if errors.Is(err, chat.ErrBusy) {
		return w.retryBusy(ctx, j, attempt)
	}
	if err != nil {
		return w.fail(ctx, j, err)
	}

	if err := w.repo.MarkJobSucceeded(ctx, j.ID, reply.Model, reply.Text); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if total := time.Since(start); total > 2*time.Second {
		w.log.Info("job_timing", zap.String("job_id", j.ID), zap.Duration("total", total))
	}
	return nil
}

func (w *Worker) generate(ctx context.Context, ws *workspace.Workspace, j *chat.Job) (chat.Reply, error) {
	if ws.State.ActiveSessionID() != j.SessionID {
		// refused with ErrBusy while a generation holds the slot
		if err := ws.State.SwitchSession(j.SessionID); err != nil {
			return chat.Reply{}, err
		}
		ws.Save()
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	rec := &chat.Recorder{}
	reply, err := ws.Chat.SendMessage(ctx, rec, j.Prompt, nil)
	for _, sw := range rec.Switches() {
		w.log.Info("job model switched", zap.String("job_id", j.ID), zap.String("from", sw[0]), zap.String("to", sw[1]))
	}
	return reply, err
}

func (w *Worker) retryBusy(ctx context.Context, j *chat.Job, attempt int) error {
	next := attempt + 1
	if w.retry == nil || next >= w.cfg.MaxAttempts {
		return w.fail(ctx, j, chat.ErrBusy)
	}
	if err := w.repo.RequeueJob(ctx, j.ID); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := w.retry.RetryJob(ctx, j.ID, next, w.cfg.RetryDelay*time.Duration(next)); err != nil {
		return w.fail(ctx, j, fmt.Errorf("retry enqueue: %w", err))
	}
	return errRetry
}

func (w *Worker) fail(ctx context.Context, j *chat.Job, cause error) error {
	w.log.Warn("job generation failed", zap.String("job_id", j.ID), zap.Error(cause))
	if err := w.repo.MarkJobFailed(context.WithoutCancel(ctx), j.ID, ai.ErrorMessage(cause)); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
