package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"eventbell/internal/types"
)

// Handler processes one job. Returning an error schedules a retry according
// to the job's backoff until its attempts are exhausted; errors wrapped with
// Permanent fail the job immediately.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes the polling loops.
type WorkerConfig struct {
	PollInterval time.Duration
	// StallTimeout is how long a job may stay active before it is handed to
	// another worker.
	StallTimeout time.Duration
	// Retention is how long finished jobs stay visible for inspection.
	Retention time.Duration
}

type registration struct {
	queue       Name
	concurrency int
	handler     Handler
}

// Worker polls a Source and runs handlers with bounded per-queue
// concurrency. It owns no schedule state: every tick and retry lives in the
// store, so any number of workers may run side by side.
type Worker struct {
	src    Source
	cfg    WorkerConfig
	clock  types.Clock
	logger types.Logger

	mu   sync.Mutex
	regs []registration
}

// NewWorker creates a worker with defaults filled in.
func NewWorker(src Source, cfg WorkerConfig, clock types.Clock, logger types.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Worker{src: src, cfg: cfg, clock: clock, logger: logger}
}

// Handle registers the handler of a queue. It must be called before Run.
func (w *Worker) Handle(queue Name, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs = append(w.regs, registration{queue: queue, concurrency: concurrency, handler: h})
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	regs := append([]registration(nil), w.regs...)
	w.mu.Unlock()

	if len(regs) == 0 {
		return fmt.Errorf("queue: worker has no handlers")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		g.Go(func() error {
			w.consume(ctx, reg)
			return nil
		})
	}
	g.Go(func() error {
		w.maintain(ctx, regs)
		return nil
	})
	return g.Wait()
}

// consume claims up to the free slots of a queue on every poll.
func (w *Worker) consume(ctx context.Context, reg registration) {
	logger := w.logger.With("queue", string(reg.queue))
	logger.Info("queue consumer started", "concurrency", reg.concurrency)

	sem := make(chan struct{}, reg.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if free := cap(sem) - len(sem); free > 0 {
			jobs, err := w.src.Claim(ctx, reg.queue, free)
			if err != nil && ctx.Err() == nil {
				logger.Error("failed to claim jobs", "error", err)
			}
			for _, job := range jobs {
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					// In-flight jobs finish even when shutdown begins.
					w.Process(context.WithoutCancel(ctx), reg.handler, job)
				}()
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("queue consumer stopping")
			return
		case <-ticker.C:
		}
	}
}

// maintain fires recurring entries, requeues stalled jobs and prunes old
// ones.
func (w *Worker) maintain(ctx context.Context, regs []registration) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	lastPrune := time.Time{}

	for {
		for _, reg := range regs {
			n, err := w.src.FireRecurring(ctx, reg.queue)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("failed to fire recurring entries", "queue", string(reg.queue), "error", err)
			}
			if n > 0 {
				w.logger.Info("fired recurring entries", "queue", string(reg.queue), "count", n)
			}
		}

		now := w.clock.Now()
		if n, err := w.src.RequeueStalled(ctx, now.Add(-w.cfg.StallTimeout)); err != nil && ctx.Err() == nil {
			w.logger.Error("failed to requeue stalled jobs", "error", err)
		} else if n > 0 {
			w.logger.Warn("requeued stalled jobs", "count", n)
		}

		if now.Sub(lastPrune) >= time.Hour {
			lastPrune = now
			if n, err := w.src.Prune(ctx, now.Add(-w.cfg.Retention)); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to prune finished jobs", "error", err)
			} else if n > 0 {
				w.logger.Info("pruned finished jobs", "count", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process runs one claimed job and records the outcome. A panicking handler
// counts as a failed attempt.
func (w *Worker) Process(ctx context.Context, h Handler, job *Job) {
	logger := w.logger.With("queue", string(job.Queue), "job_id", job.ID, "attempt", job.Attempts)

	err := safeCall(ctx, h, job)
	if err == nil {
		if cerr := w.src.Complete(ctx, job); cerr != nil {
			logger.Error("failed to mark job completed", "error", cerr)
		}
		return
	}

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		logger.Error("job failed", "error", err, "permanent", IsPermanent(err))
		if ferr := w.src.Fail(ctx, job, err, nil); ferr != nil {
			logger.Error("failed to mark job failed", "error", ferr)
		}
		return
	}

	retryAt := w.clock.Now().Add(RetryDelay(job.Backoff, job.Attempts))
	logger.Warn("job attempt failed, retrying", "error", err, "retry_at", retryAt)
	if ferr := w.src.Fail(ctx, job, err, &retryAt); ferr != nil {
		logger.Error("failed to schedule job retry", "error", ferr)
	}
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}
