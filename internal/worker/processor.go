package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inventory-collector/internal/config"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/telemetry"
)

// Queue is the lease-based work queue the processor drains.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (*queue.Item, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, runAt time.Time) (int, error)
	DeadLetter(ctx context.Context, id string) error
}

// Handler executes one leased item.
type Handler func(ctx context.Context, item queue.Item) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error that retrying cannot fix. The item goes straight to
// the dead-letter list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    Queue
	handlers map[string]Handler
	workerID string
	log      *zap.SugaredLogger
}

func NewProcessor(cfg config.Config, q Queue, workerID string, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
		log:      log.With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a queue lane.
func (p *Processor) RegisterHandler(lane string, handler Handler) {
	if lane == "" || handler == nil {
		return
	}
	p.handlers[lane] = handler
}

// Run starts WorkerConcurrency lease loops plus one maintenance loop and
// blocks until ctx is canceled or a loop fails.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// maintain promotes due retries, reclaims expired leases and samples queue depth.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
			p.log.Warnw("promote scheduled", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.log.Warnw("requeue expired", "error", err)
		} else if len(reclaimed) > 0 {
			p.log.Infow("reclaimed expired leases", "ids", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Warnw("dequeue", "error", err)
		}
		if err != nil || item == nil {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.process(ctx, *item)
	}
}

// process runs one item and settles its lease: ack on success, retry with
// backoff on failure, dead-letter after MaxAttempts or a permanent error.
func (p *Processor) process(ctx context.Context, item queue.Item) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.With("lane", item.Lane, "id", item.ID)
	handler, ok := p.handlers[item.Lane]
	if !ok {
		log.Errorw("no handler registered for lane")
		_ = p.queue.DeadLetter(ctx, item.ID)
		return
	}

	stop := p.keepAlive(ctx, item.ID)
	err := handler(ctx, item)
	stop()

	if err == nil {
		if err := p.queue.Ack(ctx, item.ID); err != nil {
			log.Warnw("ack", "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		// lease expires and another worker picks the item up
		return
	}

	var perm permanentError
	attempts := item.Attempts + 1
	if errors.As(err, &perm) || attempts >= p.cfg.MaxAttempts {
		log.Errorw("dead-lettering item", "attempts", attempts, "error", err)
		if err := p.queue.DeadLetter(ctx, item.ID); err != nil {
			log.Warnw("dead letter", "error", err)
		}
		return
	}
	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if _, err := p.queue.Retry(ctx, item.ID, nextRun); err != nil {
		log.Warnw("schedule retry", "error", err)
		return
	}
	telemetry.TasksRequeued.Inc()
	log.Warnw("retry scheduled", "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "error", err)
}

// keepAlive extends the lease at half the visibility timeout until stopped.
func (p *Processor) keepAlive(ctx context.Context, id string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warnw("extend lease", "id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
