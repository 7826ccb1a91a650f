package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const claimTimeout = 2 * time.Second

// Handler runs one task.
type Handler func(ctx context.Context, t *Task) error

// WorkerConfig sizes a Worker.
type WorkerConfig struct {
	Concurrency int
	TimeLimit   time.Duration
}

// Worker consumes every registered task name with Concurrency goroutines each.
type Worker struct {
	log      *zap.Logger
	broker   Broker
	conf     WorkerConfig
	handlers map[string]Handler
}

func NewWorker(log *zap.Logger, broker Broker, conf WorkerConfig) *Worker {
	if conf.Concurrency < 1 {
		conf.Concurrency = 1
	}
	return &Worker{
		log:      log.Named("worker"),
		broker:   broker,
		conf:     conf,
		handlers: map[string]Handler{},
	}
}

// Register binds h to tasks named name. It must be called before Run.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run recovers orphaned tasks, then consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n, err := w.broker.Recover(ctx, name)
		if err != nil {
			return err
		}
		if n > 0 {
			w.log.Info("recovered orphaned tasks", zap.String("task", name), zap.Int("count", n))
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		for i := 0; i < w.conf.Concurrency; i++ {
			group.Go(func() error {
				w.consume(ctx, name)
				return nil
			})
		}
	}
	w.log.Info("worker started", zap.Strings("tasks", names), zap.Int("concurrency", w.conf.Concurrency))
	return group.Wait()
}

func (w *Worker) consume(ctx context.Context, name string) {
	for ctx.Err() == nil {
		d, err := w.broker.Claim(ctx, name, claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("failed to claim task", zap.String("task", name), zap.Error(err))
			sleep(ctx, claimTimeout)
			continue
		}
		if d == nil {
			continue
		}
		w.Process(ctx, d)
	}
}

// Process runs the handler for one delivery and settles it with the broker.
func (w *Worker) Process(ctx context.Context, d *Delivery) {
	log := w.log.With(
		zap.String("task", d.Task.Name),
		zap.String("id", d.Task.ID),
		zap.Int("attempt", d.Task.Attempt),
	)

	err := w.run(ctx, d.Task)
	// settle even when the run context is gone
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		if err := w.broker.Ack(settleCtx, d); err != nil {
			log.Error("failed to ack task", zap.Error(err))
		}
		return
	}

	dead, ferr := w.broker.Fail(settleCtx, d, err)
	if ferr != nil {
		log.Error("failed to requeue task", zap.Error(ferr))
	}
	if dead {
		log.Error("task dead-lettered", zap.Error(err))
	} else {
		log.Warn("task failed, will retry", zap.Error(err))
	}
}

func (w *Worker) run(ctx context.Context, t *Task) (err error) {
	h, ok := w.handlers[t.Name]
	if !ok {
		return Permanent(fmt.Errorf("no handler for task %q", t.Name))
	}
	if w.conf.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.conf.TimeLimit)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v\n%s", p, debug.Stack())
		}
	}()

	err = h(ctx, t)
	if errors.Is(err, context.DeadlineExceeded) {
		w.log.Warn("task exceeded time limit", zap.String("task", t.Name), zap.Duration("limit", w.conf.TimeLimit))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
