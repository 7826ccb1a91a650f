// Package sweeper runs periodic maintenance jobs such as upload GC and stale
// submission cleanup.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one recurring maintenance pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Sweeper drives a set of jobs, each on its own cycle. A failing pass is logged
// and retried on the next tick; only context cancellation stops a job.
type Sweeper struct {
	log  *zap.Logger
	jobs []Job

	mu     sync.Mutex
	cycles map[string]*Cycle
}

func New(log *zap.Logger, jobs ...Job) *Sweeper {
	return &Sweeper{log: log.Named("sweeper"), jobs: jobs, cycles: make(map[string]*Cycle)}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		cycle := NewCycle(job.Interval)
		s.mu.Lock()
		s.cycles[job.Name] = cycle
		s.mu.Unlock()

		group.Go(func() error {
			err := cycle.Run(ctx, func(ctx context.Context) error {
				s.pass(ctx, job)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return group.Wait()
}

func (s *Sweeper) pass(ctx context.Context, job Job) {
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep failed", zap.String("job", job.Name), zap.Error(err))
		}
		return
	}
	s.log.Debug("sweep done", zap.String("job", job.Name), zap.Duration("took", time.Since(started)))
}

// TriggerWait runs the named job now and waits for it. It reports false when no
// such job is running.
func (s *Sweeper) TriggerWait(name string) bool {
	s.mu.Lock()
	cycle, ok := s.cycles[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return cycle.TriggerWait()
}
