package sweeper

import (
	"context"
	"time"
)

// Cycle is a recurring event that can also be triggered on demand.
type Cycle struct {
	interval time.Duration
	trigger  chan chan struct{}
	quit     chan struct{}
	started  chan struct{}
}

// NewCycle creates a cycle firing every interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		trigger:  make(chan chan struct{}),
		quit:     make(chan struct{}),
		started:  make(chan struct{}),
	}
}

// Run calls fn once immediately and then on every tick until ctx is done or fn
// fails.
func (c *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer close(c.quit)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	close(c.started)
	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case done := <-c.trigger:
			err := fn(ctx)
			close(done)
			if err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TriggerWait runs fn out of band and waits for it to finish. It returns false if
// the cycle stopped first.
func (c *Cycle) TriggerWait() bool {
	select {
	case <-c.started:
	case <-c.quit:
		return false
	}
	done := make(chan struct{})
	select {
	case c.trigger <- done:
	case <-c.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}
