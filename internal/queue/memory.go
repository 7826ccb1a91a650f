package queue

import (
	"context"
	"sync"
	"time"

	"github.com/maneesh/pkgrepo/internal/clock"
)

// MemoryBroker is an in-process Broker for tests and single-process development.
type MemoryBroker struct {
	clock clock.Clock

	mu         sync.Mutex
	pending    map[string][]*Task
	processing map[string][]*Task
	dead       map[string][]*Task
	wake       chan struct{}
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(clk clock.Clock) *MemoryBroker {
	return &MemoryBroker{
		clock:      clk,
		pending:    map[string][]*Task{},
		processing: map[string][]*Task{},
		dead:       map[string][]*Task{},
		wake:       make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, name string, payload any) error {
	t, err := NewTask(name, payload, b.clock.Now())
	if err != nil {
		return err
	}
	b.push(t)
	return nil
}

func (b *MemoryBroker) push(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[t.Name] = append(b.pending[t.Name], t)
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) Claim(ctx context.Context, name string, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if q := b.pending[name]; len(q) > 0 {
			t := q[0]
			b.pending[name] = q[1:]
			b.processing[name] = append(b.processing[name], t)
			b.mu.Unlock()
			return &Delivery{Task: t}, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processing[d.Task.Name] = remove(b.processing[d.Task.Name], d.Task)
	return nil
}

func (b *MemoryBroker) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	next := *d.Task
	next.Attempt++
	dead := IsPermanent(cause) || next.Attempt >= MaxAttempts

	_ = b.Ack(ctx, d)
	if dead {
		b.mu.Lock()
		b.dead[next.Name] = append(b.dead[next.Name], &next)
		b.mu.Unlock()
		return true, nil
	}
	b.push(&next)
	return false, nil
}

func (b *MemoryBroker) Recover(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	orphans := b.processing[name]
	b.processing[name] = nil
	b.mu.Unlock()
	for _, t := range orphans {
		b.push(t)
	}
	return len(orphans), nil
}

// Pending returns the queued, unclaimed tasks of name.
func (b *MemoryBroker) Pending(name string) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Task(nil), b.pending[name]...)
}

// Dead returns the dead-lettered tasks of name.
func (b *MemoryBroker) Dead(name string) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Task(nil), b.dead[name]...)
}

func remove(tasks []*Task, t *Task) []*Task {
	for i, other := range tasks {
		if other == t {
			return append(tasks[:i:i], tasks[i+1:]...)
		}
	}
	return tasks
}
