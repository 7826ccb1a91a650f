package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/storage"
)

// Delivery is a claimed task. It must be acked or failed.
type Delivery struct {
	Task *Task
	raw  []byte
}

// Broker moves tasks between producers and workers.
type Broker interface {
	Enqueuer
	// Claim waits up to timeout for a task of the given name. It returns nil on timeout.
	Claim(ctx context.Context, name string, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Fail re-queues the task, or dead-letters it after MaxAttempts or a permanent error.
	Fail(ctx context.Context, d *Delivery, cause error) (dead bool, err error)
	// Recover puts tasks left in processing by a crashed worker back on the queue.
	Recover(ctx context.Context, name string) (int, error)
}

func queueKey(name string) string      { return "queue:" + name }
func processingKey(name string) string { return "queue:" + name + ":processing" }
func deadKey(name string) string       { return "queue:" + name + ":dead" }

// RedisBroker keeps one list per task name plus a processing and a dead list.
type RedisBroker struct {
	redis *storage.RedisClient
	clock clock.Clock
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(redis *storage.RedisClient, clk clock.Clock) *RedisBroker {
	return &RedisBroker{redis: redis, clock: clk}
}

func (b *RedisBroker) Enqueue(ctx context.Context, name string, payload any) error {
	t, err := NewTask(name, payload, b.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(b.redis.Push(ctx, queueKey(name), data))
}

func (b *RedisBroker) Claim(ctx context.Context, name string, timeout time.Duration) (*Delivery, error) {
	data, err := b.redis.Claim(ctx, queueKey(name), processingKey(name), timeout)
	if err != nil || data == nil {
		return nil, Error.Wrap(err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		// unreadable entries cannot be retried
		if ackErr := b.redis.Requeue(ctx, processingKey(name), data, deadKey(name), data); ackErr != nil {
			return nil, Error.Wrap(ackErr)
		}
		return nil, Error.New("dropped malformed task on %s: %v", name, err)
	}
	return &Delivery{Task: &t, raw: data}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return Error.Wrap(b.redis.Ack(ctx, processingKey(d.Task.Name), d.raw))
}

func (b *RedisBroker) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	next := *d.Task
	next.Attempt++
	dead := IsPermanent(cause) || next.Attempt >= MaxAttempts
	dst := queueKey(d.Task.Name)
	if dead {
		dst = deadKey(d.Task.Name)
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return dead, Error.Wrap(b.redis.Requeue(ctx, processingKey(d.Task.Name), d.raw, dst, data))
}

func (b *RedisBroker) Recover(ctx context.Context, name string) (int, error) {
	n, err := b.redis.Drain(ctx, processingKey(name), queueKey(name))
	return n, Error.Wrap(err)
}

// DeadLetters returns the number of dead-lettered tasks of name.
func (b *RedisBroker) DeadLetters(ctx context.Context, name string) (int64, error) {
	n, err := b.redis.Len(ctx, deadKey(name))
	return n, Error.Wrap(err)
}
