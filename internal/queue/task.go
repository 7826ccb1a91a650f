// Package queue is a small durable task queue on Redis lists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Task names.
const (
	ProcessSubmission  = "process_submission"
	RebuildIndex       = "rebuild_index"
	LogVersionDownload = "log_version_download"
)

// MaxAttempts bounds how often a failing task runs before it is dead-lettered.
const MaxAttempts = 3

// Error is the queue error class.
var Error = errs.Class("queue")

// Task is the unit of work stored in the broker.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask encodes payload into a Task named name.
func NewTask(name string, payload any, now time.Time) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, Error.New("failed to encode %s payload: %v", name, err)
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    data,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Decode unmarshals the payload into v. A malformed payload is permanent.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return Permanent(fmt.Errorf("malformed %s payload: %w", t.Name, err))
	}
	return nil
}

// Enqueuer is what producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the task is dead-lettered without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
