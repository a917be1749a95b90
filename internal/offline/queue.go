package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pdfhub-offline/internal/logger"
)

// Executor performs one queued action against the backend.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

// PermanentError marks an action failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ActionQueue is the durable FIFO of deferred writes. The persisted copy under
// actionQueueKey is rewritten in full on every change.
type ActionQueue struct {
	ls          *LocalStorage
	exec        Executor
	maxAttempts int

	mu    sync.Mutex
	items []Action

	draining atomic.Bool
}

// NewActionQueue loads any previously persisted queue.
func NewActionQueue(ls *LocalStorage, exec Executor, maxAttempts int) (*ActionQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	q := &ActionQueue{ls: ls, exec: exec, maxAttempts: maxAttempts}
	raw, ok, err := ls.Get(actionQueueKey)
	if err != nil {
		return nil, err
	}
	if ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &q.items); err != nil {
			return nil, newError(KindStorage, "decode action queue", err)
		}
	}
	return q, nil
}

// Enqueue appends a and persists the whole queue before returning.
func (q *ActionQueue) Enqueue(a Action) (Action, error) {
	if strings.TrimSpace(a.Kind) == "" {
		return Action{}, newError(KindValidation, "enqueue", fmt.Errorf("action kind is required"))
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.QueuedAt.IsZero() {
		a.QueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := append(append([]Action(nil), q.items...), a)
	if err := q.persistLocked(next); err != nil {
		return Action{}, err
	}
	q.items = next
	return a, nil
}

// Pending returns a snapshot of the queued actions in replay order.
func (q *ActionQueue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.items...)
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Draining reports whether a drain pass is running.
func (q *ActionQueue) Draining() bool { return q.draining.Load() }

// Drain attempts every queued action once, in insertion order. Successes leave
// the queue; failures stay for a later pass until they reach maxAttempts, or
// immediately when the executor reports a *PermanentError. Actions enqueued
// while the pass runs are kept behind the survivors. A second concurrent call
// returns ErrDrainInProgress without touching the queue.
func (q *ActionQueue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	batch := append([]Action(nil), q.items...)
	q.mu.Unlock()

	var res DrainResult
	if len(batch) == 0 {
		return res, nil
	}

	attempted := make(map[string]bool, len(batch))
	retained := make([]Action, 0)
	for _, a := range batch {
		err := q.exec.Execute(ctx, a)
		a.Attempts++
		if err == nil {
			a.LastError = ""
			res.Succeeded = append(res.Succeeded, a)
			attempted[a.ID] = true
			continue
		}

		a.LastError = err.Error()
		res.Failed = append(res.Failed, a)
		var perm *PermanentError
		if errors.As(err, &perm) || a.Attempts >= q.maxAttempts {
			res.Dropped = append(res.Dropped, a)
			attempted[a.ID] = true
			logger.Error("queued action %s (%s) dropped after %d attempt(s): %v", a.ID, a.Kind, a.Attempts, err)
			continue
		}
		retained = append(retained, a)
		attempted[a.ID] = true
		logger.Warn("queued action %s (%s) failed, attempt %d/%d: %v", a.ID, a.Kind, a.Attempts, q.maxAttempts, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := retained
	for _, a := range q.items {
		if !attempted[a.ID] {
			next = append(next, a)
		}
	}
	// The in-memory queue follows what was executed even when persisting
	// fails; the next successful write repairs storage.
	err := q.persistLocked(next)
	q.items = next
	res.Pending = len(next)
	return res, err
}

func (q *ActionQueue) persistLocked(items []Action) error {
	if items == nil {
		items = []Action{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return newError(KindStorage, "encode action queue", err)
	}
	return q.ls.Set(actionQueueKey, string(b))
}
