package preload

import (
	"context"
	"sync"
)

// State is the lifecycle state of a preload task.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Task is one preload of one resource.
type Task struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	reason string
	bytes  int64
	err    error
}

func newTask(url string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		url:    url,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateRunning,
	}
}

// finishedTask returns a task that already ended in state.
func finishedTask(url string, state State, reason string, err error) *Task {
	t := newTask(url)
	t.finish(state, reason, 0, err)
	return t
}

// URL returns the resource URL.
func (t *Task) URL() string {
	return t.url
}

// Done is closed when the task ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends or ctx is done and returns the task error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason explains a skipped task.
func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Bytes returns the number of bytes the task stored.
func (t *Task) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Err returns the failure of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// finish moves the task to a terminal state once.
func (t *Task) finish(state State, reason string, n int64, err error) bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return false
	}
	t.state, t.reason, t.bytes, t.err = state, reason, n, err
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	PreloadTasks.WithLabelValues(string(state)).Inc()
	if n > 0 {
		PreloadBytes.Add(float64(n))
	}
	return true
}
