// Package loop provides the single-goroutine task loop that processes all
// inbound traffic of a process.
//
// Every message a process receives is turned into a Task and run on the
// loop's goroutine, one at a time, in arrival order. Task failures are
// logged and processing continues; only a task that returns a FatalError
// stops the loop.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Task is one unit of work run on the loop goroutine.
type Task func() error

// FatalError wraps an error that must stop the loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as fatal. Run returns err (unwrapped) when a task
// returns the result. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was produced by Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Loop is an unbounded FIFO of tasks drained by Run.
//
// Enqueue, Defer, Stop and Len are safe from any goroutine. Run must be
// called from exactly one goroutine.
type Loop struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1

	exitOnce sync.Once
	exited   chan struct{}

	logger *slog.Logger
}

// New creates an empty loop. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
		exited: make(chan struct{}),
		logger: logger,
	}
}

// Done is closed when Run returns. Tasks still queued at that point never
// run.
func (l *Loop) Done() <-chan struct{} {
	return l.exited
}

// Enqueue appends a task. It returns false once the loop is stopped.
func (l *Loop) Enqueue(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, t)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Defer schedules fn to run on a later turn of the loop, after every task
// already queued.
func (l *Loop) Defer(fn func()) bool {
	return l.Enqueue(func() error {
		fn()
		return nil
	})
}

func (l *Loop) tryDequeue() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}
	t := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return t, true
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Stop closes the loop for new tasks. Run finishes the tasks already
// queued and then returns nil.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

// Abandon stops the loop without running the queued tasks and closes
// Done. It is for owners that give up before calling Run.
func (l *Loop) Abandon() {
	l.Stop()
	l.mu.Lock()
	l.tasks = nil
	l.mu.Unlock()
	l.exitOnce.Do(func() { close(l.exited) })
}

// Run processes tasks until ctx is cancelled, Stop is called and the
// queue is drained, or a task returns a FatalError.
func (l *Loop) Run(ctx context.Context) error {
	defer l.exitOnce.Do(func() { close(l.exited) })

	for {
		if t, ok := l.tryDequeue(); ok {
			if err := t(); err != nil {
				var fe *FatalError
				if errors.As(err, &fe) {
					l.logger.Error("loop stopping: fatal task error", "error", fe.Err)
					l.Stop()
					return fe.Err
				}
				l.logger.Warn("task failed", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopping: context cancelled")
			l.Stop()
			return ctx.Err()

		case <-l.signal:
			// A closed signal channel fires immediately.
			if l.stopped() && l.Len() == 0 {
				l.logger.Debug("loop stopping: closed")
				return nil
			}
		}
	}
}

func (l *Loop) stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
