package readiness

import (
	"errors"
	"sync"

	"github.com/fent/clusterhub/internal/loop"
)

// Gate holds inbound tasks until it is opened, then runs them in arrival
// order. After Open, submitted tasks run immediately.
type Gate struct {
	mu      sync.Mutex
	open    bool
	pending []loop.Task
}

func NewGate() *Gate {
	return &Gate{}
}

// Submit runs task now if the gate is open and nothing is queued ahead of
// it; otherwise task is queued. The returned bool reports whether task
// was buffered.
func (g *Gate) Submit(task loop.Task) (bool, error) {
	g.mu.Lock()
	if g.open && len(g.pending) == 0 {
		g.mu.Unlock()
		return false, task()
	}
	g.pending = append(g.pending, task)
	g.mu.Unlock()
	return true, nil
}

// Open drains every queued task FIFO and leaves the gate open. Tasks
// submitted while draining are queued behind the ones already waiting.
//
// A fatal task error (see loop.Fatal) stops the drain and is returned as
// is. Other task errors are joined and returned once the queue is empty.
func (g *Gate) Open() error {
	var errs []error
	for {
		g.mu.Lock()
		if len(g.pending) == 0 {
			g.open = true
			g.mu.Unlock()
			return errors.Join(errs...)
		}
		task := g.pending[0]
		g.pending[0] = nil
		g.pending = g.pending[1:]
		g.mu.Unlock()

		if err := task(); err != nil {
			if loop.IsFatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
}

// IsOpen reports whether the gate has been opened.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Len returns the number of buffered tasks.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
