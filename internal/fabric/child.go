package fabric

import (
	"context"
	"sync"
)

// Fabric spawns participants.
type Fabric interface {
	// Spawn starts entry as participant id with the extra environment
	// entries in env ("KEY=value").
	Spawn(ctx context.Context, id, entry string, env []string) (*Child, error)
}

// Child is the coordinator's handle on a spawned participant.
type Child struct {
	ID      string
	Channel Channel

	mu      sync.Mutex
	exited  chan struct{}
	err     error
	onExit  []func(error)
	didExit bool
}

func newChild(id string, ch Channel) *Child {
	return &Child{ID: id, Channel: ch, exited: make(chan struct{})}
}

// OnExit registers fn to run once the participant exits. If it already
// has, fn runs immediately.
func (c *Child) OnExit(fn func(error)) {
	c.mu.Lock()
	if c.didExit {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onExit = append(c.onExit, fn)
	c.mu.Unlock()
}

// Wait blocks until the participant exits or ctx is done.
func (c *Child) Wait(ctx context.Context) error {
	select {
	case <-c.exited:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Child) exit(err error) {
	c.mu.Lock()
	if c.didExit {
		c.mu.Unlock()
		return
	}
	c.didExit = true
	c.err = err
	fns := c.onExit
	c.onExit = nil
	close(c.exited)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
