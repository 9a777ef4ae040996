package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects events delivered to its listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listener() *Listener {
	return NewListener(r.record)
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) names() []string {
	var names []string
	for _, ev := range r.snapshot() {
		names = append(names, ev.Name)
	}
	return names
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// cluster wires a coordinator to n participants over in-memory pipes.
type cluster struct {
	t      *testing.T
	ctx    context.Context
	coord  *Registry
	parts  []*Registry
	wg     sync.WaitGroup
	result chan error
}

func newCluster(t *testing.T, n int, opts ...Option) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	c := &cluster{
		t:      t,
		ctx:    ctx,
		coord:  NewCoordinator(opts...),
		result: make(chan error, 1),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i+1)
		up, down := fabric.NewPipe()
		c.coord.Attach(id, up)
		c.parts = append(c.parts, NewParticipant(down, append(opts, WithID(id))...))
	}

	t.Cleanup(func() {
		cancel()
		c.wg.Wait()
		c.coord.Close()
		for _, p := range c.parts {
			p.Close()
		}
	})
	return c
}

func (c *cluster) runCoordinator() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.result <- c.coord.Run(c.ctx)
	}()
}

func (c *cluster) runParticipant(i int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.parts[i].Run(c.ctx)
	}()
}

// start runs every process and waits for group readiness.
func (c *cluster) start() {
	c.runCoordinator()
	for i := range c.parts {
		c.runParticipant(i)
	}
	c.waitReady()
}

func (c *cluster) waitReady() {
	c.t.Helper()
	require.Eventually(c.t, c.coord.IsReady, waitFor, tick, "group never became ready")
}

func (c *cluster) waitInterest(participant, hub, event string, want int) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		return c.coord.Interest(participant, hub, event) == want
	}, waitFor, tick, "interest of %s in %s/%s never reached %d", participant, hub, event, want)
}

// rawPeer plays a participant by hand on the coordinator's channel.
type rawPeer struct {
	t  *testing.T
	ch fabric.Channel
}

func attachRaw(t *testing.T, coord *Registry, id string) *rawPeer {
	t.Helper()
	up, down := fabric.NewPipe()
	coord.Attach(id, up)
	t.Cleanup(func() { down.Close() })
	return &rawPeer{t: t, ch: down}
}

func (p *rawPeer) send(msg *wire.Message) {
	p.t.Helper()
	if msg.OriginTag == "" {
		msg.OriginTag = DefaultOriginTag
	}
	require.NoError(p.t, p.ch.Send(msg))
}

func (p *rawPeer) recv() *wire.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := p.ch.Recv(ctx)
	require.NoError(p.t, err)
	return msg
}

// handshake completes the readiness handshake for this peer.
func (p *rawPeer) handshake() {
	p.t.Helper()
	p.send(&wire.Message{Command: wire.CommandOnline})
	msg := p.recv()
	require.Equal(p.t, wire.CommandGroupReady, msg.Command)
	p.send(&wire.Message{Command: wire.CommandGroupReady})
}
