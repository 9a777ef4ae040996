package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/fent/clusterhub/internal/wire"
)

type pipe struct {
	once sync.Once
	done chan struct{}
	a, b *mailbox
}

func (p *pipe) close() {
	p.once.Do(func() {
		p.a.close(nil)
		p.b.close(nil)
		close(p.done)
	})
}

type pipeEnd struct {
	p   *pipe
	in  *mailbox
	out *mailbox
}

// NewPipe returns the two ends of an in-process channel. Messages are
// encoded and decoded with the wire codec on Send, so a message that could
// not cross a process boundary fails here too.
func NewPipe() (Channel, Channel) {
	p := &pipe{done: make(chan struct{}), a: newMailbox(), b: newMailbox()}
	return &pipeEnd{p: p, in: p.a, out: p.b}, &pipeEnd{p: p, in: p.b, out: p.a}
}

func (e *pipeEnd) Send(msg *wire.Message) error {
	select {
	case <-e.p.done:
		return ErrChannelClosed
	default:
	}

	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	copied, err := wire.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("fabric: pipe round trip: %w", err)
	}
	if !e.out.push(copied) {
		return ErrChannelClosed
	}
	return nil
}

func (e *pipeEnd) Recv(ctx context.Context) (*wire.Message, error) {
	return e.in.pop(ctx)
}

func (e *pipeEnd) Close() error {
	e.p.close()
	return nil
}

func (e *pipeEnd) Done() <-chan struct{} {
	return e.p.done
}
