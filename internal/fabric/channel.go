package fabric

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fent/clusterhub/internal/wire"
)

// EnvParticipantID carries the participant id into a spawned process.
const EnvParticipantID = "CLUSTERHUB_PARTICIPANT_ID"

// ErrChannelClosed is returned by Send on a closed channel.
var ErrChannelClosed = errors.New("fabric: channel closed")

// Channel is one end of a FIFO message channel between two processes.
type Channel interface {
	// Send queues msg for the peer. It never blocks on the peer.
	Send(msg *wire.Message) error
	// Recv returns the next message from the peer. It returns io.EOF once
	// the channel is closed and every message sent before the close has
	// been received.
	Recv(ctx context.Context) (*wire.Message, error)
	Close() error
	// Done is closed when either end closes the channel.
	Done() <-chan struct{}
}

// mailbox is an unbounded FIFO of inbound messages.
type mailbox struct {
	mu     sync.Mutex
	queue  []*wire.Message
	closed bool
	err    error
	signal chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg *wire.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.queue = append(m.queue, msg)
	m.notifyLocked()
	return true
}

// close stops the mailbox accepting messages. err is reported by pop once
// the queue is drained; nil means io.EOF.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.err = err
	m.notifyLocked()
}

func (m *mailbox) notifyLocked() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(ctx context.Context) (*wire.Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			if len(m.queue) > 0 || m.closed {
				m.notifyLocked()
			}
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			err := m.err
			m.notifyLocked()
			m.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.signal:
		}
	}
}
