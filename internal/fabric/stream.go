package fabric

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fent/clusterhub/internal/wire"
)

// StreamChannel speaks length-prefixed msgpack frames over a byte stream
// pair. A background goroutine decodes inbound frames into a mailbox.
// Frames that do not hold an envelope are skipped; only IO and framing
// errors end the channel.
type StreamChannel struct {
	enc     *wire.Encoder
	inbox   *mailbox
	closers []io.Closer

	once sync.Once
	done chan struct{}
}

// NewStreamChannel reads frames from r and writes frames to w. closers are
// closed, in order, when the channel closes.
func NewStreamChannel(r io.Reader, w io.Writer, closers ...io.Closer) *StreamChannel {
	c := &StreamChannel{
		enc:     wire.NewEncoder(w),
		inbox:   newMailbox(),
		closers: closers,
		done:    make(chan struct{}),
	}
	go c.readLoop(wire.NewDecoder(r))
	return c
}

func (c *StreamChannel) readLoop(dec *wire.Decoder) {
	for {
		msg, err := dec.Decode()
		if errors.Is(err, wire.ErrMalformedPayload) || errors.Is(err, wire.ErrEmptyFrame) {
			slog.Debug("stream channel skipped frame", "error", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				err = nil
			} else {
				slog.Debug("stream channel read failed", "error", err)
			}
			c.inbox.close(err)
			c.markDone()
			return
		}
		if !c.inbox.push(msg) {
			return
		}
	}
}

func (c *StreamChannel) markDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *StreamChannel) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if err := c.enc.Encode(msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}
	return nil
}

func (c *StreamChannel) Recv(ctx context.Context) (*wire.Message, error) {
	return c.inbox.pop(ctx)
}

// Close closes the underlying streams. Messages already decoded stay
// available to Recv.
func (c *StreamChannel) Close() error {
	c.markDone()
	c.inbox.close(nil)

	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// ParentChannel returns the channel to the coordinator from inside a
// process started by the Exec fabric.
func ParentChannel() *StreamChannel {
	return NewStreamChannel(os.Stdin, os.Stdout, os.Stdin, os.Stdout)
}

// ParticipantID returns the id assigned by the spawning fabric, or "" when
// the process was not spawned by one.
func ParticipantID() string {
	return os.Getenv(EnvParticipantID)
}
