package fabric

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fent/clusterhub/internal/wire"
)

func testMessage(event string, args ...any) *wire.Message {
	return &wire.Message{OriginTag: "t", Hub: "h", Command: wire.CommandEvent, Event: event, Args: args}
}

func recvTimeout(t *testing.T, ch Channel) (*wire.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ch.Recv(ctx)
}

func TestPipe_FIFO(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	for _, ev := range []string{"A", "B", "C"} {
		require.NoError(t, a.Send(testMessage(ev)))
	}
	for _, want := range []string{"A", "B", "C"} {
		msg, err := recvTimeout(t, b)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Event)
	}
}

func TestPipe_Bidirectional(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	require.NoError(t, b.Send(testMessage("up")))
	msg, err := recvTimeout(t, a)
	require.NoError(t, err)
	assert.Equal(t, "up", msg.Event)
}

func TestPipe_ValuesCrossTheCodec(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	sent := testMessage("x", 42, "s")
	require.NoError(t, a.Send(sent))
	sent.Args[1] = "mutated"

	msg, err := recvTimeout(t, b)
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.Args[0])
	assert.Equal(t, "s", msg.Args[1])
}

func TestPipe_RejectsFunctions(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()

	err := a.Send(testMessage("x", func() {}))
	assert.Error(t, err)
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Send(testMessage("last")))
	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed on peer")
	}

	msg, err := recvTimeout(t, b)
	require.NoError(t, err)
	assert.Equal(t, "last", msg.Event)

	_, err = recvTimeout(t, b)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(testMessage("x")), ErrChannelClosed)
	assert.ErrorIs(t, b.Send(testMessage("x")), ErrChannelClosed)
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
