package fabric

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fent/clusterhub/internal/wire"
)

func streamPair() (*StreamChannel, *StreamChannel) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	left := NewStreamChannel(r1, w2, w2, r1)
	right := NewStreamChannel(r2, w1, w1, r2)
	return left, right
}

func TestStreamChannel_RoundTrip(t *testing.T) {
	left, right := streamPair()
	defer left.Close()
	defer right.Close()

	go func() {
		left.Send(testMessage("one", "a"))
		left.Send(testMessage("two", 2))
	}()

	msg, err := recvTimeout(t, right)
	require.NoError(t, err)
	assert.Equal(t, "one", msg.Event)
	assert.Equal(t, []any{"a"}, msg.Args)

	msg, err = recvTimeout(t, right)
	require.NoError(t, err)
	assert.Equal(t, "two", msg.Event)
	assert.Equal(t, int64(2), msg.Args[0])
}

func TestStreamChannel_PeerCloseEndsRecv(t *testing.T) {
	left, right := streamPair()
	defer right.Close()

	require.NoError(t, left.Close())

	_, err := recvTimeout(t, right)
	assert.ErrorIs(t, err, io.EOF)
	<-right.Done()
	assert.ErrorIs(t, right.Send(testMessage("x")), ErrChannelClosed)
}

func TestStreamChannel_StrayFrameIsSkipped(t *testing.T) {
	r, w := io.Pipe()
	ch := NewStreamChannel(r, io.Discard, r)
	defer ch.Close()

	stray, err := msgpack.Marshal("hello from an unrelated sender")
	require.NoError(t, err)

	go func() {
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(stray)))
		w.Write(header)
		w.Write(stray)
		w.Write([]byte{0, 0, 0, 0})
		wire.NewEncoder(w).Encode(testMessage("after", "ok"))
	}()

	msg, err := recvTimeout(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Event)
	assert.Equal(t, []any{"ok"}, msg.Args)

	select {
	case <-ch.Done():
		t.Fatal("a stray frame closed the channel")
	default:
	}
}
