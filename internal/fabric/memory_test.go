package fabric

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo replies to every message with the same event and exits on "quit".
func echo(ctx context.Context, parent Channel, env []string) error {
	for {
		msg, err := parent.Recv(ctx)
		if err != nil {
			return nil
		}
		if msg.Event == "quit" {
			return errors.New("asked to quit")
		}
		msg.Args = append(msg.Args, strings.Join(env, ","))
		if err := parent.Send(msg); err != nil {
			return err
		}
	}
}

func TestMemory_SpawnAndEcho(t *testing.T) {
	f := NewMemory()
	f.Register("echo", echo)

	child, err := f.Spawn(context.Background(), "p1", "echo", []string{"A=1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", child.ID)

	require.NoError(t, child.Channel.Send(testMessage("hi")))
	msg, err := recvTimeout(t, child.Channel)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Event)
	assert.Equal(t, []any{"A=1," + EnvParticipantID + "=p1"}, msg.Args)

	exited := make(chan error, 1)
	child.OnExit(func(err error) { exited <- err })
	require.NoError(t, child.Channel.Send(testMessage("quit")))

	select {
	case err := <-exited:
		assert.EqualError(t, err, "asked to quit")
	case <-time.After(2 * time.Second):
		t.Fatal("participant did not exit")
	}

	// Late registration still observes the exit.
	var late error
	child.OnExit(func(err error) { late = err })
	assert.EqualError(t, late, "asked to quit")
	f.Wait()
}

func TestMemory_UnknownEntry(t *testing.T) {
	_, err := NewMemory().Spawn(context.Background(), "p", "missing", nil)
	assert.Error(t, err)
}

func TestMemory_CoordinatorCloseEndsParticipant(t *testing.T) {
	f := NewMemory()
	f.Register("echo", echo)
	child, err := f.Spawn(context.Background(), "p1", "echo", nil)
	require.NoError(t, err)

	child.Channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, child.Wait(ctx))
}
