package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAsync(t *testing.T, l *Loop, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := New(nil)
	var got []int
	for i := 1; i <= 5; i++ {
		i := i
		require.True(t, l.Enqueue(func() error {
			got = append(got, i)
			return nil
		}))
	}
	l.Stop()

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestLoop_DeferRunsAfterQueuedTasks(t *testing.T) {
	l := New(nil)
	var got []string

	l.Enqueue(func() error {
		l.Defer(func() { got = append(got, "deferred") })
		got = append(got, "first")
		return nil
	})
	l.Enqueue(func() error {
		got = append(got, "second")
		l.Stop()
		return nil
	})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"first", "second", "deferred"}, got)
}

func TestLoop_EnqueueAfterStop(t *testing.T) {
	l := New(nil)
	l.Stop()
	l.Stop()

	assert.False(t, l.Enqueue(func() error { return nil }))
	assert.False(t, l.Defer(func() {}))
}

func TestLoop_ErrorsDoNotStopProcessing(t *testing.T) {
	l := New(nil)
	ran := 0
	l.Enqueue(func() error { ran++; return errors.New("boom") })
	l.Enqueue(func() error { ran++; return nil })
	l.Stop()

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 2, ran)
}

func TestLoop_FatalStopsRun(t *testing.T) {
	l := New(nil)
	cause := errors.New("operation missing")
	ranAfter := false

	l.Enqueue(func() error { return Fatal(cause) })
	l.Enqueue(func() error { ranAfter = true; return nil })

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsFatal(err), "Run returns the unwrapped cause")
	assert.False(t, ranAfter)
	assert.False(t, l.Enqueue(func() error { return nil }))
}

func TestFatal_Nil(t *testing.T) {
	assert.NoError(t, Fatal(nil))
	assert.True(t, IsFatal(Fatal(errors.New("x"))))
	assert.False(t, IsFatal(errors.New("x")))
}

func TestLoop_ContextCancel(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, l, ctx)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestLoop_ConcurrentEnqueue(t *testing.T) {
	l := New(nil)
	done := runAsync(t, l, context.Background())

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Enqueue(func() error {
					mu.Lock()
					count++
					mu.Unlock()
					return nil
				})
			}
		}()
	}
	wg.Wait()
	l.Stop()

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, 800, count)
	assert.Equal(t, 0, l.Len())
}

func TestLoop_DoneClosesWhenRunReturns(t *testing.T) {
	l := New(nil)
	done := runAsync(t, l, context.Background())

	select {
	case <-l.Done():
		t.Fatal("Done closed while running")
	default:
	}

	l.Stop()
	require.NoError(t, waitErr(t, done))
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
}

func TestLoop_AbandonDropsQueuedTasks(t *testing.T) {
	l := New(nil)
	ran := false
	require.True(t, l.Enqueue(func() error {
		ran = true
		return nil
	}))

	l.Abandon()
	<-l.Done()
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Enqueue(func() error { return nil }))
	assert.False(t, ran)
}
