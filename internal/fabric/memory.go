package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// EntryFunc is the body of an in-process participant. parent is its
// channel to the coordinator. The participant exits when EntryFunc
// returns.
type EntryFunc func(ctx context.Context, parent Channel, env []string) error

// Memory runs participants as goroutines.
type Memory struct {
	mu      sync.Mutex
	entries map[string]EntryFunc
	wg      sync.WaitGroup
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]EntryFunc)}
}

// Register makes fn spawnable under entry.
func (m *Memory) Register(entry string, fn EntryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry] = fn
}

func (m *Memory) Spawn(ctx context.Context, id, entry string, env []string) (*Child, error) {
	m.mu.Lock()
	fn, ok := m.entries[entry]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fabric: unknown entry %q", entry)
	}

	parentEnd, childEnd := NewPipe()
	child := newChild(id, parentEnd)
	childEnv := append(slices.Clone(env), EnvParticipantID+"="+id)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := fn(ctx, childEnd, childEnv)
		if err != nil {
			slog.Debug("participant exited with error", "participant", id, "error", err)
		}
		childEnd.Close()
		child.exit(err)
	}()

	return child, nil
}

// Wait blocks until every spawned participant has returned.
func (m *Memory) Wait() {
	m.wg.Wait()
}
