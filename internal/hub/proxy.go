package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/fent/clusterhub/internal/store"
	"github.com/fent/clusterhub/internal/wire"
)

// ResultFunc receives the result of a store call.
type ResultFunc func(result any)

// Exec calls the store operation op with args.
//
// On a participant the call is forwarded to the coordinator and Exec
// returns at once; cb, if not nil, receives the coordinator's result when
// it arrives. On the coordinator the operation runs on the registry loop
// and cb receives the result there. Either way cb never runs before Exec
// returns.
//
// Exec fails immediately, sending nothing, when op is not a store
// operation. Failures of the operation itself reach cb as a nil result.
func (h *Hub) Exec(op string, args []any, cb ResultFunc) error {
	cmd := wire.Command(op)
	if _, ok := store.Lookup(op); !ok || !cmd.StoreCall() {
		return newOperationMissing(h.id, cmd, store.ErrOperationMissing)
	}

	if h.reg.role == RoleParticipant {
		msg := h.reg.newMessage(h.id, cmd, "")
		msg.Args = args
		if cb != nil {
			msg.Key = h.addPending(cb)
		}
		if !h.reg.sendUpstream(h, msg) && msg.Key != 0 {
			// No result will come for a call that never left.
			h.takePending(msg.Key)
		}
		return nil
	}

	ok := h.reg.loop.Enqueue(func() error {
		result, err := h.callStore(context.Background(), op, args)
		if err != nil {
			h.reg.logger.Warn("store call failed", "hub", h.id, "op", op, "error", err)
		}
		if cb != nil {
			cb(result)
		}
		return nil
	})
	if !ok {
		return ErrStopped
	}
	return nil
}

// ExecSync runs op against the coordinator's store and returns its result.
// It is only available on the coordinator.
//
// While the registry is running, mutating operations are handed to the
// registry loop and ExecSync waits for them, so the store and its change
// events stay on the loop. Read-only operations run on the caller's
// goroutine. A mutating ExecSync must therefore not be called from a
// listener or Ready callback of a running registry; use Exec there.
func (h *Hub) ExecSync(ctx context.Context, op string, args ...any) (any, error) {
	if h.reg.role != RoleCoordinator {
		return nil, ErrNotCoordinator
	}
	if o, ok := store.Lookup(op); ok && o.Mutates && h.reg.running.Load() {
		return h.execOnLoop(ctx, op, args)
	}
	return h.callStore(ctx, op, args)
}

type storeResult struct {
	value any
	err   error
}

func (h *Hub) execOnLoop(ctx context.Context, op string, args []any) (any, error) {
	done := make(chan storeResult, 1)
	ok := h.reg.loop.Enqueue(func() error {
		v, err := h.callStore(ctx, op, args)
		done <- storeResult{v, err}
		return nil
	})
	if !ok {
		return nil, ErrStopped
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.reg.loop.Done():
		select {
		case res := <-done:
			return res.value, res.err
		default:
			return nil, ErrStopped
		}
	}
}

func (h *Hub) callStore(ctx context.Context, op string, args []any) (any, error) {
	s, err := h.openStore()
	if err != nil {
		return nil, fmt.Errorf("%w: hub %q: %w", ErrNoStore, h.id, err)
	}
	result, err := s.Call(ctx, op, args...)
	if err != nil {
		if errors.Is(err, store.ErrOperationMissing) {
			return nil, newOperationMissing(h.id, wire.Command(op), err)
		}
		return nil, err
	}
	return result, nil
}

// openStore returns the hub's store, opening it if an earlier attempt
// failed. A destroyed hub keeps its closed store.
func (h *Hub) openStore() (*store.Store, error) {
	h.storeMu.Lock()
	defer h.storeMu.Unlock()

	if h.store != nil {
		return h.store, nil
	}
	if h.reg.role != RoleCoordinator || h.isDestroyed() {
		return nil, errors.New("no store on this hub")
	}
	s, err := store.Open(h.reg.opts.storeDSN, h.id)
	if err != nil {
		return nil, err
	}
	s.OnChange(h.onStoreChange)
	h.store = s
	return s, nil
}

func (h *Hub) closeStore() error {
	h.storeMu.Lock()
	s := h.store
	h.storeMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Get reads key.
func (h *Hub) Get(key string, cb ResultFunc) error {
	return h.Exec("get", []any{key}, cb)
}

// Set writes value under key.
func (h *Hub) Set(key string, value any, cb ResultFunc) error {
	return h.Exec("set", []any{key, value}, cb)
}

// Del removes keys; the result is the number removed.
func (h *Hub) Del(cb ResultFunc, keys ...string) error {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return h.Exec("del", args, cb)
}

// Incr increments the integer at key; the result is the new value.
func (h *Hub) Incr(key string, cb ResultFunc) error {
	return h.Exec("incr", []any{key}, cb)
}

// Exists reports through cb whether key is set.
func (h *Hub) Exists(key string, cb ResultFunc) error {
	return h.Exec("exists", []any{key}, cb)
}

// Keys lists keys matching a glob pattern.
func (h *Hub) Keys(pattern string, cb ResultFunc) error {
	return h.Exec("keys", []any{pattern}, cb)
}
