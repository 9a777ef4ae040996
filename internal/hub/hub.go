package hub

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fent/clusterhub/internal/funcref"
	"github.com/fent/clusterhub/internal/store"
	"github.com/fent/clusterhub/internal/wire"
)

// ErrorEvent is the event name send failures are reported under.
const ErrorEvent = "error"

// Hub is one process's projection of a named hub.
//
// All methods are safe for concurrent use. Listeners run on the goroutine
// that emitted locally, or on the registry's loop for remote events, and
// never with a hub lock held.
type Hub struct {
	id    string
	reg   *Registry
	funcs *funcref.Table

	storeMu sync.Mutex
	store   *store.Store // coordinator only; opened on first use

	mu        sync.Mutex
	listeners map[string][]*Listener
	pending   map[uint64]ResultFunc // participant only
	keys      funcref.Keys
	destroyed bool
}

func newHub(r *Registry, id string) *Hub {
	return &Hub{
		id:        id,
		reg:       r,
		funcs:     funcref.NewTable(r.opts.maxRetained),
		listeners: make(map[string][]*Listener),
		pending:   make(map[uint64]ResultFunc),
	}
}

// ID returns the hub id.
func (h *Hub) ID() string {
	return h.id
}

// IsReady reports whether the hub has observed group readiness.
func (h *Hub) IsReady() bool {
	return h.reg.IsReady()
}

// On registers l for event. On a participant the coordinator's interest
// count for event goes up by one.
func (h *Hub) On(event string, l *Listener) {
	h.add(event, l, false)
}

// OnFunc registers fn for event and returns its listener for later Off.
func (h *Hub) OnFunc(event string, fn func(Event)) *Listener {
	l := NewListener(fn)
	h.On(event, l)
	return l
}

// PrependListener registers l ahead of every listener already registered
// for event.
func (h *Hub) PrependListener(event string, l *Listener) {
	h.add(event, l, true)
}

// Once registers l to fire on the next occurrence of event only. It
// returns the registered wrapper.
func (h *Hub) Once(event string, l *Listener) *Listener {
	return h.Many(1, event, l)
}

// Many registers l to fire on the next n occurrences of event, after which
// it is removed. It returns the registered wrapper; Off accepts either the
// wrapper or l. n < 1 registers nothing and returns nil.
func (h *Hub) Many(n int, event string, l *Listener) *Listener {
	w := h.counting(n, event, l)
	if w != nil {
		h.add(event, w, false)
	}
	return w
}

// PrependMany is Many with the wrapper registered first in line.
func (h *Hub) PrependMany(n int, event string, l *Listener) *Listener {
	w := h.counting(n, event, l)
	if w != nil {
		h.add(event, w, true)
	}
	return w
}

func (h *Hub) counting(n int, event string, l *Listener) *Listener {
	if n < 1 || l == nil {
		return nil
	}
	var remaining atomic.Int64
	remaining.Store(int64(n))

	w := &Listener{wrapped: l}
	w.fn = func(ev Event) {
		left := remaining.Add(-1)
		if left < 0 {
			return
		}
		if left == 0 {
			h.Off(event, w)
		}
		l.fn(ev)
	}
	return w
}

func (h *Hub) add(event string, l *Listener, prepend bool) {
	if l == nil || l.fn == nil {
		return
	}
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	if prepend {
		h.listeners[event] = slices.Insert(h.listeners[event], 0, l)
	} else {
		h.listeners[event] = append(h.listeners[event], l)
	}
	h.mu.Unlock()

	if h.reg.role == RoleParticipant {
		h.reg.sendUpstream(h, h.reg.newMessage(h.id, wire.CommandSubscribe, event))
	}
}

// Off removes one registration of l for event: the first listener, in
// call order, that is l or a Many/Once wrapper around l. It reports
// whether anything was removed; only then does a participant send
// UNSUBSCRIBE.
func (h *Hub) Off(event string, l *Listener) bool {
	if l == nil {
		return false
	}
	h.mu.Lock()
	list := h.listeners[event]
	i := slices.IndexFunc(list, func(item *Listener) bool { return item.matches(l) })
	if i < 0 {
		h.mu.Unlock()
		return false
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(h.listeners, event)
	} else {
		h.listeners[event] = list
	}
	h.mu.Unlock()

	if h.reg.role == RoleParticipant {
		h.reg.sendUpstream(h, h.reg.newMessage(h.id, wire.CommandUnsubscribe, event))
	}
	return true
}

// RemoveAllListeners removes every listener for the named events, or for
// all events when none are named.
func (h *Hub) RemoveAllListeners(events ...string) {
	h.mu.Lock()
	var removed []string
	if len(events) == 0 {
		if len(h.listeners) > 0 {
			removed = []string{""}
		}
		h.listeners = make(map[string][]*Listener)
	} else {
		for _, ev := range events {
			if len(h.listeners[ev]) > 0 {
				removed = append(removed, ev)
			}
			delete(h.listeners, ev)
		}
	}
	h.mu.Unlock()

	if h.reg.role != RoleParticipant {
		return
	}
	for _, ev := range removed {
		h.reg.sendUpstream(h, h.reg.newMessage(h.id, wire.CommandUnsubscribeAll, ev))
	}
}

// Listeners returns the listeners registered for event, in call order.
func (h *Hub) Listeners(event string) []*Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.listeners[event])
}

// ListenerCount returns how many listeners are registered for event.
func (h *Hub) ListenerCount(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[event])
}

// EmitLocal runs every local listener for event, in registration order,
// before returning.
func (h *Hub) EmitLocal(event string, args ...any) {
	h.emitLocal(Event{Hub: h.id, Name: event, Args: args})
}

func (h *Hub) emitLocal(ev Event) {
	h.mu.Lock()
	list := slices.Clone(h.listeners[ev.Name])
	h.mu.Unlock()

	for _, l := range list {
		l.fn(ev)
	}
}

// EmitRemote sends event to the other processes. On a participant it goes
// to the coordinator. On the coordinator it goes to every participant
// interested in event, and then to the coordinator's own listeners.
func (h *Hub) EmitRemote(event string, args ...any) {
	if h.reg.role == RoleParticipant {
		msg := h.reg.newMessage(h.id, wire.CommandEvent, event)
		msg.Args, msg.FuncRefs = h.funcs.Extract(args)
		h.reg.sendUpstream(h, msg)
		return
	}

	h.reg.broadcast(h, event, args)
	h.emitLocal(Event{Hub: h.id, Name: event, Args: args})
}

// Emit is EmitRemote followed by EmitLocal.
//
// On the coordinator EmitRemote already includes the local listeners, so
// they run once.
func (h *Hub) Emit(event string, args ...any) {
	if h.reg.role == RoleCoordinator {
		h.EmitRemote(event, args...)
		return
	}
	h.EmitRemote(event, args...)
	h.EmitLocal(event, args...)
}

// Publish is an alias for Emit.
func (h *Hub) Publish(event string, args ...any) { h.Emit(event, args...) }

// Broadcast is an alias for EmitRemote.
func (h *Hub) Broadcast(event string, args ...any) { h.EmitRemote(event, args...) }

// Subscribe is an alias for On.
func (h *Hub) Subscribe(event string, l *Listener) { h.On(event, l) }

// AddListener is an alias for On.
func (h *Hub) AddListener(event string, l *Listener) { h.On(event, l) }

// Unsubscribe is an alias for Off.
func (h *Hub) Unsubscribe(event string, l *Listener) bool { return h.Off(event, l) }

// RemoveListener is an alias for Off.
func (h *Hub) RemoveListener(event string, l *Listener) bool { return h.Off(event, l) }

// emitError reports err as an ErrorEvent. Without error listeners it is
// logged instead.
func (h *Hub) emitError(err error) {
	if h.ListenerCount(ErrorEvent) == 0 {
		h.reg.logger.Warn("unhandled hub error", "hub", h.id, "error", err)
		return
	}
	h.emitLocal(Event{Hub: h.id, Name: ErrorEvent, Args: []any{err}})
}

// Ready runs cb once the group is ready. If it already is, cb runs on a
// later turn of the registry loop, never synchronously.
func (h *Hub) Ready(cb func()) {
	if cb == nil {
		return
	}
	h.reg.whenReady(h, cb)
}

// Reset clears listeners, retained callables and pending store results.
// Results arriving later for cleared callbacks are dropped. A participant
// also clears its interest on the coordinator.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.listeners = make(map[string][]*Listener)
	h.pending = make(map[uint64]ResultFunc)
	h.mu.Unlock()
	h.funcs.Reset()

	if h.reg.role == RoleParticipant {
		h.reg.sendUpstream(h, h.reg.newMessage(h.id, wire.CommandUnsubscribeAll, ""))
	}
}

// Destroy resets the hub and removes it from the registry. On the
// coordinator the hub's store is closed. A later Registry.Hub call with
// the same id creates a fresh hub.
func (h *Hub) Destroy() {
	h.Reset()

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.mu.Unlock()

	h.reg.removeHub(h)
	if err := h.closeStore(); err != nil {
		h.reg.logger.Warn("failed to close hub store", "hub", h.id, "error", err)
	}
}

func (h *Hub) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Hub) addPending(cb ResultFunc) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.keys.Next(func(k uint64) bool {
		_, live := h.pending[k]
		return live
	})
	h.pending[key] = cb
	return key
}

func (h *Hub) takePending(key uint64) (ResultFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
	}
	return cb, ok
}

// PendingResults returns how many store calls await a result.
func (h *Hub) PendingResults() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// onStoreChange republishes a store mutation as two events: one named
// after the operation with all its arguments, and one named "op key" with
// the arguments after the key.
func (h *Hub) onStoreChange(c store.Change) {
	h.Emit(c.Op, c.Args...)
	if len(c.Args) == 0 {
		return
	}
	if key, ok := c.Args[0].(string); ok {
		h.Emit(c.Op+" "+key, c.Args[1:]...)
	}
}
