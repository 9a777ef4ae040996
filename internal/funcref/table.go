package funcref

import (
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fent/clusterhub/internal/wire"
)

// DefaultMaxRetained bounds a Table when no explicit limit is given.
const DefaultMaxRetained = 100

// Func is the shape of every callable that crosses a process boundary.
// Stubs produced by Resolve are Funcs.
type Func func(args ...any)

// Table retains callables sent to other processes, keyed for later
// invocation. It is safe for concurrent use; callables run without the
// table's lock held.
type Table struct {
	mu      sync.Mutex // serialises key issue and evictions
	keys    Keys
	cache   *lru.Cache[uint64, Func]
	purging bool
	evicted uint64
}

// NewTable creates a table retaining at most max callables. A max of zero
// or less selects DefaultMaxRetained.
func NewTable(max int) *Table {
	if max <= 0 {
		max = DefaultMaxRetained
	}
	t := &Table{}
	cache, err := lru.NewWithEvict[uint64, Func](max, t.onEvict)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	t.cache = cache
	return t
}

// onEvict runs inside Add, SetMax or Reset, with t.mu held.
func (t *Table) onEvict(key uint64, _ Func) {
	if t.purging {
		return
	}
	t.evicted++
	slog.Debug("function reference evicted", "key", key)
}

// Add retains fn and returns its key.
func (t *Table) Add(fn Func) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.keys.Next(t.cache.Contains)
	t.cache.Add(key, fn)
	return key
}

// Extract replaces every callable in args with its key. It returns the
// cleaned arguments and one FuncRef per replaced position. args itself is
// not modified. When args holds no callables it is returned unchanged with
// nil refs.
func (t *Table) Extract(args []any) ([]any, []wire.FuncRef) {
	var (
		cleaned []any
		refs    []wire.FuncRef
	)
	for i, arg := range args {
		fn, ok := AsFunc(arg)
		if !ok {
			continue
		}
		if cleaned == nil {
			cleaned = slices.Clone(args)
		}
		key := t.Add(fn)
		cleaned[i] = key
		refs = append(refs, wire.FuncRef{Index: i, Key: key})
	}
	if cleaned == nil {
		return args, nil
	}
	return cleaned, refs
}

// Invoke runs the callable stored under key with args and marks it most
// recently used. It reports false, doing nothing, when key is unknown or
// was evicted.
func (t *Table) Invoke(key uint64, args []any) bool {
	fn, ok := t.cache.Get(key)
	if !ok {
		return false
	}
	fn(args...)
	return true
}

// Has reports whether key is live, without touching its recency.
func (t *Table) Has(key uint64) bool {
	return t.cache.Contains(key)
}

// Len returns the number of retained callables.
func (t *Table) Len() int {
	return t.cache.Len()
}

// Evicted returns how many callables were dropped by the bound.
func (t *Table) Evicted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicted
}

// SetMax changes the bound, evicting immediately if the table is over it.
func (t *Table) SetMax(max int) {
	if max <= 0 {
		max = DefaultMaxRetained
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Resize(max)
}

// Reset forgets every retained callable. Their keys become dead and are
// not counted as evicted.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purging = true
	t.cache.Purge()
	t.purging = false
}

// AsFunc reports whether v is a callable that can be marshaled, adapting
// it to Func.
func AsFunc(v any) (Func, bool) {
	switch fn := v.(type) {
	case Func:
		return fn, fn != nil
	case func(...any):
		return Func(fn), fn != nil
	case func(any):
		if fn == nil {
			return nil, false
		}
		return func(args ...any) {
			var first any
			if len(args) > 0 {
				first = args[0]
			}
			fn(first)
		}, true
	case func():
		if fn == nil {
			return nil, false
		}
		return func(...any) { fn() }, true
	}
	return nil, false
}

// Resolve splices a stub into msg.Args for every FuncRef on msg. Calling
// a stub hands its key and call arguments to send. References pointing
// outside Args are ignored.
func Resolve(msg *wire.Message, send func(key uint64, args []any)) {
	for _, ref := range msg.FuncRefs {
		if ref.Index < 0 || ref.Index >= len(msg.Args) {
			slog.Debug("function reference out of range", "index", ref.Index, "args", len(msg.Args))
			continue
		}
		key := ref.Key
		msg.Args[ref.Index] = Func(func(args ...any) {
			send(key, args)
		})
	}
}
