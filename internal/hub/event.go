package hub

import "github.com/fent/clusterhub/internal/funcref"

// Event is what a listener receives.
type Event struct {
	Hub  string
	Name string
	Args []any
	// Remote is true when the event arrived from another process.
	Remote bool
}

// Arg returns the i-th argument, or nil when out of range.
func (e Event) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// Func returns the i-th argument as a callable.
func (e Event) Func(i int) (funcref.Func, bool) {
	return funcref.AsFunc(e.Arg(i))
}

// Listener is a registered event handler. Listeners are compared by
// pointer: registering the same *Listener twice adds it twice, and Off
// removes one registration.
type Listener struct {
	fn func(Event)

	// wrapped is the listener passed to Many or Once when this listener is
	// the counting wrapper around it.
	wrapped *Listener
}

// NewListener wraps fn so it can be registered and later removed.
func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// matches reports whether removing target should remove l. A Many/Once
// wrapper matches both itself and the listener it wraps.
func (l *Listener) matches(target *Listener) bool {
	return l == target || (l.wrapped != nil && l.wrapped == target)
}
