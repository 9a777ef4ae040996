package readiness

import (
	"slices"
	"sync"
)

// State is a participant's position in the handshake.
type State int

const (
	StateSpawned State = iota
	StateOnline
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateOnline:
		return "online"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type member struct {
	state     State
	signalled bool // GROUP_READY sent
}

// Member is a snapshot of one participant record.
type Member struct {
	ID    string
	State State
}

// Tracker holds the participant records of a process group.
//
// Group states are only evaluated after Start. A started tracker with no
// members is vacuously online and ready.
//
// Callbacks registered with OnGroupReady are never called with the
// tracker's lock held.
type Tracker struct {
	mu        sync.Mutex
	members   map[string]*member
	order     []string
	started   bool
	fired     bool
	callbacks []func()
}

func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]*member)}
}

// Add registers a spawned participant. Adding a known id is a no-op.
func (t *Tracker) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.members[id]; ok {
		return
	}
	t.members[id] = &member{}
	t.order = append(t.order, id)
}

// Start enables group evaluation. It returns the participants that must be
// sent GROUP_READY now, and fires the group-ready callbacks if the group is
// already complete.
func (t *Tracker) Start() []string {
	t.mu.Lock()
	t.started = true
	signal := t.collectSignalsLocked()
	fire := t.takeCallbacksLocked()
	t.mu.Unlock()

	runAll(fire)
	return signal
}

// MarkOnline records the first liveness signal of id. The result lists
// participants that must be sent GROUP_READY now. Ids that were never
// added, or were already removed, are ignored: a participant that exits
// right after ONLINE must not come back as a member that never answers.
func (t *Tracker) MarkOnline(id string) []string {
	t.mu.Lock()
	m, ok := t.members[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if m.state == StateSpawned {
		m.state = StateOnline
	}
	signal := t.collectSignalsLocked()
	t.mu.Unlock()

	return signal
}

// MarkReady records the GROUP_READY acknowledgement of id. It reports
// whether this call completed group readiness. Acknowledgements from
// participants that were never signalled are ignored.
func (t *Tracker) MarkReady(id string) bool {
	t.mu.Lock()
	m, ok := t.members[id]
	if !ok || !m.signalled || m.state == StateReady {
		t.mu.Unlock()
		return false
	}
	m.state = StateReady
	fire := t.takeCallbacksLocked()
	completed := fire != nil
	t.mu.Unlock()

	runAll(fire)
	return completed
}

// Remove drops id from the group and recomputes group state. Like
// MarkOnline it returns participants that must now be sent GROUP_READY;
// it also fires the group-ready callbacks if the removal completed the
// group.
func (t *Tracker) Remove(id string) []string {
	t.mu.Lock()
	if _, ok := t.members[id]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.members, id)
	t.order = slices.DeleteFunc(t.order, func(s string) bool { return s == id })

	signal := t.collectSignalsLocked()
	fire := t.takeCallbacksLocked()
	t.mu.Unlock()

	runAll(fire)
	return signal
}

// IsGroupOnline reports whether every member is at least Online.
func (t *Tracker) IsGroupOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allAtLeastLocked(StateOnline)
}

// IsGroupReady reports whether group readiness has been reached. Once
// reached it stays reached, even if participants join later.
func (t *Tracker) IsGroupReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// OnGroupReady runs cb immediately if the group is ready, otherwise queues
// it to run when readiness is reached.
func (t *Tracker) OnGroupReady(cb func()) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// State returns the handshake state of id.
func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return 0, false
	}
	return m.state, true
}

// Members returns the participant records in insertion order.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, Member{ID: id, State: t.members[id].state})
	}
	return out
}

// Count returns how many members are at least in state s.
func (t *Tracker) Count(s State) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.members {
		if m.state >= s {
			n++
		}
	}
	return n
}

func (t *Tracker) allAtLeastLocked(s State) bool {
	for _, m := range t.members {
		if m.state < s {
			return false
		}
	}
	return true
}

func (t *Tracker) collectSignalsLocked() []string {
	if !t.started || !t.allAtLeastLocked(StateOnline) {
		return nil
	}
	var signal []string
	for _, id := range t.order {
		m := t.members[id]
		if !m.signalled {
			m.signalled = true
			signal = append(signal, id)
		}
	}
	return signal
}

// takeCallbacksLocked marks the group ready and hands back the queued
// callbacks when readiness was just reached. It returns nil otherwise.
func (t *Tracker) takeCallbacksLocked() []func() {
	if !t.started || t.fired || !t.allAtLeastLocked(StateReady) {
		return nil
	}
	t.fired = true
	fire := t.callbacks
	t.callbacks = nil
	if fire == nil {
		fire = []func(){}
	}
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
