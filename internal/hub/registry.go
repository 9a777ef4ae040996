package hub

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/funcref"
	"github.com/fent/clusterhub/internal/loop"
	"github.com/fent/clusterhub/internal/readiness"
	"github.com/fent/clusterhub/internal/store"
	"github.com/fent/clusterhub/internal/wire"
)

const (
	// DefaultOriginTag marks messages of this protocol on a shared channel.
	DefaultOriginTag = "clusterhub"

	// DefaultHubID names the hub returned by Registry.Default.
	DefaultHubID = "default"

	// coordinatorID names the upstream peer in a participant's logs.
	coordinatorID = "coordinator"
)

// Role is the part a process plays in the group.
type Role int

const (
	RoleCoordinator Role = iota + 1
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleParticipant:
		return "participant"
	default:
		return "unknown"
	}
}

type options struct {
	originTag   string
	maxRetained int
	storeDSN    string
	logger      *slog.Logger
	ids         IDGenerator
	id          string
}

// Option configures a Registry.
type Option func(*options)

// WithOriginTag sets the tag stamped on, and required of, every message.
func WithOriginTag(tag string) Option {
	return func(o *options) { o.originTag = tag }
}

// WithMaxRetainedFunctions bounds each hub's table of callables sent to
// other processes.
func WithMaxRetainedFunctions(n int) Option {
	return func(o *options) { o.maxRetained = n }
}

// WithStoreDSN sets the SQLite DSN hub stores open on the coordinator.
func WithStoreDSN(dsn string) Option {
	return func(o *options) { o.storeDSN = dsn }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDGenerator sets how spawned participants are named.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithID names this process in logs. Participants default to the id their
// fabric assigned.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// peer is the coordinator's record of one participant.
type peer struct {
	id string
	ch fabric.Channel
	// interest[hub][event] counts the participant's listeners.
	interest map[string]map[string]int
}

// Registry owns every hub of one process and its connections to the rest
// of the group. Create one per process with NewCoordinator or
// NewParticipant, then call Run.
type Registry struct {
	role    Role
	opts    options
	logger  *slog.Logger
	loop    *loop.Loop
	gate    *readiness.Gate
	tracker *readiness.Tracker
	metrics *Metrics

	upstream fabric.Channel // participant only

	mu         sync.Mutex
	hubs       map[string]*Hub
	peers      map[string]*peer
	order      []string
	ready      bool
	readyQueue []readyCallback
	drainErr   error
	runCtx     context.Context

	running atomic.Bool
	wg      sync.WaitGroup
}

type readyCallback struct {
	hub *Hub
	cb  func()
}

// NewCoordinator creates the registry of the coordinator process.
func NewCoordinator(opts ...Option) *Registry {
	return newRegistry(RoleCoordinator, nil, opts)
}

// NewParticipant creates the registry of a participant process connected
// to the coordinator through upstream.
func NewParticipant(upstream fabric.Channel, opts ...Option) *Registry {
	return newRegistry(RoleParticipant, upstream, opts)
}

func newRegistry(role Role, upstream fabric.Channel, opts []Option) *Registry {
	o := options{
		originTag:   DefaultOriginTag,
		maxRetained: funcref.DefaultMaxRetained,
		storeDSN:    store.MemoryDSN,
		ids:         UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" && role == RoleParticipant {
		o.id = fabric.ParticipantID()
	}
	if o.id == "" {
		o.id = role.String()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("role", role.String(), "process", o.id)

	r := &Registry{
		role:     role,
		opts:     o,
		logger:   logger,
		loop:     loop.New(logger),
		gate:     readiness.NewGate(),
		tracker:  readiness.NewTracker(),
		metrics:  NewMetrics(),
		upstream: upstream,
		hubs:     make(map[string]*Hub),
		peers:    make(map[string]*peer),
	}
	// Registered first so hubs are ready before user group callbacks run.
	r.tracker.OnGroupReady(r.groupReady)
	return r
}

// Role returns the role of this process.
func (r *Registry) Role() Role {
	return r.role
}

// ID returns the name of this process.
func (r *Registry) ID() string {
	return r.opts.id
}

// Hub returns the hub named id, creating it on first use. The empty id
// names the default hub.
func (r *Registry) Hub(id string) *Hub {
	if id == "" {
		id = DefaultHubID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[id]; ok {
		return h
	}
	h := newHub(r, id)
	if r.role == RoleCoordinator {
		// A failed open is retried by the next store call.
		if _, err := h.openStore(); err != nil {
			r.logger.Error("failed to open hub store", "hub", id, "error", err)
		}
	}
	r.hubs[id] = h
	r.logger.Debug("hub created", "hub", id)
	return h
}

// Default returns the hub named DefaultHubID.
func (r *Registry) Default() *Hub {
	return r.Hub(DefaultHubID)
}

// Hubs returns the ids of the live hubs, sorted.
func (r *Registry) Hubs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.hubs))
	for id := range r.hubs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) removeHub(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hubs[h.id] == h {
		delete(r.hubs, h.id)
	}
	r.readyQueue = slices.DeleteFunc(r.readyQueue, func(rc readyCallback) bool { return rc.hub == h })
}

// IsReady reports whether this process has observed group readiness.
func (r *Registry) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// OnGroupReady runs cb when the group becomes ready, after every hub's
// Ready callbacks. If the group is already ready cb runs immediately.
func (r *Registry) OnGroupReady(cb func()) {
	r.tracker.OnGroupReady(cb)
}

func (r *Registry) whenReady(h *Hub, cb func()) {
	r.mu.Lock()
	if !r.ready {
		r.readyQueue = append(r.readyQueue, readyCallback{hub: h, cb: cb})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.loop.Defer(cb) {
		r.logger.Debug("ready callback dropped: registry stopped", "hub", h.id)
	}
}

// groupReady drains buffered inbound traffic, marks every hub ready and
// flushes the queued Ready callbacks in registration order.
func (r *Registry) groupReady() {
	if err := r.gate.Open(); err != nil {
		if loop.IsFatal(err) {
			r.mu.Lock()
			r.drainErr = err
			r.mu.Unlock()
		} else {
			r.logger.Warn("buffered message failed", "error", err)
		}
	}

	r.mu.Lock()
	r.ready = true
	queue := r.readyQueue
	r.readyQueue = nil
	r.mu.Unlock()

	r.logger.Info("group ready", "participants", r.tracker.Count(readiness.StateReady))
	for _, rc := range queue {
		if !rc.hub.isDestroyed() {
			rc.cb()
		}
	}
}

func (r *Registry) takeDrainErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.drainErr
	r.drainErr = nil
	return err
}

// Attach connects a participant reachable over ch under id. Fabrics call
// it through Spawn; tests may call it directly with one end of a pipe.
func (r *Registry) Attach(id string, ch fabric.Channel) {
	p := &peer{id: id, ch: ch, interest: make(map[string]map[string]int)}

	r.mu.Lock()
	if _, exists := r.peers[id]; exists {
		r.mu.Unlock()
		r.logger.Warn("participant already attached", "participant", id)
		return
	}
	r.peers[id] = p
	r.order = append(r.order, id)
	ctx := r.runCtx
	r.mu.Unlock()

	r.tracker.Add(id)
	r.logger.Debug("participant attached", "participant", id)

	if ctx != nil {
		r.startReceiver(ctx, id, ch)
	}
}

// Spawn starts a participant through f and attaches it. The participant
// is detached when it exits.
func (r *Registry) Spawn(ctx context.Context, f fabric.Fabric, entry string, env []string) (*fabric.Child, error) {
	id := r.opts.ids.Generate()
	child, err := f.Spawn(ctx, id, entry, env)
	if err != nil {
		return nil, err
	}
	r.Attach(id, child.Channel)
	child.OnExit(func(error) {
		r.loop.Enqueue(func() error { return r.disconnect(id) })
	})
	return child, nil
}

// Participants returns the handshake state of every attached participant.
func (r *Registry) Participants() []readiness.Member {
	return r.tracker.Members()
}

// Interest returns how many listeners participant has for event on hub,
// as counted by the coordinator.
func (r *Registry) Interest(participant, hub, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[participant]
	if !ok {
		return 0
	}
	return p.interest[hub][event]
}

// Run processes inbound traffic until ctx is done, Stop is called, a
// participant loses its coordinator, or a fatal error occurs.
//
// The coordinator starts the readiness handshake; with no participants it
// is ready at once. A participant announces itself with ONLINE.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()

	r.mu.Lock()
	r.runCtx = ctx
	peers := make([]*peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.peers[id])
	}
	r.mu.Unlock()

	r.logger.Info("registry starting", "participants", len(peers))

	switch r.role {
	case RoleCoordinator:
		for _, p := range peers {
			r.startReceiver(ctx, p.id, p.ch)
		}
		r.sendGroupReady(r.tracker.Start())
		if err := r.takeDrainErr(); err != nil {
			r.loop.Abandon()
			return err
		}
	case RoleParticipant:
		r.startReceiver(ctx, coordinatorID, r.upstream)
		r.sendUpstream(nil, r.newMessage("", wire.CommandOnline, ""))
	}

	err := r.loop.Run(ctx)
	r.logger.Info("registry stopped", "error", err)
	return err
}

// Stop ends Run after the work already queued.
func (r *Registry) Stop() {
	r.loop.Stop()
}

// Close closes every channel and hub store. Call it after Run returns.
func (r *Registry) Close() error {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.ch.Close()
	}
	if r.upstream != nil {
		r.upstream.Close()
	}
	for _, h := range hubs {
		if err := h.closeStore(); err != nil {
			return err
		}
	}
	return nil
}

// Metrics returns a snapshot of message counters and group state.
func (r *Registry) Metrics() MetricsSnapshot {
	snap := r.metrics.Snapshot()
	snap.ParticipantsOnline = r.tracker.Count(readiness.StateOnline)
	snap.ParticipantsReady = r.tracker.Count(readiness.StateReady)

	r.mu.Lock()
	snap.Hubs = len(r.hubs)
	for _, h := range r.hubs {
		snap.FunctionsRetained += h.funcs.Len()
	}
	r.mu.Unlock()
	return snap
}

// startReceiver feeds messages from ch into the loop until ch ends.
func (r *Registry) startReceiver(ctx context.Context, from string, ch fabric.Channel) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			msg, err := ch.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Debug("channel ended", "peer", from, "error", err)
					r.loop.Enqueue(func() error { return r.disconnect(from) })
				}
				return
			}
			r.metrics.RecordMessageRecv(1)
			r.loop.Enqueue(func() error { return r.receive(from, msg) })
		}
	}()
}
