package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/hub"
	"github.com/fent/clusterhub/internal/testutil"
)

const (
	// participantEntry is the memory-fabric entry participants run under.
	participantEntry = "harness-participant"

	// syncHub carries the barrier events that settle the group between
	// steps. It is left out of traces and store snapshots.
	syncHub   = "__harness"
	syncEvent = "barrier"

	// DefaultTimeout bounds startup and each step's settling.
	DefaultTimeout = 5 * time.Second
)

// Options tune a run.
type Options struct {
	// Timeout bounds startup and the settling after each step. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// Logger receives registry logs. Nil discards them.
	Logger *slog.Logger

	// RegistryOptions are applied to the coordinator and every participant.
	RegistryOptions []hub.Option
}

// process is one member of the group as the harness drives it.
type process struct {
	name string
	reg  *hub.Registry

	mu        sync.Mutex
	barrier   int64
	listeners map[string][]*hub.Listener // "hub\x00event" -> stack
}

func newProcess(name string, reg *hub.Registry) *process {
	return &process{name: name, reg: reg, listeners: make(map[string][]*hub.Listener)}
}

func (p *process) sawBarrier(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.barrier >= seq
}

// Harness drives one scenario run.
type Harness struct {
	scenario *Scenario
	opts     Options
	logger   *slog.Logger
	barriers testutil.Counter

	coord *process
	trace *Trace

	mu    sync.Mutex
	parts map[string]*process
	ready chan struct{}
}

// Run executes scenario with default options.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	return RunWithOptions(ctx, scenario, Options{})
}

// RunWithOptions executes scenario: it spawns the participants over an
// in-memory fabric, waits for group readiness, performs every step and
// evaluates the assertions before shutting the group down.
//
// The returned error covers failures to run at all. Failed assertions are
// reported in the Result.
func RunWithOptions(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	if err := scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Harness{
		scenario: scenario,
		opts:     opts,
		logger:   logger,
		trace:    newTrace(scenario.Name),
		parts:    make(map[string]*process),
		ready:    make(chan struct{}),
	}
	return h.run(ctx)
}

func (h *Harness) registryOptions(extra ...hub.Option) []hub.Option {
	out := []hub.Option{hub.WithLogger(h.logger)}
	out = append(out, h.opts.RegistryOptions...)
	return append(out, extra...)
}

func (h *Harness) run(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	coord := hub.NewCoordinator(h.registryOptions(hub.WithIDGenerator(testutil.NewSequenceGenerator("p")))...)
	h.coord = newProcess(Coordinator, coord)
	h.trace.addProcess(Coordinator)

	mem := fabric.NewMemory()
	mem.Register(participantEntry, h.participantMain)

	runErr := make(chan error, 1)
	stopped := make(chan struct{})
	defer func() {
		cancel()
		<-stopped
		mem.Wait()
		if err := coord.Close(); err != nil {
			h.logger.Warn("failed to close coordinator", "error", err)
		}
	}()

	for i := 0; i < h.scenario.Participants; i++ {
		child, err := coord.Spawn(ctx, mem, participantEntry, nil)
		if err != nil {
			close(stopped)
			return nil, fmt.Errorf("spawn participant: %w", err)
		}
		h.trace.addProcess(child.ID)
	}
	go func() {
		defer close(stopped)
		runErr <- coord.Run(ctx)
	}()

	if err := h.waitReady(ctx, runErr); err != nil {
		return nil, err
	}

	for i, step := range h.scenario.Steps {
		if err := h.perform(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		if err := h.settle(ctx, step, runErr); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	result := &Result{Pass: true, Trace: h.trace}
	store, err := h.snapshotStore(ctx)
	if err != nil {
		return nil, err
	}
	h.trace.Store = store
	h.evaluate(result)
	return result, nil
}

// participantMain is the body of every in-process participant.
func (h *Harness) participantMain(ctx context.Context, parent fabric.Channel, env []string) error {
	name := envValue(env, fabric.EnvParticipantID)
	reg := hub.NewParticipant(parent, h.registryOptions(hub.WithID(name))...)
	p := newProcess(name, reg)

	reg.Hub(syncHub).OnFunc(syncEvent, func(ev hub.Event) {
		seq, _ := ev.Arg(0).(int64)
		p.mu.Lock()
		if seq > p.barrier {
			p.barrier = seq
		}
		p.mu.Unlock()
	})

	h.mu.Lock()
	h.parts[name] = p
	h.mu.Unlock()

	defer reg.Close()
	return reg.Run(ctx)
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if len(env[i]) > len(prefix) && env[i][:len(prefix)] == prefix {
			return env[i][len(prefix):]
		}
	}
	return ""
}

func (h *Harness) process(name string) (*process, error) {
	if name == Coordinator {
		return h.coord, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parts[name]
	if !ok {
		return nil, fmt.Errorf("no process %q", name)
	}
	return p, nil
}

func (h *Harness) participants() []*process {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*process, 0, len(h.parts))
	for _, p := range h.parts {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *process) int { return compareNames(a.name, b.name) })
	return out
}

// waitReady blocks until the coordinator and every participant have
// observed group readiness.
func (h *Harness) waitReady(ctx context.Context, runErr <-chan error) error {
	return h.poll(ctx, runErr, "group readiness", func() bool {
		if !h.coord.reg.IsReady() {
			return false
		}
		parts := h.participants()
		if len(parts) != h.scenario.Participants {
			return false
		}
		for _, p := range parts {
			if !p.reg.IsReady() {
				return false
			}
		}
		return true
	})
}

// settle waits until everything step set in motion has been delivered.
//
// A participant's messages reach the coordinator in order, so the answer
// to a store call sent after the step means the coordinator has handled
// the step and fanned out what it caused. A barrier event emitted by the
// coordinator afterwards reaches each participant behind that fan-out.
func (h *Harness) settle(ctx context.Context, step Step, runErr <-chan error) error {
	if step.Process != Coordinator {
		p, err := h.process(step.Process)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		if err := p.reg.Hub(syncHub).Exec("dbsize", nil, func(any) { close(done) }); err != nil {
			return err
		}
		select {
		case <-done:
		case err := <-runErr:
			return fmt.Errorf("coordinator stopped: %w", err)
		case <-time.After(h.opts.Timeout):
			return fmt.Errorf("timed out waiting for %s to be answered", step.Process)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	seq := h.barriers.Next()
	h.coord.reg.Hub(syncHub).Emit(syncEvent, seq)
	return h.poll(ctx, runErr, fmt.Sprintf("barrier %d", seq), func() bool {
		for _, p := range h.participants() {
			if !p.sawBarrier(seq) {
				return false
			}
		}
		return true
	})
}

func (h *Harness) poll(ctx context.Context, runErr <-chan error, what string, cond func() bool) error {
	deadline := time.NewTimer(h.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for !cond() {
		select {
		case err := <-runErr:
			if err == nil {
				err = errors.New("returned without error")
			}
			return fmt.Errorf("coordinator stopped before %s: %w", what, err)
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// perform carries out one step on its process.
func (h *Harness) perform(step Step) error {
	p, err := h.process(step.Process)
	if err != nil {
		return err
	}
	hb := p.reg.Hub(h.scenario.hubFor(step.Hub))
	args := slices.Clone(step.Args)

	switch step.Action {
	case ActionOn:
		l := hub.NewListener(func(ev hub.Event) {
			h.trace.record(p.name, Delivery{Kind: KindEvent, Hub: ev.Hub, Event: ev.Name, Args: ev.Args, Remote: ev.Remote})
		})
		key := hb.ID() + "\x00" + step.Event
		p.mu.Lock()
		p.listeners[key] = append(p.listeners[key], l)
		p.mu.Unlock()
		hb.On(step.Event, l)

	case ActionOff:
		key := hb.ID() + "\x00" + step.Event
		p.mu.Lock()
		stack := p.listeners[key]
		var l *hub.Listener
		if n := len(stack); n > 0 {
			l = stack[n-1]
			p.listeners[key] = stack[:n-1]
		}
		p.mu.Unlock()
		if l == nil {
			l = hub.NewListener(func(hub.Event) {})
		}
		hb.Off(step.Event, l)

	case ActionEmit:
		hb.Emit(step.Event, args...)
	case ActionEmitRemote:
		hb.EmitRemote(step.Event, args...)
	case ActionEmitLocal:
		hb.EmitLocal(step.Event, args...)

	case ActionExec:
		return h.exec(p, hb, step.Op, args)

	case ActionReset:
		hb.Reset()
		p.mu.Lock()
		for key := range p.listeners {
			if len(key) > len(hb.ID()) && key[:len(hb.ID())+1] == hb.ID()+"\x00" {
				delete(p.listeners, key)
			}
		}
		p.mu.Unlock()

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// exec calls a store operation and records its result as a delivery of
// kind "result". On the coordinator the call completes before exec
// returns.
func (h *Harness) exec(p *process, hb *hub.Hub, op string, args []any) error {
	record := func(result any) {
		h.trace.record(p.name, Delivery{Kind: KindResult, Hub: hb.ID(), Event: op, Args: []any{result}})
	}
	if p.reg.Role() == hub.RoleParticipant {
		return hb.Exec(op, args, record)
	}

	done := make(chan struct{})
	if err := hb.Exec(op, args, func(result any) {
		record(result)
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(h.opts.Timeout):
		return fmt.Errorf("timed out waiting for coordinator %s", op)
	}
}

// snapshotStore reads every key of every hub store on the coordinator.
func (h *Harness) snapshotStore(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	for _, id := range h.coord.reg.Hubs() {
		if id == syncHub {
			continue
		}
		hb := h.coord.reg.Hub(id)
		keys, err := hb.ExecSync(ctx, "keys", "*")
		if err != nil {
			return nil, fmt.Errorf("snapshot hub %s: %w", id, err)
		}
		names, _ := keys.([]any)
		if len(names) == 0 {
			continue
		}
		values := make(map[string]any, len(names))
		for _, name := range names {
			k, _ := name.(string)
			v, err := hb.ExecSync(ctx, "get", k)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s/%s: %w", id, k, err)
			}
			values[k] = v
		}
		out[id] = values
	}
	return out, nil
}
