package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/funcref"
	"github.com/fent/clusterhub/internal/loop"
	"github.com/fent/clusterhub/internal/wire"
)

func (r *Registry) newMessage(hub string, cmd wire.Command, event string) *wire.Message {
	return &wire.Message{OriginTag: r.opts.originTag, Hub: hub, Command: cmd, Event: event}
}

// drop records a message that will not be processed.
func (r *Registry) drop(from string, reason *Error) {
	r.metrics.RecordMessageDropped(1)
	r.logger.Debug("message dropped",
		"peer", from,
		"code", reason.Code,
		"hub", reason.Hub,
		"command", reason.Command,
		"reason", reason.Message,
	)
}

// receive handles one inbound message on the loop goroutine. Handshake
// commands are handled at once; everything else passes the readiness gate.
func (r *Registry) receive(from string, msg *wire.Message) error {
	if !msg.Valid(r.opts.originTag) {
		r.drop(from, &Error{Code: CodeMalformedMessage, Message: "missing hub or command, or foreign origin tag"})
		return nil
	}

	switch msg.Command {
	case wire.CommandOnline:
		if r.role != RoleCoordinator {
			break
		}
		if !r.attached(from) {
			r.drop(from, &Error{Code: CodeUnknownCommand, Message: "handshake from a detached participant", Command: msg.Command})
			return nil
		}
		r.logger.Debug("participant online", "participant", from)
		r.sendGroupReady(r.tracker.MarkOnline(from))
		return nil

	case wire.CommandGroupReady:
		if r.role == RoleCoordinator {
			if r.tracker.MarkReady(from) {
				r.logger.Debug("participant completed readiness", "participant", from)
			}
			return r.takeDrainErr()
		}
		r.tracker.Start()
		err := r.takeDrainErr()
		r.sendUpstream(nil, r.newMessage("", wire.CommandGroupReady, ""))
		return err
	}

	if msg.Command.Control() {
		r.drop(from, &Error{Code: CodeUnknownCommand, Message: "handshake command not handled by this role", Command: msg.Command})
		return nil
	}

	h := r.Hub(msg.Hub)
	buffered, err := r.gate.Submit(func() error {
		return r.dispatch(from, h, msg)
	})
	if buffered {
		r.metrics.RecordMessageBuffered(1)
	}
	return err
}

func (r *Registry) dispatch(from string, h *Hub, msg *wire.Message) error {
	if h.isDestroyed() {
		h = r.Hub(msg.Hub)
	}
	if r.role == RoleCoordinator {
		return r.dispatchFromParticipant(from, h, msg)
	}
	return r.dispatchFromCoordinator(h, msg)
}

func (r *Registry) dispatchFromParticipant(from string, h *Hub, msg *wire.Message) error {
	switch msg.Command {
	case wire.CommandEvent:
		r.resolve(h, from, msg)
		r.fanout(h, msg.Event, msg.Args, from)
		h.emitLocal(Event{Hub: h.id, Name: msg.Event, Args: msg.Args, Remote: true})

	case wire.CommandSubscribe:
		r.changeInterest(from, h.id, msg.Event, 1)

	case wire.CommandUnsubscribe:
		r.changeInterest(from, h.id, msg.Event, -1)

	case wire.CommandUnsubscribeAll:
		r.clearInterest(from, h.id, msg.Event)

	case wire.CommandFunctionInvoke:
		r.invokeLocal(from, h, msg)

	case wire.CommandCallbackResult:
		r.drop(from, &Error{Code: CodeUnknownCommand, Message: "coordinator issues no store calls", Hub: h.id, Command: msg.Command})

	default:
		return r.storeCall(from, h, msg)
	}
	return nil
}

func (r *Registry) dispatchFromCoordinator(h *Hub, msg *wire.Message) error {
	switch msg.Command {
	case wire.CommandEvent:
		r.resolve(h, coordinatorID, msg)
		h.emitLocal(Event{Hub: h.id, Name: msg.Event, Args: msg.Args, Remote: true})

	case wire.CommandCallbackResult:
		cb, ok := h.takePending(msg.Key)
		if !ok {
			r.drop(coordinatorID, &Error{Code: CodeUnresolvedCallback, Message: fmt.Sprintf("no pending result for key %d", msg.Key), Hub: h.id, Command: msg.Command})
			return nil
		}
		var result any
		if len(msg.Args) > 0 {
			result = msg.Args[0]
		}
		cb(result)

	case wire.CommandFunctionInvoke:
		r.invokeLocal(coordinatorID, h, msg)

	default:
		r.drop(coordinatorID, &Error{Code: CodeUnknownCommand, Message: "not handled by participants", Hub: h.id, Command: msg.Command})
	}
	return nil
}

// storeCall runs a participant's store call and answers it when it
// carries a key. A missing operation is fatal.
func (r *Registry) storeCall(from string, h *Hub, msg *wire.Message) error {
	result, err := h.callStore(context.Background(), string(msg.Command), msg.Args)
	if err != nil {
		if IsStoreOperationMissing(err) {
			r.logger.Error("store operation missing", "hub", h.id, "op", msg.Command, "participant", from)
			return loop.Fatal(err)
		}
		r.logger.Warn("store call failed", "hub", h.id, "op", msg.Command, "participant", from, "error", err)
		result = nil
	}
	if msg.Key == 0 {
		return nil
	}

	reply := r.newMessage(h.id, wire.CommandCallbackResult, "")
	reply.Key = msg.Key
	reply.Args = []any{result}
	r.sendTo(from, h, reply)
	return nil
}

// resolve splices stubs for msg's function references. A stub sends
// FUNCTION_INVOKE back to the process the message came from.
func (r *Registry) resolve(h *Hub, from string, msg *wire.Message) {
	if len(msg.FuncRefs) == 0 {
		return
	}
	funcref.Resolve(msg, func(key uint64, args []any) {
		invoke := r.newMessage(h.id, wire.CommandFunctionInvoke, "")
		invoke.Key = key
		invoke.Args, invoke.FuncRefs = h.funcs.Extract(args)
		if r.role == RoleCoordinator {
			r.sendTo(from, h, invoke)
		} else {
			r.sendUpstream(h, invoke)
		}
	})
}

func (r *Registry) invokeLocal(from string, h *Hub, msg *wire.Message) {
	r.resolve(h, from, msg)
	if !h.funcs.Invoke(msg.Key, msg.Args) {
		r.drop(from, &Error{Code: CodeUnresolvedFunction, Message: fmt.Sprintf("no function for key %d", msg.Key), Hub: h.id, Command: msg.Command})
	}
}

// broadcast fans a locally emitted event out to interested participants.
// Before readiness the fan-out waits behind buffered inbound traffic, so
// it sees every subscription that arrived first.
func (r *Registry) broadcast(h *Hub, event string, args []any) {
	buffered, _ := r.gate.Submit(func() error {
		r.fanout(h, event, args, "")
		return nil
	})
	if buffered {
		r.metrics.RecordMessageBuffered(1)
	}
}

// fanout sends event to every participant except exclude whose interest
// in event is positive, in attach order.
func (r *Registry) fanout(h *Hub, event string, args []any, exclude string) {
	targets := r.interested(h.id, event, exclude)
	if len(targets) == 0 {
		return
	}

	msg := r.newMessage(h.id, wire.CommandEvent, event)
	msg.Args, msg.FuncRefs = h.funcs.Extract(args)
	for _, p := range targets {
		r.deliver(p.ch, h, msg, p.id)
	}
}

func (r *Registry) interested(hub, event, exclude string) []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*peer
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		p := r.peers[id]
		if p.interest[hub][event] > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) changeInterest(id, hub, event string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return
	}
	events := p.interest[hub]
	if events == nil {
		if delta <= 0 {
			return
		}
		events = make(map[string]int)
		p.interest[hub] = events
	}
	n := events[event] + delta
	if n <= 0 {
		delete(events, event)
		if len(events) == 0 {
			delete(p.interest, hub)
		}
		return
	}
	events[event] = n
}

// clearInterest forgets id's interest in event on hub, or in every event
// on hub when event is empty.
func (r *Registry) clearInterest(id, hub, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return
	}
	if event == "" {
		delete(p.interest, hub)
		return
	}
	if events := p.interest[hub]; events != nil {
		delete(events, event)
		if len(events) == 0 {
			delete(p.interest, hub)
		}
	}
}

func (r *Registry) sendGroupReady(ids []string) {
	for _, id := range ids {
		r.logger.Debug("sending group ready", "participant", id)
		r.sendTo(id, nil, r.newMessage("", wire.CommandGroupReady, ""))
	}
}

func (r *Registry) sendTo(id string, h *Hub, msg *wire.Message) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("send skipped: participant gone", "participant", id, "command", msg.Command)
		return false
	}
	return r.deliver(p.ch, h, msg, id)
}

func (r *Registry) sendUpstream(h *Hub, msg *wire.Message) bool {
	return r.deliver(r.upstream, h, msg, coordinatorID)
}

// deliver sends msg on ch and reports whether it went out. A failure is
// reported as an error event on h, or logged when the message belongs to
// no hub.
func (r *Registry) deliver(ch fabric.Channel, h *Hub, msg *wire.Message, to string) bool {
	err := ch.Send(msg)
	if err == nil {
		r.metrics.RecordMessageSent(1)
		return true
	}

	r.metrics.RecordSendFailure(1)
	if errors.Is(err, fabric.ErrChannelClosed) {
		err = &Error{
			Code:    CodeChannelClosed,
			Message: fmt.Sprintf("channel to %s is closed", to),
			Hub:     msg.Hub,
			Command: msg.Command,
			Err:     err,
		}
	} else {
		err = fmt.Errorf("send %s to %s: %w", msg.Command, to, err)
	}

	if h == nil {
		r.logger.Warn("send failed", "peer", to, "command", msg.Command, "error", err)
		return false
	}
	h.emitError(err)
	return false
}

func (r *Registry) attached(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// disconnect forgets a participant, or stops a participant that lost its
// coordinator.
func (r *Registry) disconnect(id string) error {
	if r.role == RoleParticipant {
		r.logger.Info("coordinator disconnected")
		r.loop.Stop()
		return nil
	}

	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.peers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.mu.Unlock()

	p.ch.Close()
	r.logger.Info("participant disconnected", "participant", id)

	r.sendGroupReady(r.tracker.Remove(id))
	return r.takeDrainErr()
}
