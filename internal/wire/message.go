package wire

import (
	"fmt"
	"slices"
)

// Command identifies what a Message asks the receiver to do.
type Command string

const (
	CommandEvent          Command = "EVENT"
	CommandSubscribe      Command = "SUBSCRIBE"
	CommandUnsubscribe    Command = "UNSUBSCRIBE"
	CommandUnsubscribeAll Command = "UNSUBSCRIBE_ALL"
	CommandCallbackResult Command = "CALLBACK_RESULT"
	CommandFunctionInvoke Command = "FUNCTION_INVOKE"
	CommandOnline         Command = "ONLINE"
	CommandGroupReady     Command = "GROUP_READY"
)

// Reserved reports whether c is one of the protocol commands. Every other
// non-empty command is a store operation name.
func (c Command) Reserved() bool {
	switch c {
	case CommandEvent, CommandSubscribe, CommandUnsubscribe, CommandUnsubscribeAll,
		CommandCallbackResult, CommandFunctionInvoke, CommandOnline, CommandGroupReady:
		return true
	}
	return false
}

// Control reports whether c belongs to the readiness handshake. Control
// commands bypass hub routing and the buffering gate.
func (c Command) Control() bool {
	return c == CommandOnline || c == CommandGroupReady
}

// StoreCall reports whether c names a store operation.
func (c Command) StoreCall() bool {
	return c != "" && !c.Reserved()
}

// FuncRef marks the argument at Index as a marshaled callable issued
// under Key by the sending process.
type FuncRef struct {
	Index int    `msgpack:"i" json:"index"`
	Key   uint64 `msgpack:"k" json:"key"`
}

// Message is the envelope exchanged between processes.
//
// Key is zero when the message carries no correlation key.
type Message struct {
	OriginTag string    `msgpack:"o" json:"origin_tag"`
	Hub       string    `msgpack:"h,omitempty" json:"hub,omitempty"`
	Command   Command   `msgpack:"c" json:"command"`
	Event     string    `msgpack:"e,omitempty" json:"event,omitempty"`
	Args      []any     `msgpack:"a,omitempty" json:"args,omitempty"`
	Key       uint64    `msgpack:"k,omitempty" json:"key,omitempty"`
	FuncRefs  []FuncRef `msgpack:"f,omitempty" json:"func_refs,omitempty"`
}

// Valid reports whether m belongs to the protocol instance identified by
// originTag and is routable. Control commands need no hub; everything else
// needs both a hub and a command.
func (m *Message) Valid(originTag string) bool {
	if m == nil || m.OriginTag != originTag || m.Command == "" {
		return false
	}
	if m.Command.Control() {
		return true
	}
	return m.Hub != ""
}

// Clone returns a copy of m whose Args and FuncRefs slices are not shared.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Args = slices.Clone(m.Args)
	clone.FuncRefs = slices.Clone(m.FuncRefs)
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf(
		"Message{Hub: %s, Command: %s, Event: %s, Args: %d, Key: %d, FuncRefs: %d}",
		m.Hub,
		m.Command,
		m.Event,
		len(m.Args),
		m.Key,
		len(m.FuncRefs),
	)
}
