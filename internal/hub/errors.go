package hub

import (
	"errors"
	"fmt"

	"github.com/fent/clusterhub/internal/wire"
)

// ErrorCode categorizes hub errors.
type ErrorCode string

const (
	// CodeChannelClosed indicates a message could not be sent because the
	// channel to the peer is closed.
	CodeChannelClosed ErrorCode = "CHANNEL_CLOSED"

	// CodeMalformedMessage indicates an inbound message without hub or
	// command, or with a foreign origin tag.
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	// CodeUnknownCommand indicates a command this role does not handle.
	CodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"

	// CodeUnresolvedCallback indicates a CALLBACK_RESULT for a key with no
	// pending callback.
	CodeUnresolvedCallback ErrorCode = "UNRESOLVED_CALLBACK"

	// CodeUnresolvedFunction indicates a FUNCTION_INVOKE for a dead key.
	CodeUnresolvedFunction ErrorCode = "UNRESOLVED_FUNCTION"

	// CodeStoreOperationMissing indicates a call to a store operation that
	// does not exist.
	CodeStoreOperationMissing ErrorCode = "STORE_OPERATION_MISSING"
)

var (
	// ErrNotCoordinator is returned by calls that need the authoritative
	// store when made on a participant.
	ErrNotCoordinator = errors.New("hub: only available on the coordinator")

	// ErrAlreadyRunning is returned by a second concurrent Registry.Run.
	ErrAlreadyRunning = errors.New("hub: registry already running")

	// ErrStopped is returned when work is submitted to a stopped registry.
	ErrStopped = errors.New("hub: registry stopped")

	// ErrNoStore is returned when a hub's store could not be opened.
	ErrNoStore = errors.New("hub: store unavailable")
)

// Error is a hub protocol error.
type Error struct {
	Code    ErrorCode
	Message string
	Hub     string
	Command wire.Command
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Hub != "" && e.Command != "":
		return fmt.Sprintf("%s: %s (hub=%s, command=%s)", e.Code, e.Message, e.Hub, e.Command)
	case e.Hub != "":
		return fmt.Sprintf("%s: %s (hub=%s)", e.Code, e.Message, e.Hub)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsChannelClosed reports whether err is a closed-channel error.
func IsChannelClosed(err error) bool {
	return hasCode(err, CodeChannelClosed)
}

// IsStoreOperationMissing reports whether err names a store operation
// that does not exist.
func IsStoreOperationMissing(err error) bool {
	return hasCode(err, CodeStoreOperationMissing)
}

func newOperationMissing(hub string, op wire.Command, cause error) *Error {
	return &Error{
		Code:    CodeStoreOperationMissing,
		Message: fmt.Sprintf("store has no operation %q", op),
		Hub:     hub,
		Command: op,
		Err:     cause,
	}
}
