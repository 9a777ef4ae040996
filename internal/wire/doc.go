// Package wire defines the envelope shared by every clusterhub process.
//
// A Message names its target hub, a command and, depending on the command,
// an event name, positional arguments, a correlation key and function
// references. The reserved commands are:
//
//	EVENT            remote emission of an event
//	SUBSCRIBE        one more local listener for an event (interest +1)
//	UNSUBSCRIBE      one less local listener for an event (interest -1)
//	UNSUBSCRIBE_ALL  drop interest for one event, or for all events
//	CALLBACK_RESULT  result of a store call, correlated by Key
//	FUNCTION_INVOKE  invoke a previously marshaled callable by Key
//	ONLINE           participant liveness signal
//	GROUP_READY      group-ready signal (coordinator) and its acknowledgement
//
// Any other non-empty command is the name of a store operation.
//
// Messages travel over an ordered channel per process pair. The stream
// encoding is a 4-byte big-endian length prefix followed by a msgpack
// document (see Encoder and Decoder).
package wire
