// Package hub implements named pub/sub hubs shared by a coordinator
// process and its participants.
//
// Every process owns a Registry holding its local projection of each hub.
// Hubs are created lazily, the first time a local call or an inbound
// message names them, and Registry.Hub returns the same *Hub for the same
// id for the registry's lifetime.
//
// # Roles
//
// The coordinator owns every hub's authoritative store and routes events:
// an event emitted remotely is forwarded only to participants that have at
// least one listener for it (their interest count is positive), never back
// to the participant it came from. Participants forward emits, listener
// bookkeeping and store calls to the coordinator.
//
// # Readiness
//
// Inbound traffic other than the ONLINE/GROUP_READY handshake is buffered
// until the whole group is ready and then replayed in arrival order.
// Hub.Ready callbacks registered before readiness fire, in registration
// order, once it is reached.
//
// # Callables
//
// Any argument that is a funcref.Func, func(...any), func(any) or func()
// is replaced by a key before it leaves the process. The receiving side
// sees a funcref.Func stub; calling it runs the original in the process
// that sent it.
//
// # Errors
//
// Send failures are reported as an "error" event on the hub whose
// operation failed. Malformed messages, unknown commands and stale keys
// are dropped. An inbound call to a store operation that does not exist
// stops the coordinator: Registry.Run returns the error.
package hub
