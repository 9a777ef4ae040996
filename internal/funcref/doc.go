// Package funcref marshals callables across the process boundary.
//
// Callables cannot be serialized. Before a message is sent, Extract
// replaces every callable argument with a key and keeps the callable in a
// bounded table. The receiver splices a stub back in at the same position
// (Resolve); calling the stub sends FUNCTION_INVOKE with the key back to
// the issuing process, which runs the original through Invoke.
//
// The table keeps at most MaxRetained callables in recency order. Invoking
// a callable refreshes it; adding past the bound evicts the least recently
// used one, after which its key is dead and late invocations are dropped.
package funcref
