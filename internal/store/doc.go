// Package store is the authoritative key/value store owned by the
// coordinator process. Each hub has its own Store.
//
// The operation set is enumerated (see Ops): callers name an operation and
// pass positional arguments, and the store either returns a value or
// fails. Operations that mutate state notify change listeners after they
// succeed, which is how hub listeners learn about writes.
//
// # Database Configuration
//
//   - SQLite through database/sql, ":memory:" by default
//   - one open connection, so every call is serialized
//   - values are msgpack documents; numbers read back as int64, uint64 or
//     float64
//   - one namespace per hub inside the entries table
package store
