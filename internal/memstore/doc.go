// Package memstore holds the in-memory conversation cache backends.
//
// Two variants implement Backend:
//
//   - LocalStore keeps records in a process-local map. Each record carries its
//     own lock; Get and Set refresh LastAccessed from the injected clock, and
//     Prune removes records idle longer than a threshold.
//   - RedisStore keeps JSON-encoded records in Redis under "<prefix>:<id>".
//     The key TTL is refreshed on Set only, so conversations that are only
//     read age out. Prune and ListInactive are no-ops.
//
// Both variants return ErrNotFound for absent ids and propagate transport
// errors. A record that cannot be decoded yields ErrCorruptedRecord.
package memstore
