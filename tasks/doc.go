// Package tasks holds the queued-work data model and the store that the
// engine claims work from.
//
// A task is inserted by a producer with status pending and is mutated only
// by the engine afterwards:
//
//	pending → running → completed
//	             ↓
//	           failed   (handler failure, unknown workflow, or stale reclaim)
//
// cancelled is set by producers and never touched by the engine. Rows are
// never deleted by the engine; they are the audit record.
//
// # Claiming
//
// Store.Claim atomically moves the oldest pending row to running and returns
// it. Under Postgres this is a single UPDATE over a FOR UPDATE SKIP LOCKED
// subselect, so N concurrent claimers against one pending row yield exactly
// one winner and N-1 empty results without any lock manager:
//
//	task, err := store.Claim(ctx, []string{"agent"})
//	if err != nil { ... }     // store unreachable; retry next tick
//	if task == nil { ... }    // queue empty
//
// # Liveness
//
// While running, the engine calls Heartbeat on a fixed interval. A separate
// sweeper calls ReclaimStale, which fails every running row whose
// heartbeat_at is older than the timeout. Complete and Fail only apply to
// running rows, so a worker that outlives its reclaim gets ErrNotRunning
// instead of overwriting the failure.
//
// # Backends
//
// PostgresStore is the production backend. MemoryStore implements the same
// semantics under a single mutex for tests and single-process runs.
package tasks
