// Package sync drains the offline mutation queue against the remote authority.
//
// # Overview
//
// The sync package implements the mutation coordination core. Edits made
// while offline (or while the backend is busy) sit in the durable queue;
// a sync pass submits them one at a time through an injected Syncer and
// applies the outcome.
//
// Architecture
//
//	UI / spool / dashboard edits
//	     └── db.Store (one FIFO queue per board+view)
//	              ↓
//	          Processor ── Syncer ──→ remote authority
//	              ↓
//	   success: removed   conflict: flagged, kept   error: retried later
//
// # Outcomes
//
// For every pending mutation the Syncer returns exactly one of:
//
//   - success: the remote accepted the mutation; it leaves the queue.
//   - conflict: the remote record diverged from the mutation's base
//     version; the mutation is flagged with the remote snapshot and held
//     until a resolution action is taken. One conflict never blocks
//     unrelated mutations in the same pass.
//   - an error: treated as transient; the mutation returns to pending
//     with its attempt counter bumped and is retried on a later pass.
//
// Passes are idempotent and safe to re-run on the same queue state.
// Within a queue, mutations are submitted strictly sequentially in
// enqueue order so the remote never sees out-of-order versions for an
// item. Distinct (board, view) queues are independent and may be
// processed concurrently.
//
// # Single flight
//
// Overlapping passes over the same queue would double-submit mutations.
// The Registry is the composition root's guard: it tracks in-flight
// passes per (board, view) and rejects overlap with ErrSyncInFlight.
//
// # Conflict resolution
//
// Conflicts are never resolved automatically. The Resolver applies an
// explicit user or policy decision:
//
//	resolver.Resolve(ctx, id, sync.ActionRetry)        // re-queue as-is
//	resolver.Resolve(ctx, id, sync.ActionDiscard)      // drop local edit
//	resolver.Resolve(ctx, id, sync.ActionAcceptRemote) // drop, remote wins
//
// Usage
//
//	store, err := db.Open(".offboard/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	registry := sync.NewRegistry(sync.NewProcessor(store, nil))
//	result, err := registry.Process(ctx, "board-1", "kanban", syncer)
package sync
