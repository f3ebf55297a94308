package sync

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
)

// Result summarizes one sync pass over a queue.
type Result struct {
	// Processed holds the mutations the remote accepted, in submission order.
	// They have been removed from the queue.
	Processed []*schema.Mutation

	// Conflicts holds the mutations the remote rejected. They remain in the
	// queue in conflict status awaiting resolution.
	Conflicts []*schema.Mutation

	// Held holds pending mutations that were skipped without a syncer call
	// because an earlier mutation for the same item is unresolved-conflicted.
	// Their base version is known stale; submitting them would only produce
	// another conflict for the same divergence.
	Held []*schema.Mutation

	// Errored counts mutations that hit a transient failure and were
	// returned to pending for a later pass.
	Errored int
}

// Processor drains (board, view) queues against an injected Syncer.
//
// A pass is strictly sequential: mutations are submitted one at a time in
// enqueue order, and the syncer call is awaited to completion or failure
// before the next mutation is touched. There is no mid-flight cancellation
// of an individual submission; callers wanting that build it into the
// Syncer itself.
//
// The processor does not guard against overlapping passes on the same
// queue. Use a Registry for that.
type Processor struct {
	store  *db.Store
	logger *log.Logger
}

// NewProcessor creates a Processor over the given store.
// If logger is nil, a default logger writing to stderr is used.
func NewProcessor(store *db.Store, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Processor{
		store:  store,
		logger: logger,
	}
}

// Process runs one sync pass over the (boardID, view) queue.
//
// Every pending mutation is submitted through the syncer in FIFO order.
// Success removes the mutation; a conflict flags it and continues with the
// next mutation; a transient error returns it to pending and continues.
// The pass itself only fails on storage errors, which are not recoverable
// locally.
//
// Re-running Process on the same queue state is safe: conflicted mutations
// are excluded, and a mutation is only ever in flight once per pass.
func (p *Processor) Process(ctx context.Context, boardID, view string, syncer Syncer) (*Result, error) {
	pending, err := p.store.ListPending(ctx, boardID, view)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mutations: %w", err)
	}

	// Items with an unresolved conflict hold their later mutations back.
	held, err := p.store.ConflictedItems(ctx, boardID, view)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicted items: %w", err)
	}

	result := &Result{}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if held[m.ItemID] {
			result.Held = append(result.Held, m)
			continue
		}

		if err := p.store.MarkSyncing(ctx, m.ID); err != nil {
			return result, fmt.Errorf("failed to mark mutation %s syncing: %w", m.ID, err)
		}

		outcome, syncErr := syncer.Sync(ctx, m)
		if syncErr != nil {
			// Transient by definition: back to pending for a later pass.
			if err := p.store.ReturnPending(ctx, m.ID); err != nil {
				return result, fmt.Errorf("failed to return mutation %s to pending: %w", m.ID, err)
			}
			result.Errored++
			p.logger.Printf("Sync of mutation %s failed (attempt %d): %v", m.ID, m.Attempts+1, syncErr)
			continue
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			if err := p.store.Remove(ctx, m.ID); err != nil {
				return result, fmt.Errorf("failed to remove synced mutation %s: %w", m.ID, err)
			}
			result.Processed = append(result.Processed, m)
			p.logger.Printf("Synced mutation %s (item %s)", m.ID, m.ItemID)

		case OutcomeConflict:
			if err := p.store.SetConflict(ctx, m.ID, outcome.Remote, outcome.Reason); err != nil {
				return result, fmt.Errorf("failed to record conflict on mutation %s: %w", m.ID, err)
			}
			conflicted := *m
			conflicted.Status = schema.StatusConflict
			conflicted.Conflict = &schema.Conflict{Remote: outcome.Remote, Reason: outcome.Reason}
			result.Conflicts = append(result.Conflicts, &conflicted)
			held[m.ItemID] = true
			p.logger.Printf("Conflict on mutation %s (item %s): %s", m.ID, m.ItemID, outcome.Reason)

		default:
			return result, fmt.Errorf("syncer returned unknown outcome kind %d for mutation %s", outcome.Kind, m.ID)
		}
	}

	if len(result.Held) > 0 {
		p.logger.Printf("Held %d mutation(s) behind unresolved conflicts in %s/%s", len(result.Held), boardID, view)
	}

	return result, nil
}
