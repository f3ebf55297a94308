package sync

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/offboardhq/offboard/internal/schema"
)

// OutcomeKind classifies the result of submitting one mutation.
type OutcomeKind int

const (
	// OutcomeSuccess means the remote authority accepted the mutation.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeConflict means the remote record diverged from the mutation's
	// base version and the mutation was rejected.
	OutcomeConflict
)

// Outcome is the syncer's verdict on a single mutation.
//
// Remote and Reason are only meaningful for OutcomeConflict. Transport and
// backend failures are not outcomes; the syncer returns those as errors and
// the processor treats them as transient.
type Outcome struct {
	Kind   OutcomeKind
	Remote json.RawMessage
	Reason string
}

// Success returns the outcome for an accepted mutation.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// ConflictOutcome returns the outcome for a rejected mutation, carrying the
// authoritative remote snapshot and the server's reason.
func ConflictOutcome(remote json.RawMessage, reason string) Outcome {
	return Outcome{Kind: OutcomeConflict, Remote: remote, Reason: reason}
}

// Syncer submits one mutation to the remote authority.
//
// This is the sole point of contact with the backend; transport details
// (HTTP, RPC, retry framing, timeouts, cancellation) live behind it.
// Implementations must be safe to call repeatedly with the same mutation:
// a pass may be re-run after a transient failure.
type Syncer interface {
	// Sync submits the mutation and reports the authority's verdict.
	// A returned error means the submission itself failed (network or
	// backend hiccup) and the mutation should be retried later.
	Sync(ctx context.Context, m *schema.Mutation) (Outcome, error)
}

// SyncerFunc adapts a function to the Syncer interface, which keeps test
// doubles to a one-liner.
type SyncerFunc func(ctx context.Context, m *schema.Mutation) (Outcome, error)

// Sync implements Syncer.
func (f SyncerFunc) Sync(ctx context.Context, m *schema.Mutation) (Outcome, error) {
	return f(ctx, m)
}

// AcceptAll returns a development syncer that acknowledges every mutation.
//
// It stands in for a real transport in `obd sync --accept-all`, the bench
// command, and local experimentation. It never conflicts and never fails.
func AcceptAll(logger *log.Logger) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return SyncerFunc(func(ctx context.Context, m *schema.Mutation) (Outcome, error) {
		logger.Printf("Accepted mutation %s (item %s, base %d)", m.ID, m.ItemID, m.BaseVersion)
		return Success(), nil
	})
}
