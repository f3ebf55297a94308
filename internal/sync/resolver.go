package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
)

// Action is an explicit decision applied to a conflicted mutation.
type Action string

const (
	// ActionRetry clears the conflict and re-queues the mutation unchanged.
	// The next pass re-attempts with the original base version; the syncer
	// re-validates against current remote state and may conflict again.
	ActionRetry Action = "retry"

	// ActionDiscard removes the mutation. The local edit is abandoned and
	// remote state is authoritative going forward.
	ActionDiscard Action = "discard"

	// ActionAcceptRemote removes the mutation without ever re-submitting the
	// local change. Operationally identical to ActionDiscard, but logged
	// distinctly so audit trails can tell an abandoned edit from an
	// explicit acceptance of the remote record.
	ActionAcceptRemote Action = "accept-remote"
)

// ErrMutationNotFound is returned when resolving an id that is not queued.
var ErrMutationNotFound = errors.New("mutation not found")

// ErrNotConflicted is returned when resolving a mutation that is not in
// conflict status.
var ErrNotConflicted = errors.New("mutation is not in conflict")

// ParseAction converts a user-supplied string into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionRetry, ActionDiscard, ActionAcceptRemote:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown resolution action %q (want retry, discard, or accept-remote)", s)
	}
}

// Resolver applies resolution decisions to conflicted mutations.
//
// Resolution is always explicit: nothing in this package resolves a
// conflict without being asked. Resolving an unknown or non-conflicted
// mutation reports an error and changes nothing; it never corrupts other
// queue entries.
type Resolver struct {
	store  *db.Store
	logger *log.Logger
}

// NewResolver creates a Resolver over the given store.
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(store *db.Store, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve applies action to the conflicted mutation with the given id.
//
// Returns ErrMutationNotFound if the id is not queued, ErrNotConflicted if
// the mutation exists but is not in conflict status.
func (r *Resolver) Resolve(ctx context.Context, mutationID string, action Action) error {
	m, err := r.store.Get(ctx, mutationID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrMutationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load mutation %s: %w", mutationID, err)
	}
	if m.Status != schema.StatusConflict {
		return fmt.Errorf("%w: mutation %s has status %q", ErrNotConflicted, mutationID, m.Status)
	}

	switch action {
	case ActionRetry:
		if err := r.store.ResolveRetry(ctx, mutationID); err != nil {
			if errors.Is(err, db.ErrInvalidState) {
				// Raced with another resolution; the conflict is already gone.
				return ErrNotConflicted
			}
			return fmt.Errorf("failed to re-queue mutation %s: %w", mutationID, err)
		}
		r.logger.Printf("Conflict on mutation %s re-queued for retry (item %s)", mutationID, m.ItemID)
		return nil

	case ActionDiscard:
		if err := r.store.Remove(ctx, mutationID); err != nil {
			return fmt.Errorf("failed to discard mutation %s: %w", mutationID, err)
		}
		r.logger.Printf("Discarded conflicted mutation %s (item %s)", mutationID, m.ItemID)
		return nil

	case ActionAcceptRemote:
		if err := r.store.Remove(ctx, mutationID); err != nil {
			return fmt.Errorf("failed to remove mutation %s: %w", mutationID, err)
		}
		r.logger.Printf("Accepted remote state for item %s, dropped local mutation %s: %s",
			m.ItemID, mutationID, m.Conflict.Reason)
		return nil

	default:
		return fmt.Errorf("unknown resolution action %q", action)
	}
}
