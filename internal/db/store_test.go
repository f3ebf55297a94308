package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/offboardhq/offboard/internal/schema"
)

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return store
}

// newMutation builds an unqueued mutation for tests.
func newMutation(boardID, view, itemID string, baseVersion int64) *schema.Mutation {
	return &schema.Mutation{
		BoardID:     boardID,
		View:        view,
		ItemID:      itemID,
		Payload:     json.RawMessage(`{"type":"update","field":"status","changes":{"status":"in_progress"}}`),
		BaseVersion: baseVersion,
	}
}

func TestEnqueue_AssignsIDAndPending(t *testing.T) {
	store := setupTestStore(t)

	queued, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if queued.ID == "" {
		t.Error("expected assigned id")
	}
	if queued.Status != schema.StatusPending {
		t.Errorf("expected status %q, got %q", schema.StatusPending, queued.Status)
	}
	if queued.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", queued.Attempts)
	}

	// Must survive a reopen (write-through durability).
	got, err := store.Get(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ItemID != "task-1" || got.BaseVersion != 1 {
		t.Errorf("persisted mutation mismatch: %+v", got)
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	store := setupTestStore(t)

	m := newMutation("board-1", "", "task-1", 1) // view missing
	if _, err := store.Enqueue(m); err == nil {
		t.Fatal("expected error enqueueing invalid mutation, got nil")
	}

	count, err := store.MutationCount(context.Background())
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty store after rejected enqueue, got %d", count)
	}
}

func TestListQueue_FIFOOrder(t *testing.T) {
	store := setupTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		q, err := store.Enqueue(newMutation("board-1", "kanban", fmt.Sprintf("task-%d", i), int64(i)))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		ids = append(ids, q.ID)
	}

	queue, err := store.ListQueue("board-1", "kanban")
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(queue) != 5 {
		t.Fatalf("expected 5 mutations, got %d", len(queue))
	}
	for i, m := range queue {
		if m.ID != ids[i] {
			t.Errorf("position %d: expected id %s, got %s", i, ids[i], m.ID)
		}
	}
}

func TestQueues_AreIndependent(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(newMutation("board-1", "calendar", "task-1", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(newMutation("board-2", "kanban", "task-9", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	kanban, err := store.ListQueue("board-1", "kanban")
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(kanban) != 1 {
		t.Errorf("expected 1 mutation in board-1/kanban, got %d", len(kanban))
	}

	// Clearing one queue must not touch the others.
	if err := store.ClearQueue("board-1", "kanban"); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}

	kanban, _ = store.ListQueue("board-1", "kanban")
	if len(kanban) != 0 {
		t.Errorf("expected board-1/kanban cleared, got %d", len(kanban))
	}
	calendar, _ := store.ListQueue("board-1", "calendar")
	if len(calendar) != 1 {
		t.Errorf("expected board-1/calendar untouched, got %d", len(calendar))
	}
	other, _ := store.ListQueue("board-2", "kanban")
	if len(other) != 1 {
		t.Errorf("expected board-2/kanban untouched, got %d", len(other))
	}
}

func TestEnqueueBatch_PreservesOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch := []*schema.Mutation{
		newMutation("board-1", "kanban", "task-a", 1),
		newMutation("board-1", "kanban", "task-b", 2),
		newMutation("board-1", "kanban", "task-c", 3),
	}

	queued, err := store.EnqueueBatch(ctx, batch)
	if err != nil {
		t.Fatalf("EnqueueBatch failed: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued mutations, got %d", len(queued))
	}

	list, err := store.ListQueue("board-1", "kanban")
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	for i, m := range list {
		if m.ItemID != batch[i].ItemID {
			t.Errorf("position %d: expected item %s, got %s", i, batch[i].ItemID, m.ItemID)
		}
	}
}

func TestEnqueueBatch_AtomicOnInvalid(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch := []*schema.Mutation{
		newMutation("board-1", "kanban", "task-a", 1),
		newMutation("board-1", "kanban", "", 2), // invalid
	}

	if _, err := store.EnqueueBatch(ctx, batch); err == nil {
		t.Fatal("expected error for invalid batch entry, got nil")
	}

	count, err := store.MutationCount(ctx)
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no mutations after failed batch, got %d", count)
	}
}

func TestStatusTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	queued, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// pending -> syncing
	if err := store.MarkSyncing(ctx, queued.ID); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}

	// syncing mutation is not pending: a second MarkSyncing must fail
	if err := store.MarkSyncing(ctx, queued.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for double MarkSyncing, got %v", err)
	}

	// syncing -> conflict
	remote := json.RawMessage(`{"status":"Done","version":4}`)
	if err := store.SetConflict(ctx, queued.ID, remote, "version mismatch"); err != nil {
		t.Fatalf("SetConflict failed: %v", err)
	}

	got, err := store.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != schema.StatusConflict {
		t.Errorf("expected status conflict, got %q", got.Status)
	}
	if got.Conflict == nil {
		t.Fatal("expected conflict details")
	}
	if got.Conflict.Reason != "version mismatch" {
		t.Errorf("expected reason preserved, got %q", got.Conflict.Reason)
	}
	if string(got.Conflict.Remote) != string(remote) {
		t.Errorf("expected remote snapshot preserved, got %s", got.Conflict.Remote)
	}

	// conflict -> pending via retry resolution clears the conflict
	if err := store.ResolveRetry(ctx, queued.ID); err != nil {
		t.Fatalf("ResolveRetry failed: %v", err)
	}
	got, err = store.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Errorf("expected status pending after retry, got %q", got.Status)
	}
	if got.Conflict != nil {
		t.Error("expected conflict cleared after retry")
	}
	if got.BaseVersion != 1 {
		t.Errorf("expected base version unchanged, got %d", got.BaseVersion)
	}
}

func TestReturnPending_IncrementsAttempts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	queued, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := store.MarkSyncing(ctx, queued.ID); err != nil {
			t.Fatalf("MarkSyncing failed: %v", err)
		}
		if err := store.ReturnPending(ctx, queued.ID); err != nil {
			t.Fatalf("ReturnPending failed: %v", err)
		}

		got, err := store.Get(ctx, queued.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Attempts != i {
			t.Errorf("expected %d attempts, got %d", i, got.Attempts)
		}
		if got.Status != schema.StatusPending {
			t.Errorf("expected status pending, got %q", got.Status)
		}
	}
}

func TestTransitions_MissingMutation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.MarkSyncing(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.ResolveRetry(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Remove(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInitSchema_RecoversCrashedSyncing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	queued, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a crash between marking and recording the outcome.
	if err := store.MarkSyncing(ctx, queued.ID); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	if err := reopened.InitSchema(); err != nil {
		t.Fatalf("failed to reinitialize schema: %v", err)
	}

	// The edit must be eligible for the next pass again.
	pending, err := reopened.ListPending(ctx, "board-1", "kanban")
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != queued.ID {
		t.Fatalf("expected recovered mutation pending, got %+v", pending)
	}
	if pending[0].Status != schema.StatusPending {
		t.Errorf("expected status pending after restart, got %q", pending[0].Status)
	}
	if pending[0].Attempts != 0 {
		t.Errorf("expected attempts unchanged by recovery, got %d", pending[0].Attempts)
	}
}

func TestListPending_ExcludesConflicted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(newMutation("board-1", "kanban", "task-2", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.MarkSyncing(ctx, first.ID); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}
	if err := store.SetConflict(ctx, first.ID, json.RawMessage(`{}`), "diverged"); err != nil {
		t.Fatalf("SetConflict failed: %v", err)
	}

	pending, err := store.ListPending(ctx, "board-1", "kanban")
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", len(pending))
	}
	if pending[0].ItemID != "task-2" {
		t.Errorf("expected task-2 pending, got %s", pending[0].ItemID)
	}

	items, err := store.ConflictedItems(ctx, "board-1", "kanban")
	if err != nil {
		t.Fatalf("ConflictedItems failed: %v", err)
	}
	if !items["task-1"] {
		t.Error("expected task-1 in conflicted items")
	}
	if items["task-2"] {
		t.Error("did not expect task-2 in conflicted items")
	}
}

func TestCountsAndQueues(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(newMutation("board-1", "kanban", "task-1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(newMutation("board-1", "kanban", "task-2", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(newMutation("board-2", "calendar", "task-3", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.MarkSyncing(ctx, first.ID); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}
	if err := store.SetConflict(ctx, first.ID, json.RawMessage(`{}`), "diverged"); err != nil {
		t.Fatalf("SetConflict failed: %v", err)
	}

	counts, err := store.Counts(ctx, "board-1", "kanban")
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts.Pending != 1 || counts.Conflict != 1 || counts.Syncing != 0 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	queues, err := store.Queues(ctx)
	if err != nil {
		t.Fatalf("Queues failed: %v", err)
	}
	if len(queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(queues))
	}
	if queues[0].BoardID != "board-1" || queues[0].View != "kanban" {
		t.Errorf("expected board-1/kanban first, got %s", queues[0])
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	store := setupTestStore(t)

	errChan := make(chan error, 2)
	enqueue := func(view string) {
		for i := 0; i < 10; i++ {
			if _, err := store.Enqueue(newMutation("board-1", view, fmt.Sprintf("task-%d", i), 1)); err != nil {
				errChan <- err
				return
			}
		}
		errChan <- nil
	}

	go enqueue("kanban")
	go enqueue("calendar")

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			t.Errorf("concurrent enqueue %d failed: %v", i+1, err)
		}
	}

	count, err := store.MutationCount(context.Background())
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 20 {
		t.Errorf("expected 20 mutations, got %d", count)
	}
}
