package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateTestQueue(t *testing.T) {
	opts := Options{Mutations: 50, Boards: 5}
	tq, err := CreateTestQueue(filepath.Join(t.TempDir(), "bench.db"), opts)
	if err != nil {
		t.Fatalf("CreateTestQueue failed: %v", err)
	}
	defer tq.Close()

	if len(tq.Keys) != 5 {
		t.Errorf("expected 5 queues, got %d", len(tq.Keys))
	}

	count, err := tq.Store.MutationCount(context.Background())
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 50 {
		t.Errorf("expected 50 seeded mutations, got %d", count)
	}

	if tq.EnqueueStats == nil || tq.EnqueueStats.TotalOps != 50 {
		t.Errorf("expected enqueue stats for 50 ops, got %+v", tq.EnqueueStats)
	}

	// Round-robin distribution: every queue gets its share.
	for _, key := range tq.Keys {
		queue, err := tq.Store.ListQueueContext(context.Background(), key.BoardID, key.View)
		if err != nil {
			t.Fatalf("ListQueue failed for %s: %v", key, err)
		}
		if len(queue) != 10 {
			t.Errorf("expected 10 mutations in %s, got %d", key, len(queue))
		}
	}
}

func TestCreateTestQueueValidation(t *testing.T) {
	if _, err := CreateTestQueue(filepath.Join(t.TempDir(), "a.db"), Options{Mutations: 0, Boards: 1}); err == nil {
		t.Error("expected error for zero mutations")
	}
	if _, err := CreateTestQueue(filepath.Join(t.TempDir(), "b.db"), Options{Mutations: 1, Boards: 0}); err == nil {
		t.Error("expected error for zero boards")
	}
}

func TestDrainEmptiesQueues(t *testing.T) {
	tq, err := CreateTestQueue(filepath.Join(t.TempDir(), "bench.db"), Options{
		Mutations: 40,
		Boards:    4,
	})
	if err != nil {
		t.Fatalf("CreateTestQueue failed: %v", err)
	}
	defer tq.Close()

	stats, err := tq.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no errors, got %d", stats.Errors)
	}
	if stats.TotalOps < 4 {
		t.Errorf("expected at least one pass per queue, got %d", stats.TotalOps)
	}

	count, err := tq.Store.MutationCount(context.Background())
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected drained queue, got %d remaining", count)
	}
}

func TestDrainLeavesConflicts(t *testing.T) {
	tq, err := CreateTestQueue(filepath.Join(t.TempDir(), "bench.db"), Options{
		Mutations:   20,
		Boards:      2,
		ConflictPct: 1.0, // everything conflicts
	})
	if err != nil {
		t.Fatalf("CreateTestQueue failed: %v", err)
	}
	defer tq.Close()

	if _, err := tq.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	count, err := tq.Store.MutationCount(context.Background())
	if err != nil {
		t.Fatalf("MutationCount failed: %v", err)
	}
	if count != 20 {
		t.Errorf("expected all 20 mutations retained as conflicts, got %d", count)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := []time.Duration{
		5 * time.Millisecond,
		1 * time.Millisecond,
		3 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
	}

	stats := computeLatencyStats(durations)
	if stats.Min != 1*time.Millisecond {
		t.Errorf("expected min 1ms, got %v", stats.Min)
	}
	if stats.Max != 5*time.Millisecond {
		t.Errorf("expected max 5ms, got %v", stats.Max)
	}
	if stats.Mean != 3*time.Millisecond {
		t.Errorf("expected mean 3ms, got %v", stats.Mean)
	}
	if stats.TotalOps != 5 {
		t.Errorf("expected 5 ops, got %d", stats.TotalOps)
	}

	empty := computeLatencyStats(nil)
	if empty.TotalOps != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
