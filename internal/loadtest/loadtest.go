// Package loadtest provides load generation for the mutation queue.
//
// This package seeds a queue database with synthetic mutations spread
// across several boards and drains them against a stub syncer, measuring
// enqueue and sync pass latencies. It backs the `obd bench` command.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
	qsync "github.com/offboardhq/offboard/internal/sync"
)

// Options controls one load test run.
type Options struct {
	// Mutations is the total number of synthetic mutations to seed.
	Mutations int

	// Boards is how many boards to spread the mutations across. Each
	// board gets one kanban queue.
	Boards int

	// ConflictPct is the fraction of mutations the stub syncer rejects
	// with a conflict (0 to 1).
	ConflictPct float64

	// SyncerDelay is a per-mutation artificial latency in the stub
	// syncer, simulating network round trips.
	SyncerDelay time.Duration
}

// DefaultOptions returns a moderate load shape.
func DefaultOptions() Options {
	return Options{
		Mutations:   1000,
		Boards:      10,
		ConflictPct: 0.05,
	}
}

// TestQueue represents a seeded queue database for load testing.
type TestQueue struct {
	Store   *db.Store
	Keys    []schema.QueueKey
	Options Options

	// EnqueueStats captures per-mutation enqueue latency from seeding.
	EnqueueStats *LatencyStats
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// CreateTestQueue opens a queue database at dbPath and seeds it with
// synthetic mutations per opts. Mutations are distributed round-robin
// across boards so every queue carries comparable load.
func CreateTestQueue(dbPath string, opts Options) (*TestQueue, error) {
	if opts.Mutations <= 0 {
		return nil, fmt.Errorf("mutations must be positive, got %d", opts.Mutations)
	}
	if opts.Boards <= 0 {
		return nil, fmt.Errorf("boards must be positive, got %d", opts.Boards)
	}

	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	tq := &TestQueue{
		Store:   store,
		Options: opts,
		Keys:    make([]schema.QueueKey, 0, opts.Boards),
	}
	for b := 0; b < opts.Boards; b++ {
		tq.Keys = append(tq.Keys, schema.QueueKey{
			BoardID: fmt.Sprintf("bench-board-%03d", b),
			View:    "kanban",
		})
	}

	durations := make([]time.Duration, 0, opts.Mutations)
	for _, m := range generateMutations(tq.Keys, opts.Mutations) {
		start := time.Now()
		_, err := store.Enqueue(m)
		durations = append(durations, time.Since(start))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed mutation for %s: %w", m.ItemID, err)
		}
	}
	tq.EnqueueStats = computeLatencyStats(durations)

	return tq, nil
}

// Close closes the test queue database.
func (tq *TestQueue) Close() error {
	if tq.Store != nil {
		return tq.Store.Close()
	}
	return nil
}

// Drain runs concurrent sync passes until every queue is empty or only
// conflicts remain, measuring per-pass latency.
//
// One worker per queue, mirroring production: passes over distinct
// queues run concurrently, passes over the same queue never do (the
// registry enforces that).
func (tq *TestQueue) Drain(ctx context.Context) (*LatencyStats, error) {
	registry := qsync.NewRegistry(qsync.NewProcessor(tq.Store, nil))
	syncer := tq.stubSyncer()

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(tq.Keys))
	errorsChan := make(chan error, len(tq.Keys))

	for _, key := range tq.Keys {
		wg.Add(1)
		go func(key schema.QueueKey) {
			defer wg.Done()

			var durations []time.Duration
			for {
				start := time.Now()
				result, err := registry.Process(ctx, key.BoardID, key.View, syncer)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("pass over %s failed: %w", key, err)
					return
				}

				// Conflicted mutations stay queued; stop once nothing
				// pending is left to move.
				if len(result.Processed) == 0 && result.Errored == 0 {
					break
				}
			}
			resultsChan <- durations
		}(key)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no passes completed: %w", firstErr)
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// stubSyncer accepts mutations with the configured delay and conflict
// rate. Deterministic seed so runs are comparable.
func (tq *TestQueue) stubSyncer() qsync.Syncer {
	rng := rand.New(rand.NewSource(42))
	var mu sync.Mutex

	return qsync.SyncerFunc(func(ctx context.Context, m *schema.Mutation) (qsync.Outcome, error) {
		if tq.Options.SyncerDelay > 0 {
			select {
			case <-time.After(tq.Options.SyncerDelay):
			case <-ctx.Done():
				return qsync.Outcome{}, ctx.Err()
			}
		}

		mu.Lock()
		conflicted := rng.Float64() < tq.Options.ConflictPct
		mu.Unlock()

		if conflicted {
			return qsync.ConflictOutcome(
				[]byte(fmt.Sprintf(`{"item_id":%q,"version":%d}`, m.ItemID, m.BaseVersion+1)),
				"version mismatch",
			), nil
		}
		return qsync.Success(), nil
	})
}

// generateMutations creates synthetic edit mutations spread round-robin
// across the given queues.
func generateMutations(keys []schema.QueueKey, count int) []*schema.Mutation {
	fields := []string{"title", "status", "assignee", "due_date"}

	mutations := make([]*schema.Mutation, count)
	for i := 0; i < count; i++ {
		key := keys[i%len(keys)]
		payload := &schema.EditPayload{
			Type:  "update",
			Field: fields[i%len(fields)],
			Changes: map[string]any{
				fields[i%len(fields)]: fmt.Sprintf("value-%d", i),
			},
		}
		encoded, _ := payload.Encode()

		mutations[i] = &schema.Mutation{
			BoardID:     key.BoardID,
			View:        key.View,
			ItemID:      fmt.Sprintf("item-%05d", i%100),
			Payload:     encoded,
			BaseVersion: int64(i),
		}
	}

	return mutations
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[min(len(sorted)*95/100, len(sorted)-1)]
	p99 := sorted[min(len(sorted)*99/100, len(sorted)-1)]

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      mean,
		P50:       p50,
		P95:       p95,
		P99:       p99,
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Ops: %d\n", s.TotalOps)
	fmt.Printf("  Errors:    %d\n", s.Errors)
	fmt.Printf("  Min:       %v\n", s.Min)
	fmt.Printf("  P50:       %v\n", s.P50)
	fmt.Printf("  Mean:      %v\n", s.Mean)
	fmt.Printf("  P95:       %v\n", s.P95)
	fmt.Printf("  P99:       %v\n", s.P99)
	fmt.Printf("  Max:       %v\n", s.Max)
}
