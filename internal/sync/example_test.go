package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
	"github.com/offboardhq/offboard/internal/sync"
)

// This example demonstrates a basic sync pass over one queue.
// Note: This is for documentation only and won't run as a test.
func ExampleRegistry_Process() {
	// Open the durable queue store
	store, err := db.Open(".offboard/queue.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Initialize schema (first time only)
	if err := store.InitSchema(); err != nil {
		log.Fatal(err)
	}

	// Wire the single-flight registry at the composition root
	registry := sync.NewRegistry(sync.NewProcessor(store, nil))

	// The syncer is the application's remote transport
	syncer := sync.SyncerFunc(func(ctx context.Context, m *schema.Mutation) (sync.Outcome, error) {
		// Submit m to the backend here; return ConflictOutcome on divergence
		return sync.Success(), nil
	})

	result, err := registry.Process(context.Background(), "board-1", "kanban", syncer)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("synced %d, conflicted %d\n", len(result.Processed), len(result.Conflicts))
}

// This example demonstrates resolving a conflicted mutation.
func ExampleResolver_Resolve() {
	store, err := db.Open(".offboard/queue.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	resolver := sync.NewResolver(store, nil)

	// Retry re-queues the local edit as-is; discard abandons it;
	// accept-remote drops it in favor of the server's record.
	if err := resolver.Resolve(context.Background(), "mutation-id", sync.ActionRetry); err != nil {
		log.Fatal(err)
	}

	fmt.Println("conflict resolved")
}
