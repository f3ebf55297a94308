package sync

import (
	"context"
	"errors"
	stdsync "sync"

	"github.com/offboardhq/offboard/internal/schema"
)

// ErrSyncInFlight is returned when a pass is requested for a queue that is
// already being processed.
var ErrSyncInFlight = errors.New("sync already in flight for queue")

// Registry serializes sync passes per (board, view) queue.
//
// Overlapping passes over the same queue would double-submit mutations, so
// the registry admits at most one Process call per queue at a time and
// rejects the rest with ErrSyncInFlight; callers retry on their own
// schedule. Distinct queues share no state and run concurrently.
//
// The registry is the composition root's object: construct one where the
// application wires up and hand it to whichever component needs to trigger
// passes (daemon loop, CLI, dashboard), rather than reaching for ambient
// shared state.
type Registry struct {
	processor *Processor

	mu       stdsync.Mutex
	inflight map[schema.QueueKey]bool
}

// NewRegistry creates a Registry around the given processor.
func NewRegistry(processor *Processor) *Registry {
	return &Registry{
		processor: processor,
		inflight:  make(map[schema.QueueKey]bool),
	}
}

// Process runs one single-flight sync pass over the (boardID, view) queue.
// Returns ErrSyncInFlight if a pass for the same queue has not finished.
func (r *Registry) Process(ctx context.Context, boardID, view string, syncer Syncer) (*Result, error) {
	key := schema.QueueKey{BoardID: boardID, View: view}

	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	r.inflight[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	return r.processor.Process(ctx, boardID, view, syncer)
}

// InFlight reports whether a pass is currently running for the queue.
func (r *Registry) InFlight(boardID, view string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[schema.QueueKey{BoardID: boardID, View: view}]
}
