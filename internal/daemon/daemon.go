package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
	qsync "github.com/offboardhq/offboard/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a sync pass over every queue.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait before ingesting spool file
	// changes. This batches rapid drops together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger

	// Events receives queue activity notifications. Optional.
	Events EventSink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// EventSink receives queue activity as the daemon produces it.
// Implementations must not block; the daemon calls these inline.
type EventSink interface {
	// MutationEnqueued fires when a spooled mutation lands in the queue.
	MutationEnqueued(m *schema.Mutation)

	// PassCompleted fires after each sync pass over one queue.
	PassCompleted(key schema.QueueKey, result *qsync.Result)
}

// Daemon ingests spooled mutations and drives periodic sync passes.
type Daemon struct {
	store    *db.Store
	registry *qsync.Registry
	syncer   qsync.Syncer
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // spool file -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - store: the durable mutation queue
//   - registry: the single-flight sync registry
//   - syncer: the remote transport used for sync passes
//   - spoolDir: directory where external tooling drops mutation JSON files
//
// Use Start() to begin ingesting and syncing.
func New(store *db.Store, registry *qsync.Registry, syncer qsync.Syncer, spoolDir string) (*Daemon, error) {
	return NewWithConfig(store, registry, syncer, spoolDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store *db.Store, registry *qsync.Registry, syncer qsync.Syncer, spoolDir string, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		registry:    registry,
		syncer:      syncer,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Ingest any mutation files already sitting in the spool
// 2. Start watching the spool for new drops
// 3. Periodically run sync passes over every queue
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Watch before draining so a drop racing the startup drain still
	// produces an event; processPendingChanges tolerates files the drain
	// already took.
	if err := d.watcher.Add(d.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	// Drain anything spooled while we were down.
	if err := d.IngestSpool(); err != nil {
		return fmt.Errorf("initial spool ingestion failed: %w", err)
	}

	d.config.Logger.Printf("Watching: %s", d.spoolDir)

	d.wg.Add(3)
	go d.watchSpoolEvents()
	go d.processChangeQueue()
	go d.runSyncPasses()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// IngestSpool enqueues every valid mutation file in the spool directory
// and removes the ingested files. Invalid files are left in place.
func (d *Daemon) IngestSpool() error {
	entries, err := os.ReadDir(d.spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spool: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.spoolDir, entry.Name())
		d.ingestFile(path)
	}
	return nil
}

// ingestFile reads one spool file, enqueues it, and removes the file.
// Failures leave the file in place and are logged.
func (d *Daemon) ingestFile(path string) {
	m, err := schema.ReadMutationFile(path)
	if err != nil {
		d.config.Logger.Printf("Skipping invalid spool file %s: %v", path, err)
		return
	}

	if err := d.ingestMutation(m); err != nil {
		d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
	}
}

// ingestMutation enqueues one spooled mutation and notifies the sink.
func (d *Daemon) ingestMutation(m *schema.Mutation) error {
	queued, err := d.store.EnqueueContext(d.ctx, m)
	if err != nil {
		return err
	}

	d.config.Logger.Printf("Enqueued %s for %s", queued.ID, schema.QueueKey{BoardID: queued.BoardID, View: queued.View})
	if d.config.Events != nil {
		d.config.Events.MutationEnqueued(queued)
	}
	return nil
}

// watchSpoolEvents monitors filesystem events and queues changes.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removals are our own
			// cleanup after ingestion.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a spool file event for debounced processing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued spool files with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		delete(d.changeQueue, path)

		// A file can vanish between the event and now if the startup
		// drain already took it.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		d.ingestFile(path)
	}
}

// runSyncPasses periodically syncs every queue that has pending work.
func (d *Daemon) runSyncPasses() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.SyncAll()
		}
	}
}

// SyncAll runs one sync pass over every known queue. Queues already
// syncing elsewhere are skipped; other per-queue failures are logged
// and the remaining queues still run.
func (d *Daemon) SyncAll() {
	keys, err := d.store.Queues(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error listing queues: %v", err)
		return
	}

	for _, key := range keys {
		result, err := d.registry.Process(d.ctx, key.BoardID, key.View, d.syncer)
		if err != nil {
			if errors.Is(err, qsync.ErrSyncInFlight) {
				continue
			}
			d.config.Logger.Printf("Sync pass failed for %s: %v", key, err)
			continue
		}

		if len(result.Processed) > 0 || len(result.Conflicts) > 0 || result.Errored > 0 {
			d.config.Logger.Printf("Pass %s: %d synced, %d conflicted, %d held, %d errored",
				key, len(result.Processed), len(result.Conflicts), len(result.Held), result.Errored)
		}
		if d.config.Events != nil {
			d.config.Events.PassCompleted(key, result)
		}
	}
}
