package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// ErrCoordinatorClosed is the settlement for entries still waiting when the
// coordinator is closed.
var ErrCoordinatorClosed = errors.New("batch coordinator closed")

// Entry is one buffered edit: the target item and an opaque patch.
//
// Entries are grouped purely by temporal proximity, not by item identity.
// Two edits to the same item inside one window are both forwarded, in call
// order, so the backend sees the same last-writer ordering the user produced.
type Entry struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

// Flusher dispatches one combined update carrying a whole batch.
//
// This is the coordinator's only point of contact with the backend. A nil
// return settles every caller in the batch successfully; an error settles
// every caller with that same error. The coordinator does not retry;
// callers re-enqueue if they want another attempt.
type Flusher interface {
	Flush(ctx context.Context, entries []Entry) error
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(ctx context.Context, entries []Entry) error

// Flush implements Flusher.
func (f FlusherFunc) Flush(ctx context.Context, entries []Entry) error {
	return f(ctx, entries)
}

// Config holds coordinator configuration.
type Config struct {
	// FlushWindow is how long the coordinator collects edits before
	// dispatching one combined call.
	FlushWindow time.Duration

	// Clock supplies timers. Defaults to SystemClock.
	Clock Clock

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushWindow: 10 * time.Millisecond,
		Clock:       SystemClock(),
		Logger:      log.New(os.Stderr, "[batch] ", log.LstdFlags),
	}
}

// Coordinator buffers edits for one flush window and dispatches them as a
// single combined call. See the package documentation for the state machine.
type Coordinator struct {
	flusher Flusher
	window  time.Duration
	clock   Clock
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []Entry
	waiters []chan error
	timer   Timer
	gen     uint64 // invalidates callbacks from superseded timers
	closed  bool

	wg sync.WaitGroup
}

// New creates a Coordinator dispatching through flusher.
// A nil config uses DefaultConfig; zero fields fall back to defaults.
func New(flusher Flusher, config *Config) (*Coordinator, error) {
	if flusher == nil {
		return nil, fmt.Errorf("flusher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	window := config.FlushWindow
	if window <= 0 {
		window = DefaultConfig().FlushWindow
	}
	clock := config.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		flusher: flusher,
		window:  window,
		clock:   clock,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Enqueue buffers one edit and returns the caller's settlement channel.
//
// The channel receives exactly one value — nil when this entry's batch
// lands, the dispatch error when it fails — and is then closed. Enqueue
// itself never blocks: the flush timer is the only suspension point in
// the coordinator.
func (c *Coordinator) Enqueue(e Entry) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done <- ErrCoordinatorClosed
		close(done)
		return done
	}

	c.pending = append(c.pending, e)
	c.waiters = append(c.waiters, done)

	// First entry of a window: idle -> collecting.
	if c.timer == nil {
		c.gen++
		gen := c.gen
		c.timer = c.clock.AfterFunc(c.window, func() {
			c.flush(gen)
		})
	}
	c.mu.Unlock()

	return done
}

// Pending returns the number of edits buffered for the current window.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// flush dispatches the batch accumulated for timer generation gen.
func (c *Coordinator) flush(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		// Close raced the timer callback, or a newer window took over.
		c.mu.Unlock()
		return
	}

	entries := c.pending
	waiters := c.waiters
	c.pending = nil
	c.waiters = nil
	c.timer = nil

	c.wg.Add(1)
	c.mu.Unlock()

	// collecting -> flushing. The batch is owned by this call now; a new
	// Enqueue starts a fresh window and cannot join this dispatch.
	defer c.wg.Done()

	err := c.flusher.Flush(c.ctx, entries)
	if err != nil {
		c.logger.Printf("Batch of %d edit(s) failed: %v", len(entries), err)
	} else {
		c.logger.Printf("Flushed batch of %d edit(s)", len(entries))
	}

	settle(waiters, err)
}

// Close tears the coordinator down.
//
// The pending timer is cancelled and every unflushed waiter settles with
// ErrCoordinatorClosed; nothing is left unsettled. A flush already in
// progress finishes and settles its own batch (its in-flight Flush sees a
// cancelled context). Close blocks until in-flight flushes have settled.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	waiters := c.waiters
	n := len(c.pending)
	c.pending = nil
	c.waiters = nil
	c.mu.Unlock()

	c.cancel()
	settle(waiters, ErrCoordinatorClosed)
	if n > 0 {
		c.logger.Printf("Closed with %d unflushed edit(s) rejected", n)
	}

	c.wg.Wait()
	return nil
}

// settle delivers one result to every waiter, exactly once each.
func settle(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
		close(w)
	}
}
