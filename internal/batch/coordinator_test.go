package batch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeClock hands out timers that fire only when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance fires every armed timer, simulating the window expiring.
func (c *fakeClock) Advance() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.fire()
	}
}

// Armed returns the number of timers waiting to fire.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// recordingFlusher captures every Flush call.
type recordingFlusher struct {
	mu      sync.Mutex
	batches [][]Entry
	err     error
}

func (f *recordingFlusher) Flush(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *recordingFlusher) calls() [][]Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func newTestCoordinator(t *testing.T, flusher Flusher, clock Clock) *Coordinator {
	t.Helper()

	c, err := New(flusher, &Config{
		FlushWindow: 10 * time.Millisecond,
		Clock:       clock,
		Logger:      log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return c
}

func entry(id, patch string) Entry {
	return Entry{ID: id, Patch: json.RawMessage(patch)}
}

// wait reads the settlement with a timeout so a broken coordinator fails
// the test instead of hanging it.
func wait(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("settlement channel never delivered")
		return nil
	}
}

func TestEnqueue_OneCombinedCallInOrder(t *testing.T) {
	clock := &fakeClock{}
	flusher := &recordingFlusher{}
	c := newTestCoordinator(t, flusher, clock)
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{"title":"A"}`))
	d2 := c.Enqueue(entry("task-2", `{"title":"B"}`))

	if got := c.Pending(); got != 2 {
		t.Errorf("expected 2 pending entries, got %d", got)
	}
	if clock.Armed() != 1 {
		t.Fatalf("expected exactly one armed timer, got %d", clock.Armed())
	}

	clock.Advance()

	if err := wait(t, d1); err != nil {
		t.Errorf("first caller settled with error: %v", err)
	}
	if err := wait(t, d2); err != nil {
		t.Errorf("second caller settled with error: %v", err)
	}

	calls := flusher.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one combined call, got %d", len(calls))
	}
	if len(calls[0]) != 2 {
		t.Fatalf("expected 2 entries in batch, got %d", len(calls[0]))
	}
	if calls[0][0].ID != "task-1" || calls[0][1].ID != "task-2" {
		t.Errorf("expected enqueue order preserved, got %s then %s", calls[0][0].ID, calls[0][1].ID)
	}
}

func TestEnqueue_SameItemForwardedTwice(t *testing.T) {
	clock := &fakeClock{}
	flusher := &recordingFlusher{}
	c := newTestCoordinator(t, flusher, clock)
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{"title":"first"}`))
	d2 := c.Enqueue(entry("task-1", `{"title":"second"}`))

	clock.Advance()
	wait(t, d1)
	wait(t, d2)

	calls := flusher.calls()
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("expected one batch of 2 entries, got %+v", calls)
	}
	// Grouping is temporal, not by item: both edits survive in last-write order.
	if string(calls[0][0].Patch) != `{"title":"first"}` || string(calls[0][1].Patch) != `{"title":"second"}` {
		t.Errorf("expected both same-item edits in call order, got %+v", calls[0])
	}
}

func TestFlushFailure_RejectsEveryCallerUniformly(t *testing.T) {
	clock := &fakeClock{}
	dispatchErr := errors.New("backend rejected batch")
	flusher := &recordingFlusher{err: dispatchErr}
	c := newTestCoordinator(t, flusher, clock)
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{}`))
	d2 := c.Enqueue(entry("task-2", `{}`))
	d3 := c.Enqueue(entry("task-3", `{}`))

	clock.Advance()

	for i, done := range []<-chan error{d1, d2, d3} {
		if err := wait(t, done); !errors.Is(err, dispatchErr) {
			t.Errorf("caller %d: expected dispatch error, got %v", i+1, err)
		}
	}

	// No retry: exactly one call was made.
	if len(flusher.calls()) != 1 {
		t.Errorf("expected no automatic retry, got %d calls", len(flusher.calls()))
	}
}

func TestEnqueueAfterFlushStartsFreshWindow(t *testing.T) {
	clock := &fakeClock{}
	flusher := &recordingFlusher{}
	c := newTestCoordinator(t, flusher, clock)
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{}`))
	clock.Advance()
	wait(t, d1)

	// Coordinator is idle again; the next enqueue arms a new timer.
	d2 := c.Enqueue(entry("task-2", `{}`))
	if clock.Armed() != 1 {
		t.Fatalf("expected a fresh timer, got %d armed", clock.Armed())
	}
	clock.Advance()
	wait(t, d2)

	calls := flusher.calls()
	if len(calls) != 2 {
		t.Fatalf("expected two separate calls, got %d", len(calls))
	}
	if calls[0][0].ID != "task-1" || calls[1][0].ID != "task-2" {
		t.Errorf("entries split incorrectly across calls: %+v", calls)
	}
}

func TestEnqueueDuringFlushJoinsNextBatch(t *testing.T) {
	clock := &fakeClock{}
	c := (*Coordinator)(nil)

	inFlush := make(chan struct{})
	release := make(chan struct{})
	var lateDone <-chan error

	flusher := &recordingFlusher{}
	blocking := FlusherFunc(func(ctx context.Context, entries []Entry) error {
		// First call blocks so the test can enqueue mid-flush.
		if len(flusher.calls()) == 0 {
			close(inFlush)
			// The enqueue below must not join this in-flight batch.
			lateDone = c.Enqueue(entry("task-late", `{}`))
			<-release
		}
		return flusher.Flush(ctx, entries)
	})

	c = newTestCoordinator(t, blocking, clock)
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{}`))

	go clock.Advance()
	<-inFlush
	close(release)
	wait(t, d1)

	// The late entry sits in a fresh window with its own timer.
	if clock.Armed() != 1 {
		t.Fatalf("expected fresh timer for late entry, got %d armed", clock.Armed())
	}
	clock.Advance()
	if err := wait(t, lateDone); err != nil {
		t.Errorf("late caller settled with error: %v", err)
	}

	calls := flusher.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if len(calls[0]) != 1 || calls[0][0].ID != "task-1" {
		t.Errorf("first batch should hold only task-1, got %+v", calls[0])
	}
	if len(calls[1]) != 1 || calls[1][0].ID != "task-late" {
		t.Errorf("second batch should hold only task-late, got %+v", calls[1])
	}
}

func TestClose_SettlesPendingWaiters(t *testing.T) {
	clock := &fakeClock{}
	flusher := &recordingFlusher{}
	c := newTestCoordinator(t, flusher, clock)

	d1 := c.Enqueue(entry("task-1", `{}`))
	d2 := c.Enqueue(entry("task-2", `{}`))

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, done := range []<-chan error{d1, d2} {
		if err := wait(t, done); !errors.Is(err, ErrCoordinatorClosed) {
			t.Errorf("caller %d: expected ErrCoordinatorClosed, got %v", i+1, err)
		}
	}

	// The cancelled timer must not dispatch a late batch.
	clock.Advance()
	if len(flusher.calls()) != 0 {
		t.Errorf("expected no dispatch after close, got %d calls", len(flusher.calls()))
	}

	// Enqueue after close settles immediately.
	if err := wait(t, c.Enqueue(entry("task-3", `{}`))); !errors.Is(err, ErrCoordinatorClosed) {
		t.Errorf("expected ErrCoordinatorClosed for post-close enqueue, got %v", err)
	}

	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestCoordinator_RealClockSmoke(t *testing.T) {
	flusher := &recordingFlusher{}
	c, err := New(flusher, &Config{
		FlushWindow: 5 * time.Millisecond,
		Logger:      log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	defer c.Close()

	d1 := c.Enqueue(entry("task-1", `{}`))
	d2 := c.Enqueue(entry("task-2", `{}`))

	if err := wait(t, d1); err != nil {
		t.Errorf("first caller settled with error: %v", err)
	}
	if err := wait(t, d2); err != nil {
		t.Errorf("second caller settled with error: %v", err)
	}

	if len(flusher.calls()) != 1 {
		t.Errorf("expected one combined call, got %d", len(flusher.calls()))
	}
}
