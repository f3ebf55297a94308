// Package batch merges near-simultaneous field edits into one backend call.
//
// Interactive editing produces bursts of small writes: a user renaming two
// cards and dragging a third generates three edits within milliseconds.
// The Coordinator collects edits arriving inside a flush window and
// dispatches them as a single combined update, then fans the one result
// (or the one failure) back out to each caller.
//
// State machine per coordinator:
//
//	idle → collecting → flushing → idle
//
// The first Enqueue arms the flush timer; further enqueues before expiry
// join the same batch in call order. On expiry exactly one Flush carries
// the whole batch. An Enqueue that lands while a flush is in progress
// starts a fresh window; no entry is ever split across two calls and no
// entry is ever dropped.
//
// Enqueue never blocks. The returned channel is the caller's promise: it
// yields nil when the batch lands, the dispatch error when it fails, and
// ErrCoordinatorClosed when the coordinator is torn down with the entry
// still unflushed. Every channel settles exactly once.
//
// Timers go through the Clock interface so tests drive the window with
// virtual time instead of sleeping.
package batch
