// Package daemon provides the background process that keeps the local
// mutation queue moving.
//
// The daemon:
// 1. Watches the spool directory for dropped mutation JSON files
// 2. Ingests spooled mutations into the durable queue with debouncing
// 3. Periodically runs a sync pass over every (board, view) queue
// 4. Emits queue events to an optional sink (the dashboard)
// 5. Handles graceful shutdown
package daemon
