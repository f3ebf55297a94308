// Package migrate moves queue snapshots between the durable store and
// JSONL files, for backup and hand-off between machines.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/offboardhq/offboard/internal/db"
	"github.com/offboardhq/offboard/internal/schema"
)

// ExportOptions contains configuration for a queue export.
type ExportOptions struct {
	ToJSONL string // Output JSONL file path
	BoardID string // Board to export; empty means every board
	View    string // View to export; requires BoardID
	DryRun  bool   // Preview without writing
}

// ImportOptions contains configuration for a queue import.
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Preview without enqueueing
	Backup    bool   // Create backup of the input file
}

// Result contains statistics about an export or import.
type Result struct {
	Mutations     int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a JSONL file and returns the parsed mutations in file
// order. Parsing stops at the first malformed line; validation failures
// are collected per line instead, so one bad record never hides the rest.
func FromJSONL(jsonlPath string) ([]*schema.Mutation, []string, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var mutations []*schema.Mutation
	var problems []string
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var m schema.Mutation
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		m.SetDefaults()
		if err := m.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}

		mutations = append(mutations, &m)
	}

	return mutations, problems, nil
}

// Export writes the queue contents to a JSONL file, one mutation per
// line, in queue order. The write goes through a temp file and rename so
// a partial export never replaces an existing snapshot.
func Export(ctx context.Context, store *db.Store, opts ExportOptions) (*Result, error) {
	if opts.ToJSONL == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if opts.View != "" && opts.BoardID == "" {
		return nil, fmt.Errorf("view filter requires a board filter")
	}

	mutations, err := collectMutations(ctx, store, opts.BoardID, opts.View)
	if err != nil {
		return nil, err
	}

	result := &Result{Mutations: len(mutations)}
	if opts.DryRun {
		return result, nil
	}

	var buf []byte
	for _, m := range mutations {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	tmpPath := opts.ToJSONL + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0600); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.ToJSONL); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return result, nil
}

// collectMutations lists the queues covered by the filters, in queue order.
func collectMutations(ctx context.Context, store *db.Store, boardID, view string) ([]*schema.Mutation, error) {
	keys, err := store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	var mutations []*schema.Mutation
	for _, key := range keys {
		if boardID != "" && key.BoardID != boardID {
			continue
		}
		if view != "" && key.View != view {
			continue
		}

		queue, err := store.ListQueueContext(ctx, key.BoardID, key.View)
		if err != nil {
			return nil, fmt.Errorf("failed to list queue %s: %w", key, err)
		}
		mutations = append(mutations, queue...)
	}
	return mutations, nil
}

// Import enqueues every valid mutation from a JSONL file, preserving
// file order. Each record is enqueued fresh: it gets a new ID and starts
// pending, so a snapshot can be imported into any workspace.
func Import(ctx context.Context, store *db.Store, opts ImportOptions) (*Result, error) {
	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &Result{}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	mutations, problems, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Errors = problems
	result.Skipped = len(problems)

	if opts.DryRun {
		result.Mutations = len(mutations)
		return result, nil
	}

	// EnqueueBatch assigns fresh ids and resets status, so conflicts from
	// the source workspace do not carry over.
	enqueued, err := store.EnqueueBatch(ctx, mutations)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue imported mutations: %w", err)
	}
	result.Mutations = len(enqueued)

	return result, nil
}
