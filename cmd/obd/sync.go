package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/offboardhq/offboard/internal/config"
	"github.com/offboardhq/offboard/internal/schema"
	qsync "github.com/offboardhq/offboard/internal/sync"
	"github.com/spf13/cobra"
)

// buildSyncer returns the remote transport from configuration: an HTTP
// syncer when remote_url is set, the accept-all dev syncer otherwise.
func buildSyncer(cfg *config.Config, logger *log.Logger) qsync.Syncer {
	if cfg.RemoteURL != "" {
		return qsync.NewHTTPSyncer(cfg.RemoteURL, nil)
	}
	return qsync.AcceptAll(logger)
}

var syncCmd = &cobra.Command{
	Use:     "sync [board] [view]",
	GroupID: "sync",
	Short:   "Run a sync pass over one queue, or every queue",
	Long: `Submit pending mutations to the remote authority in queue order.

Each mutation either lands (removed from the queue), conflicts (kept with
the remote snapshot attached, excluded from future passes until resolved),
or errors (kept pending for the next pass). Later mutations for an item
with an unresolved conflict are held back so edits never land out of order.

With no arguments, every queue gets one pass. With board and view, only
that queue is synced.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return fmt.Errorf("provide both board and view, or neither")
		}

		store, cfg, _, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		registry := qsync.NewRegistry(qsync.NewProcessor(store, logger))
		syncer := buildSyncer(cfg, logger)

		ctx := cmd.Context()
		var keys []schema.QueueKey
		if len(args) == 2 {
			keys = []schema.QueueKey{{BoardID: args[0], View: args[1]}}
		} else {
			if keys, err = store.Queues(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		totalSynced, totalConflicts := 0, 0
		for _, key := range keys {
			result, err := registry.Process(ctx, key.BoardID, key.View, syncer)
			if err != nil {
				return fmt.Errorf("pass over %s/%s failed: %w", key.BoardID, key.View, err)
			}

			totalSynced += len(result.Processed)
			totalConflicts += len(result.Conflicts)
			fmt.Printf("%s/%s: %d synced, %d conflicted, %d held, %d errored\n",
				key.BoardID, key.View,
				len(result.Processed), len(result.Conflicts), len(result.Held), result.Errored)
		}

		fmt.Printf("\nSync complete in %v: %d synced, %d conflicts\n",
			time.Since(start).Round(time.Millisecond), totalSynced, totalConflicts)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <mutation-id> <retry|discard|accept-remote>",
	GroupID: "sync",
	Short:   "Resolve a conflicted mutation",
	Long: `Resolve one conflicted mutation.

Actions:
  retry          clear the conflict and re-queue the local edit as-is
  discard        abandon the local edit
  accept-remote  abandon the local edit in favor of the server's record

Both discard and accept-remote remove the mutation; they differ only in
intent and logging. Resolution is always explicit: conflicts are never
dropped automatically.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := qsync.ParseAction(args[1])
		if err != nil {
			return err
		}

		store, _, _, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		resolver := qsync.NewResolver(store, log.New(os.Stderr, "[resolve] ", log.LstdFlags))
		if err := resolver.Resolve(cmd.Context(), args[0], action); err != nil {
			return err
		}

		fmt.Printf("Resolved %s (%s)\n", args[0], action)
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts <board> <view>",
	GroupID: "sync",
	Short:   "List conflicted mutations in one queue",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, _, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		mutations, err := store.ListQueue(args[0], args[1])
		if err != nil {
			return err
		}

		found := 0
		for _, m := range mutations {
			if m.Conflict == nil {
				continue
			}
			found++
			fmt.Printf("%s item=%s base=%d\n", m.ID, m.ItemID, m.BaseVersion)
			fmt.Printf("  reason: %s\n", m.Conflict.Reason)
			fmt.Printf("  remote: %s\n", m.Conflict.Remote)
		}
		if found == 0 {
			fmt.Printf("No conflicts in %s/%s\n", args[0], args[1])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
