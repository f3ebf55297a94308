package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/offboardhq/offboard/internal/batch"
	"github.com/offboardhq/offboard/internal/config"
	"github.com/offboardhq/offboard/internal/daemon"
	"github.com/offboardhq/offboard/internal/dashboard"
	"github.com/offboardhq/offboard/internal/schema"
	qsync "github.com/offboardhq/offboard/internal/sync"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the Offboard daemon in foreground mode.

The daemon:
  1. Watches .offboard/spool/ for dropped mutation JSON files and
     ingests them into the queue
  2. Runs periodic sync passes over every (board, view) queue
  3. Serves the WebSocket dashboard with live queue events
  4. Batches interactive dashboard edits into combined enqueues
  5. Applies conflict resolutions submitted from the dashboard

Daemon activity is logged to the rotating log file configured in
config.yaml (daemon.log by default).

Interactive edits submitted through the dashboard are queued on the
board and view given by --edit-board and --edit-view.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, dataDir, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		logger := log.New(cfg.LogWriter(dataDir), "[daemon] ", log.LstdFlags)

		editBoard, _ := cmd.Flags().GetString("edit-board")
		editView, _ := cmd.Flags().GetString("edit-view")

		// Dashboard edits collected in one flush window land as a single
		// batch enqueue, in call order.
		coordinator, err := batch.New(batch.FlusherFunc(func(ctx context.Context, entries []batch.Entry) error {
			mutations := make([]*schema.Mutation, len(entries))
			for i, e := range entries {
				mutations[i] = &schema.Mutation{
					BoardID: editBoard,
					View:    editView,
					ItemID:  e.ID,
					Payload: json.RawMessage(e.Patch),
				}
			}
			_, err := store.EnqueueBatch(ctx, mutations)
			return err
		}), &batch.Config{
			FlushWindow: cfg.FlushWindow,
			Logger:      log.New(cfg.LogWriter(dataDir), "[batch] ", log.LstdFlags),
		})
		if err != nil {
			return err
		}
		defer coordinator.Close()

		// Dashboard clients resolve conflicts through the same resolver the
		// CLI uses; every successful resolution is broadcast back out.
		resolver := qsync.NewResolver(store, logger)
		var handler *dashboard.Handler
		server := dashboard.NewServer(&dashboard.Config{
			Port:  cfg.DashboardPort,
			Edits: coordinator,
			Resolutions: dashboard.ResolutionFunc(func(ctx context.Context, id string, action qsync.Action) error {
				if err := resolver.Resolve(ctx, id, action); err != nil {
					return err
				}
				handler.MutationResolved(id, action)
				return nil
			}),
			Logger: log.New(cfg.LogWriter(dataDir), "[dashboard] ", log.LstdFlags),
		})
		handler = dashboard.NewHandler(server, logger)

		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		registry := qsync.NewRegistry(qsync.NewProcessor(store, logger))
		syncer := buildSyncer(cfg, logger)

		d, err := daemon.NewWithConfig(store, registry, syncer,
			config.ResolvePath(dataDir, cfg.SpoolDir),
			&daemon.Config{
				SyncInterval:     cfg.SyncInterval,
				DebounceInterval: cfg.DebounceInterval,
				Logger:           logger,
				Events:           handler,
			})
		if err != nil {
			return err
		}

		fmt.Printf("Daemon started\n")
		fmt.Printf("  Workspace: %s\n", dataDir)
		fmt.Printf("  Dashboard: ws://%s/ws\n", server.GetAddr())
		if cfg.RemoteURL != "" {
			fmt.Printf("  Remote:    %s\n", cfg.RemoteURL)
		} else {
			fmt.Printf("  Remote:    none (accept-all dev syncer)\n")
		}
		fmt.Println("\nPress Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().String("edit-board", "dashboard", "Board for interactive dashboard edits")
	daemonCmd.Flags().String("edit-view", "kanban", "View for interactive dashboard edits")
	rootCmd.AddCommand(daemonCmd)
}
