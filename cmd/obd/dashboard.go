package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/offboardhq/offboard/internal/dashboard"
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the WebSocket dashboard without the daemon",
	Long: `Start a standalone WebSocket dashboard server.

Normally the dashboard runs inside 'obd daemon' and carries live queue
events. Standalone mode serves the endpoints without an event source,
which is useful for testing dashboard clients; inbound edit and resolve
messages are rejected because there is no queue behind them.

WebSocket messages include:
- mutation_enqueued: a mutation entered the queue
- mutation_synced: a mutation was accepted by the backend
- mutation_conflict: a mutation was rejected with a conflict
- mutation_resolved: a conflict was resolved
- pass_complete: a sync pass over one queue finished
- stats: cumulative queue statistics
- edit / edit_ack: inbound client edit and its acknowledgement
- resolve / resolve_ack: inbound resolution and its acknowledgement

Example usage:
  obd dashboard                  # Start on the configured port
  obd dashboard --port 9000      # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8377/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			if store, cfg, _, err := openWorkspace(cmd); err == nil {
				port = cfg.DashboardPort
				_ = store.Close()
			}
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		})

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8377, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
