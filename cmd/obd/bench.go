package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/offboardhq/offboard/internal/loadtest"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Run a queue load test against a throwaway database",
	Long: `Seed a temporary queue database with synthetic mutations and drain it
with concurrent sync passes against a stub syncer.

Reports enqueue latency from the seeding phase and per-pass latency from
the drain phase. The database is created in a temporary directory and
removed afterwards; the workspace queue is never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mutations, _ := cmd.Flags().GetInt("mutations")
		boards, _ := cmd.Flags().GetInt("boards")
		conflictPct, _ := cmd.Flags().GetFloat64("conflict-pct")
		delay, _ := cmd.Flags().GetDuration("delay")

		tmpDir, err := os.MkdirTemp("", "offboard-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		opts := loadtest.Options{
			Mutations:   mutations,
			Boards:      boards,
			ConflictPct: conflictPct,
			SyncerDelay: delay,
		}

		fmt.Printf("Seeding %d mutations across %d boards...\n", opts.Mutations, opts.Boards)
		start := time.Now()
		tq, err := loadtest.CreateTestQueue(filepath.Join(tmpDir, "bench.db"), opts)
		if err != nil {
			return err
		}
		defer tq.Close()
		fmt.Printf("Seeded in %v\n\n", time.Since(start).Round(time.Millisecond))

		fmt.Println("Enqueue latency:")
		tq.EnqueueStats.PrintStats()

		fmt.Printf("\nDraining %d queues concurrently...\n", len(tq.Keys))
		start = time.Now()
		stats, err := tq.Drain(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Drained in %v\n\n", time.Since(start).Round(time.Millisecond))

		fmt.Println("Sync pass latency:")
		stats.PrintStats()
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("mutations", 1000, "Total mutations to seed")
	benchCmd.Flags().Int("boards", 10, "Boards to spread mutations across")
	benchCmd.Flags().Float64("conflict-pct", 0.05, "Fraction of mutations the stub syncer rejects")
	benchCmd.Flags().Duration("delay", 0, "Artificial per-mutation syncer latency")

	rootCmd.AddCommand(benchCmd)
}
