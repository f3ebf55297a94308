package main

import (
	"fmt"
	"os"

	"github.com/offboardhq/offboard/internal/config"
	"github.com/offboardhq/offboard/internal/db"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "obd",
	Short: "Offboard - offline-first mutation queue for collaborative boards",
	Long: `Offboard queues board edits locally while offline and syncs them to a
remote authority when connectivity returns.

Every edit becomes a durable mutation in a per-(board, view) FIFO queue
backed by SQLite (.offboard/queue.db). Sync passes submit mutations in
order; rejected edits are kept as conflicts for explicit resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("dir", "d", "", "Workspace directory (default: walk up from cwd)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// findDataDir resolves the workspace data directory from --dir or the
// current directory.
func findDataDir(cmd *cobra.Command) (string, error) {
	start, _ := cmd.Flags().GetString("dir")
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		start = cwd
	}
	return config.FindDataDir(start)
}

// openWorkspace locates the data directory, loads its configuration, and
// opens the queue store with the schema in place.
func openWorkspace(cmd *cobra.Command) (*db.Store, *config.Config, string, error) {
	dataDir, err := findDataDir(cmd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w (run 'obd init' to create a workspace)", err)
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, nil, "", err
	}

	store, err := db.Open(config.ResolvePath(dataDir, cfg.DBPath))
	if err != nil {
		return nil, nil, "", err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, nil, "", err
	}

	return store, cfg, dataDir, nil
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "queue",
	Short:   "Create an .offboard workspace in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to determine working directory: %w", err)
			}
			dir = cwd
		}

		dataDir, err := config.InitDataDir(dir)
		if err != nil {
			return err
		}

		cfg, err := config.Load(dataDir)
		if err != nil {
			return err
		}
		store, err := db.Open(config.ResolvePath(dataDir, cfg.DBPath))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.InitSchema(); err != nil {
			return err
		}

		fmt.Printf("Initialized workspace at %s\n", dataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
