package main

import (
	"encoding/json"
	"fmt"

	"github.com/offboardhq/offboard/internal/schema"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: "queue",
	Short:   "Queue an edit for later sync",
	Long: `Queue a board edit as a durable mutation.

The payload is an opaque JSON document describing the edit. The mutation
is appended to the (board, view) queue and synced in FIFO order.

Example:
  obd add --board board-1 --view kanban --item task-42 \
      --base-version 7 --payload '{"type":"update","changes":{"title":"New"}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, _, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		board, _ := cmd.Flags().GetString("board")
		view, _ := cmd.Flags().GetString("view")
		item, _ := cmd.Flags().GetString("item")
		payload, _ := cmd.Flags().GetString("payload")
		baseVersion, _ := cmd.Flags().GetInt64("base-version")

		m, err := store.Enqueue(&schema.Mutation{
			BoardID:     board,
			View:        view,
			ItemID:      item,
			Payload:     json.RawMessage(payload),
			BaseVersion: baseVersion,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Queued %s on %s\n", m.ID, schema.QueueKey{BoardID: m.BoardID, View: m.View})
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage mutation queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list <board> <view>",
	Short: "List queued mutations for one (board, view) queue in sync order",
	Args:  cobra.ExactArgs(2),
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

		if len(mutations) == 0 {
			fmt.Printf("Queue %s/%s is empty\n", args[0], args[1])
			return nil
		}

		for i, m := range mutations {
			marker := " "
			switch m.Status {
			case schema.StatusConflict:
				marker = "!"
			case schema.StatusSyncing:
				marker = ">"
			}
			fmt.Printf("%s %3d. %s item=%s base=%d attempts=%d %s\n",
				marker, i+1, m.ID, m.ItemID, m.BaseVersion, m.Attempts, m.Status)
			if m.Conflict != nil {
				fmt.Printf("        conflict: %s\n", m.Conflict.Reason)
			}
		}
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-queue counts across the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, dataDir, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		keys, err := store.Queues(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Workspace: %s\n\n", dataDir)
		if len(keys) == 0 {
			fmt.Println("No queued mutations")
			return nil
		}

		fmt.Printf("%-40s %8s %8s %9s\n", "QUEUE", "PENDING", "SYNCING", "CONFLICTS")
		for _, key := range keys {
			counts, err := store.Counts(ctx, key.BoardID, key.View)
			if err != nil {
				return err
			}
			fmt.Printf("%-40s %8d %8d %9d\n", key, counts.Pending, counts.Syncing, counts.Conflict)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear <board> <view>",
	Short: "Drop every mutation in one queue, including conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, _, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ClearQueue(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Cleared queue %s/%s\n", args[0], args[1])
		return nil
	},
	Args: cobra.ExactArgs(2),
}

func init() {
	addCmd.Flags().String("board", "", "Board ID (required)")
	addCmd.Flags().String("view", "kanban", "View name")
	addCmd.Flags().String("item", "", "Target item ID (required)")
	addCmd.Flags().String("payload", "", "Edit payload as JSON (required)")
	addCmd.Flags().Int64("base-version", 0, "Record version the edit was made against")
	_ = addCmd.MarkFlagRequired("board")
	_ = addCmd.MarkFlagRequired("item")
	_ = addCmd.MarkFlagRequired("payload")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueClearCmd)

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(queueCmd)
}
