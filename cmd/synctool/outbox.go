package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/registry"
)

func newOutboxCmd() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the client-local outbox queue",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "sync.db", "path to the client-local SQLite database")

	cmd.AddCommand(newOutboxStatsCmd(&storePath))
	cmd.AddCommand(newOutboxRetryCmd(&storePath))
	cmd.AddCommand(newOutboxClearCmd(&storePath))
	return cmd
}

func openOutbox(storePath string) (*localstore.Store, *outbox.Store, error) {
	store, err := localstore.Open(storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}
	return store, outbox.New(store.DB(), registry.Default()), nil
}

func newOutboxStatsCmd(storePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pending/failed outbox counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ob, err := openOutbox(*storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := ob.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading outbox stats: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Pending          int64  `json:"pending"`
				Failed           int64  `json:"failed"`
				OldestPendingAge string `json:"oldestPendingAge"`
			}{stats.Pending, stats.Failed, stats.OldestPendingAge.String()})
		},
	}
}

func newOutboxRetryCmd(storePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Move a permanently-failed outbox entry back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ob, err := openOutbox(*storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := ob.Retry(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("retrying entry %s: %w", args[0], err)
			}
			fmt.Printf("outbox entry %s reset to pending\n", args[0])
			return nil
		},
	}
}

func newOutboxClearCmd(storePath *string) *cobra.Command {
	var olderThanMs int64

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Purge permanently-failed outbox entries older than a threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ob, err := openOutbox(*storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := ob.ClearOld(cmd.Context(), olderThanMs)
			if err != nil {
				return fmt.Errorf("clearing old outbox entries: %w", err)
			}
			fmt.Printf("cleared %d outbox entries\n", n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&olderThanMs, "older-than-ms", 7*24*60*60*1000, "age threshold in milliseconds")
	return cmd
}
