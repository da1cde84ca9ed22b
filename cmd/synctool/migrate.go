package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/remotestore"
	"github.com/tunetrainer/synccore/internal/triggers"
)

// newMigrateCmd installs the sync-specific schema and triggers this module
// owns. Business-table schema (tunes, playlists, practice records, ...) is
// applied by migration machinery outside this module's scope per spec.md
// §1; this command only ever touches the outbox table, the change-capture
// triggers, and the central change log.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Install sync-specific schema and triggers",
	}
	cmd.AddCommand(newMigrateClientCmd())
	cmd.AddCommand(newMigrateServerCmd())
	return cmd
}

func newMigrateClientCmd() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "(Re)install change-capture triggers on the client-local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := localstore.Open(storePath)
			if err != nil {
				return fmt.Errorf("opening local store: %w", err)
			}
			defer store.Close()

			installer := triggers.New(store.DB(), registry.Default())
			if err := installer.InstallAll(cmd.Context()); err != nil {
				return fmt.Errorf("installing change-capture triggers: %w", err)
			}
			fmt.Println("synctool: change-capture triggers installed")
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "sync.db", "path to the client-local SQLite database")
	return cmd
}

func newMigrateServerCmd() *cobra.Command {
	var (
		storeDSN   string
		serverMode bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Ensure the central change-log schema exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := remotestore.ModeEmbedded
			if serverMode {
				mode = remotestore.ModeServer
			}
			store, err := remotestore.Open(mode, storeDSN)
			if err != nil {
				return fmt.Errorf("opening central store: %w", err)
			}
			defer store.Close()

			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("ensuring change-log schema: %w", err)
			}
			fmt.Println("synctool: change-log schema ensured")
			return nil
		},
	}
	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "central store DSN")
	cmd.Flags().BoolVar(&serverMode, "server-mode", false, "connect to a running dolt sql-server instead of opening embedded")
	_ = cmd.MarkFlagRequired("store-dsn")
	return cmd
}
