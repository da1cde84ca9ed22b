package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/config"
	"github.com/tunetrainer/synccore/internal/mediator"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/remotestore"
	"github.com/tunetrainer/synccore/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var serverMode bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync mediator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := telemetry.Init(ctx); err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer telemetry.Shutdown(ctx)

			mcfg, err := config.LoadMediator(v)
			if err != nil {
				return fmt.Errorf("loading mediator config: %w", err)
			}

			mode := remotestore.ModeEmbedded
			if serverMode {
				mode = remotestore.ModeServer
			}
			store, err := remotestore.Open(mode, mcfg.StoreDSN)
			if err != nil {
				return fmt.Errorf("opening central store: %w", err)
			}
			defer store.Close()

			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensuring change-log schema: %w", err)
			}

			reg := registry.Default()
			adapt, err := casing.BuildSet(reg, nil)
			if err != nil {
				return fmt.Errorf("building casing adapters: %w", err)
			}

			m := mediator.New(store, reg, adapt, mcfg)
			server := mediator.NewServer(m, mcfg.ListenAddr, "/api/sync", mcfg.AuthSecret)

			fmt.Printf("synctool: mediator listening on %s\n", mcfg.ListenAddr)
			return server.Start(ctx)
		},
	}

	cmd.Flags().String("listen-addr", ":8443", "address to listen on")
	cmd.Flags().String("store-dsn", "", "central store DSN")
	cmd.Flags().String("auth-secret", "", "bearer token secret")
	cmd.Flags().Int("max-page-size", 0, "maximum pull page size")
	cmd.Flags().BoolVar(&serverMode, "server-mode", false, "connect to a running dolt sql-server instead of opening embedded")
	_ = v.BindPFlag("listen-addr", cmd.Flags().Lookup("listen-addr"))
	_ = v.BindPFlag("store-dsn", cmd.Flags().Lookup("store-dsn"))
	_ = v.BindPFlag("auth-secret", cmd.Flags().Lookup("auth-secret"))
	_ = v.BindPFlag("max-page-size", cmd.Flags().Lookup("max-page-size"))
	return cmd
}
