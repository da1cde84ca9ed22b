// Command synctool drives and serves the offline-first sync engine
// described in spec.md: `sync` runs one client cycle against a mediator,
// `serve` runs the mediator itself, and `outbox`/`migrate` cover the
// operational surface around both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tunetrainer/synccore/internal/obslog"
)

var (
	cfgFile string
	verbose bool
	v       = viper.New()

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := newRootCmd().ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "synctool",
		Short: "Offline-first sync engine client and mediator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obslog.SetVerbose(verbose)
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				_ = v.ReadInConfig()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newSyncCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newOutboxCmd())
	root.AddCommand(newMigrateCmd())
	return root
}
