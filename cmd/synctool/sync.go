package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/config"
	"github.com/tunetrainer/synccore/internal/engine"
	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/registry"
)

func newSyncCmd() *cobra.Command {
	var (
		storePath  string
		mediatorURL string
		authSecret string
		userID     string
		deviceID   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the mediator",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := localstore.Open(storePath)
			if err != nil {
				return fmt.Errorf("opening local store: %w", err)
			}
			defer store.Close()

			reg := registry.Default()
			adapt, err := casing.BuildSet(reg, nil)
			if err != nil {
				return fmt.Errorf("building casing adapters: %w", err)
			}

			watermarks, err := engine.NewSQLWatermarkStore(store.DB())
			if err != nil {
				return fmt.Errorf("opening watermark store: %w", err)
			}

			transport := engine.NewHTTPTransport(nil, mediatorURL, authSecret, userID)
			e := engine.New(store, reg, adapt, transport, watermarks, config.DefaultEngine())

			if err := e.InstallTriggers(cmd.Context()); err != nil {
				return fmt.Errorf("installing change-capture triggers: %w", err)
			}

			result, err := e.Cycle(cmd.Context(), userID, deviceID)
			if err != nil {
				return fmt.Errorf("running sync cycle: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(renderResult(result)); err != nil {
				return err
			}
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "sync.db", "path to the client-local SQLite database")
	cmd.Flags().StringVar(&mediatorURL, "mediator-url", "", "mediator POST /api/sync URL")
	cmd.Flags().StringVar(&authSecret, "auth-secret", "", "bearer token secret")
	cmd.Flags().StringVar(&userID, "user", "", "authenticated user id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	_ = cmd.MarkFlagRequired("mediator-url")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// displayResult mirrors engine.Result with Errors rendered as strings,
// since error values encode to JSON as empty objects.
type displayResult struct {
	Success        bool     `json:"success"`
	ItemsSynced    int      `json:"itemsSynced"`
	ItemsFailed    int      `json:"itemsFailed"`
	Conflicts      int      `json:"conflicts"`
	Errors         []string `json:"errors,omitempty"`
	Timestamp      string   `json:"timestamp"`
	AffectedTables []string `json:"affectedTables,omitempty"`
}

func renderResult(r engine.Result) displayResult {
	errs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e.Error()
	}
	return displayResult{
		Success:        r.Success,
		ItemsSynced:    r.ItemsSynced,
		ItemsFailed:    r.ItemsFailed,
		Conflicts:      r.Conflicts,
		Errors:         errs,
		Timestamp:      r.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"),
		AffectedTables: r.AffectedTables,
	}
}
