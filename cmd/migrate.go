package cmd

import (
	"fmt"
	"log/slog"

	"github.com/pyama86/slaffic-relay/config"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the datastore schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateStore(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, closeStore, err := openDatastore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// sqlite は open 時に AutoMigrate 済み。DynamoDB Local 以外はここでテーブルを作る
	if d, ok := store.(*infra.DynamoDB); ok && !cfg.Dynamo.Local {
		if err := d.EnsureTable(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	slog.Info("migrate: ok", slog.String("driver", cfg.DBDriver))
	return nil
}
