package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/numbroker/internal/config"
	"github.com/punchamoorthee/numbroker/internal/store"
)

var (
	Version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "numbroker",
		Short:   "Prepaid ledger and order reconciliation for virtual phone numbers",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured backend. Postgres is migrated on open.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("connected to postgres")
		return pg, nil
	default:
		b, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened bolt store", "path", cfg.BoltPath)
		return b, nil
	}
}
