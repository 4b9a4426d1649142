package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/numbroker/internal/config"
	"github.com/punchamoorthee/numbroker/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema and exit",
	Long: `Apply the embedded schema to the database named by DB_SOURCE.

The schema uses CREATE ... IF NOT EXISTS, so running it twice is harmless.
The bolt backend creates its buckets on open and needs no migration.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DBDriver != "postgres" {
		fmt.Fprintf(os.Stderr, "DB_DRIVER=%s needs no migration\n", cfg.DBDriver)
		return nil
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("schema applied")
	return nil
}
