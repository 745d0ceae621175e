package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Migrate brings the configured database up to the embedded schema version.
Run it once per deploy before starting workers; workers never migrate on
boot, so a fleet sharing one database cannot race on schema changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		version, err := store.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("database at migration version %d\n", version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.MigrateDown(ctx); err != nil {
			return err
		}
		version, err := store.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("database at migration version %d\n", version)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current migration version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		version, err := store.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			outputJSON(map[string]int64{"version": version})
			return nil
		}
		fmt.Printf("database at migration version %d\n", version)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
