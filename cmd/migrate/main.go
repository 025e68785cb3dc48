// Command migrate manages the dispatcher schema and demo data.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
)

var (
	cfgPath        string
	migrationsPath string
	seedPath       string
	downAll        bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply dispatcher database migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "directory holding *.up.sql / *.down.sql")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrate(func(m *migrate.Migrate) error {
				return ignoreNoChange(m.Up())
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration (or all with --all)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrate(func(m *migrate.Migrate) error {
				if downAll {
					return ignoreNoChange(m.Down())
				}
				return ignoreNoChange(m.Steps(-1))
			})
		},
	}
	down.Flags().BoolVar(&downAll, "all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrate(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Load demo customers and opt-outs from SQL files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDatabase()
			if err != nil {
				return err
			}
			conn, err := db.Connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			n, err := runSeeds(cmd.Context(), conn, seedPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d seed files\n", n)
			return nil
		},
	}
	seed.Flags().StringVar(&seedPath, "dir", "seed", "directory holding seed *.sql files")

	root.AddCommand(up, down, version, seed)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func loadDatabase() (db.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return db.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return db.Config{}, err
	}
	return cfg.Database, nil
}

func withMigrate(fn func(m *migrate.Migrate) error) error {
	cfg, err := loadDatabase()
	if err != nil {
		return err
	}
	m, err := migrate.New("file://"+migrationsPath, cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
