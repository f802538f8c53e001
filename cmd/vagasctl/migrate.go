package main

import (
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"jobmate/vagas-service/internal/config"
	"jobmate/vagas-service/internal/db"
)

// =============================================================================
// MIGRATE - goose over the embedded migrations
// =============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, roll back, or inspect schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProvider(cmd, func(p *goose.Provider) error {
			results, err := p.Up(cmd.Context())
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%s)\n", r.Source.Path, r.Duration)
			}
			if err != nil {
				return fmt.Errorf("goose up: %w", err)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProvider(cmd, func(p *goose.Provider) error {
			r, err := p.Down(cmd.Context())
			if err != nil {
				return fmt.Errorf("goose down: %w", err)
			}
			if r != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", r.Source.Path)
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProvider(cmd, func(p *goose.Provider) error {
			statuses, err := p.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("goose status: %w", err)
			}
			for _, s := range statuses {
				applied := "pending"
				if s.State == goose.StateApplied {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", s.Source.Path, applied)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

// withProvider migrates with the admin credentials when present, since DDL
// usually needs them.
func withProvider(cmd *cobra.Command, fn func(p *goose.Provider) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	url := cfg.Database.URL
	if cfg.Database.AdminURL != "" {
		url = cfg.Database.AdminURL
	}

	sqlDB, err := db.OpenSQL(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	p, err := db.NewMigrator(sqlDB)
	if err != nil {
		return err
	}
	return fn(p)
}
