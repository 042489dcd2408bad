package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openctemio/scanworker/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, done, err := migrationRunner()
		if err != nil {
			return err
		}
		defer done()

		applied, err := runner.Up(cmd.Context())
		for _, v := range applied {
			fmt.Fprintf(stdout, "applied %s\n", v)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(stdout, "schema is up to date")
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, done, err := migrationRunner()
		if err != nil {
			return err
		}
		defer done()

		version, err := runner.Down(cmd.Context())
		if err != nil {
			return err
		}
		if version == "" {
			fmt.Fprintln(stdout, "no migrations applied")
			return nil
		}
		fmt.Fprintf(stdout, "rolled back %s\n", version)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(flagOutput); err != nil {
			return err
		}
		runner, done, err := migrationRunner()
		if err != nil {
			return err
		}
		defer done()

		statuses, err := runner.Status(cmd.Context())
		if err != nil {
			return err
		}
		if ok, err := printStructured(statuses); ok {
			return err
		}

		t := newTable("VERSION", "NAME", "APPLIED")
		for _, s := range statuses {
			t.AddRow(s.Version, s.Name, shortTime(s.AppliedAt))
		}
		t.Flush()
		return nil
	},
}

func migrationRunner() (*migrations.Runner, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return migrations.NewRunner(db.DB, migrations.Files()), func() { _ = db.Close() }, nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
