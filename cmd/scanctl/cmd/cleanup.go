package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/infra/postgres"
	"github.com/openctemio/scanworker/internal/infra/storage"
)

var (
	cleanupDryRun     bool
	cleanupAll        bool
	cleanupCutoffDays int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the retention sweep once",
	Long: `Remove finished scan jobs and stored result objects older than the cutoff.

The sweep is a dry run unless --dry-run=false is given. Without --cutoff-days
the RETENTION_CUTOFF_DAYS setting applies.`,
	Example: `  scanctl cleanup
  scanctl cleanup --dry-run=false --cutoff-days 7
  scanctl cleanup --dry-run=false --all -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(flagOutput); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("cutoff-days") {
			if cleanupCutoffDays < 1 {
				return fmt.Errorf("--cutoff-days must be at least 1, got %d", cleanupCutoffDays)
			}
			cfg.Retention.CutoffDays = cleanupCutoffDays
		}
		cfg.Retention.DeleteAll = cleanupAll

		log := newLogger()
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := storage.NewS3Store(cmd.Context(), cfg.Storage, log)
		if err != nil {
			return fmt.Errorf("initialize result store: %w", err)
		}

		svc := app.NewRetentionService(postgres.NewScanJobRepository(db), app.NewArtifactStore(store), cfg.Retention.BatchSize, log)
		report, err := svc.Sweep(cmd.Context(), app.SweepOptions{
			Cutoff: cfg.Retention.Cutoff(time.Now()),
			DryRun: cleanupDryRun,
		})
		if err != nil {
			return err
		}
		if ok, err := printStructured(report); ok {
			return err
		}

		cutoff := "everything"
		if !report.Cutoff.IsZero() {
			cutoff = report.Cutoff.UTC().Format(time.DateOnly)
		}
		t := newTable("CUTOFF", "DRY-RUN", "JOBS MATCHED", "JOBS DELETED", "OBJECTS MATCHED", "OBJECTS DELETED", "OBJECTS FAILED")
		t.AddRow(cutoff, fmt.Sprint(report.DryRun),
			fmt.Sprint(report.JobsMatched), fmt.Sprint(report.JobsDeleted),
			fmt.Sprint(report.ObjectsMatched), fmt.Sprint(report.ObjectsDeleted), fmt.Sprint(report.ObjectsFailed))
		t.Flush()
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", true, "Only report what would be deleted")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Ignore the cutoff and remove every finished scan")
	cleanupCmd.Flags().IntVar(&cleanupCutoffDays, "cutoff-days", 0, "Override RETENTION_CUTOFF_DAYS")
}
