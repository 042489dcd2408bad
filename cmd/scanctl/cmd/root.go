package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/internal/infra/postgres"
	"github.com/openctemio/scanworker/pkg/logger"
)

var (
	version string

	// Global flags
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scanctl",
	Short: "Scan worker administration CLI",
	Long: `scanctl manages the scan worker's database and operational state.

It applies schema migrations, runs the retention sweep on demand,
mints bearer tokens for local testing and inspects or edits quota.

Connection settings come from the same environment variables as the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(quotaCmd)
}

// loadConfig reads the environment the way the server does.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger() *logger.Logger {
	if flagVerbose {
		return logger.NewDevelopment()
	}
	return logger.NewNop()
}

func openDB(cfg *config.Config) (*postgres.DB, error) {
	db, err := postgres.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scanctl version %s\n", version)
		fmt.Printf("  Go:       %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
