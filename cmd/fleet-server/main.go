package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/server/config"
	"github.com/wingetdash/fleet/internal/server/store"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:          "fleet-server",
	Short:        "Winget fleet server",
	Long:         `fleet-server queues tasks for fleet agents, stores their inventory reports and publishes agent bundles.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-server v%s\n", version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		// Open migrates.
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Printf("Database %s is up to date.\n", cfg.DatabasePath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is server.yaml in the data directory)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads and validates the config and initializes logging.
func setup() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	result := cfg.Validate()
	if result.HasFatals() {
		return nil, nil, errors.Join(result.Fatals...)
	}

	out, closer, err := logging.OpenOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, true)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	for _, w := range result.Warnings {
		log.Warn("config value adjusted", logging.KeyError, w)
	}
	return cfg, closer, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Options{
		Path:       cfg.DatabasePath,
		StaleAfter: cfg.StaleAfter(),
	})
}
