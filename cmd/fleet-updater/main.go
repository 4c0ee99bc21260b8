package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingetdash/fleet/internal/config"
	"github.com/wingetdash/fleet/internal/httputil"
	"github.com/wingetdash/fleet/internal/inventory"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/updater"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string

	updateURL     string
	updateVersion string
	updateSHA256  string
)

// downloadTimeout bounds one bundle transfer from one endpoint.
const downloadTimeout = 10 * time.Minute

var rootCmd = &cobra.Command{
	Use:   "fleet-updater",
	Short: "Winget fleet agent self-updater",
	Long:  `fleet-updater replaces the agent binaries with a new bundle and rolls back when the new agent does not confirm itself.`,
	// Failures are already logged; cobra would print them a second time.
	SilenceUsage: true,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download and install a bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateURL == "" || updateVersion == "" {
			return fmt.Errorf("--url and --version are required")
		}
		return withOrchestrator(func(ctx context.Context, o *updater.Orchestrator) error {
			return o.Run(ctx, api.SelfUpdatePayload{
				URL:     updateURL,
				Version: updateVersion,
				SHA256:  updateSHA256,
			})
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the agent binaries from their .bak copies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(ctx context.Context, o *updater.Orchestrator) error {
			return o.Rollback(ctx)
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete the .bak copies and the staging directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(_ context.Context, o *updater.Orchestrator) error {
			o.Cleanup()
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the data directory)")

	updateCmd.Flags().StringVar(&updateURL, "url", "", "bundle download URL")
	updateCmd.Flags().StringVar(&updateVersion, "version", "", "bundle version")
	updateCmd.Flags().StringVar(&updateSHA256, "sha256", "", "expected SHA-256 of the bundle")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withOrchestrator loads the agent config, sets up logging and runs fn with
// an orchestrator bound to the install directory.
func withOrchestrator(fn func(context.Context, *updater.Orchestrator) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		return errors.Join(result.Fatals...)
	}

	closer, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	clients := make([]*api.Client, 0, len(cfg.APIEndpoints))
	for _, ep := range cfg.APIEndpoints {
		c := api.NewClient(ep, cfg.APIKey).
			WithHTTPClient(&http.Client{Timeout: downloadTimeout}).
			WithRetry(httputil.DefaultRetryConfig())
		clients = append(clients, c)
	}
	downloaders := make([]updater.Downloader, 0, len(clients))
	reporters := make([]updater.StatusReporter, 0, len(clients))
	for _, c := range clients {
		downloaders = append(downloaders, c)
		reporters = append(reporters, c)
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = inventory.Hostname()
	}

	o := updater.New(updater.Options{
		Hostname:       hostname,
		InstallDir:     cfg.InstallDir,
		StagingDir:     cfg.StagingDir(),
		HealthFlagPath: cfg.HealthFlagPath(),
		LockPath:       cfg.UpdateLockPath(),
		Service:        updater.NewServiceManager(cfg.ServiceName),
		Downloaders:    downloaders,
		Reporters:      reporters,
		VerifyTimeout:  cfg.UpdateVerifyTimeout(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, o); err != nil {
		log.Error("updater finished with error", "stage", o.Stage().String(), logging.KeyError, err)
		return err
	}
	log.Info("updater finished", "stage", o.Stage().String())
	return nil
}

// initLogging writes to a file next to the agent log. The updater runs
// detached, so stdout is usually gone.
func initLogging(cfg *config.Config) (io.Closer, error) {
	logPath := ""
	if cfg.LogFile != "" {
		logPath = cfg.LogFile + ".updater"
	}
	out, closer, err := logging.OpenOutput(logPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups, false)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return closer, nil
}
