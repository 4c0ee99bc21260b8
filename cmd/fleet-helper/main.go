package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingetdash/fleet/internal/config"
	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/ipc"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/userhelper"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

const tokenPollInterval = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fleet-helper",
	Short: "Winget fleet user-session helper",
	Long:  `fleet-helper runs in the logged-on user's session and serves dialog and command requests from fleet-agent over loopback.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the helper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHelper()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-helper v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the data directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHelper() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return errors.Join(result.Fatals...)
	}

	logPath := ""
	if cfg.LogFile != "" {
		logPath = cfg.LogFile + ".helper"
	}
	out, closer, err := logging.OpenOutput(logPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups, false)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := ipc.WaitForToken(ctx, cfg.TokenPath(), tokenPollInterval)
	if err != nil {
		return fmt.Errorf("ipc token: %w", err)
	}

	srv := ipc.NewServer(ipc.ServerConfig{
		Addr:           cfg.IPCAddr,
		Token:          token,
		MaxConnections: cfg.IPCMaxConnections,
	}, userhelper.New(executor.New()))

	log.Info("starting fleet helper",
		"version", version,
		logging.KeyEndpoint, cfg.IPCAddr,
		"session", userhelper.SessionID())

	err = srv.ListenAndServe(ctx)
	if errors.Is(err, ipc.ErrAlreadyRunning) {
		log.Info("another helper owns this session, exiting")
		return nil
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("helper stopped")
	return nil
}
