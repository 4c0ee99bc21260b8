package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingetdash/fleet/internal/config"
	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/health"
	"github.com/wingetdash/fleet/internal/inventory"
	"github.com/wingetdash/fleet/internal/ipc"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/taskloop"
	"github.com/wingetdash/fleet/internal/updater"
	"github.com/wingetdash/fleet/internal/winget"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "fleet-agent",
	Short: "Winget fleet agent",
	Long:  `fleet-agent polls the fleet servers for tasks, runs winget on this machine and reports inventory.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the endpoint health of the running agent",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the data directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// agentComponents holds what shutdownAgent needs to stop.
type agentComponents struct {
	cancel    context.CancelFunc
	done      chan struct{}
	logCloser io.Closer
}

func runAgent() {
	if isWindowsService() {
		if err := runAsService(startAgent); err != nil {
			fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	comps, err := startAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down agent...")
	case <-comps.done:
	}
	shutdownAgent(comps)
}

func startAgent() (*agentComponents, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, e := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return nil, fmt.Errorf("invalid configuration")
	}

	out, closer, err := logging.OpenOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, hasConsole())
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	for _, w := range result.Warnings {
		log.Warn("config value adjusted", logging.KeyError, w)
	}
	if len(cfg.APIEndpoints) == 0 {
		closer.Close()
		return nil, fmt.Errorf("no api_endpoints configured")
	}

	// The helper reads the token written here when the user logs on.
	token, err := ipc.EnsureToken(cfg.TokenPath())
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("ipc token: %w", err)
	}
	helper := ipc.NewClient(cfg.IPCAddr, token)

	exec := executor.New()
	local := winget.LocalExec(exec)
	packages := winget.New(cfg.WingetPath, cfg.CommandTimeout(),
		taskloop.PackageExec(cfg.PackageExecMode, local, helper))
	apps := winget.New(cfg.WingetPath, cfg.CommandTimeout(), local)

	collector := inventory.NewCollector(apps, nil, cfg.Hostname, version, cfg.BlacklistKeywords)

	launcher, err := updater.NewLauncher(cfgFile)
	if err != nil {
		closer.Close()
		return nil, err
	}

	endpoints := make([]taskloop.Endpoint, 0, len(cfg.APIEndpoints))
	for _, ep := range cfg.APIEndpoints {
		endpoints = append(endpoints, api.NewClient(ep, cfg.APIKey))
	}

	runner := taskloop.New(taskloop.Options{
		Endpoints:          endpoints,
		Packages:           packages,
		Inventory:          collector,
		Updater:            launcher,
		Health:             health.NewMonitor(),
		Version:            version,
		Interval:           cfg.LoopInterval(),
		ErrorBackoff:       cfg.ErrorBackoff(),
		FullReportInterval: cfg.FullReportInterval,
		HealthFlagPath:     cfg.HealthFlagPath(),
		UpdateLockPath:     cfg.UpdateLockPath(),
		StatusPath:         cfg.StatusPath(),
	})

	log.Info("starting fleet agent",
		"version", version,
		logging.KeyHostname, collector.Hostname(),
		"endpoints", len(cfg.APIEndpoints),
		"execMode", cfg.PackageExecMode)

	ctx, cancel := context.WithCancel(context.Background())
	comps := &agentComponents{cancel: cancel, done: make(chan struct{}), logCloser: closer}
	go func() {
		defer close(comps.done)
		runner.Run(ctx)
	}()
	return comps, nil
}

func shutdownAgent(comps *agentComponents) {
	comps.cancel()
	select {
	case <-comps.done:
	case <-time.After(30 * time.Second):
		log.Warn("task loop did not stop within 30s")
	}
	log.Info("agent stopped")
	comps.logCloser.Close()
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		return
	}

	snap, err := health.ReadFile(cfg.StatusPath())
	if err != nil {
		fmt.Println("Status: Unknown (agent has not written a status file)")
		return
	}

	fmt.Printf("Status: %s\n", snap.Status)
	fmt.Printf("Version: %s\n", snap.Version)
	fmt.Printf("Updated: %s\n", snap.WrittenAt.Local().Format(time.DateTime))
	for _, c := range snap.Endpoints {
		line := fmt.Sprintf("  %-40s %-10s failures=%d", c.Name, c.Status, c.ConsecutiveFailures)
		if c.Message != "" {
			line += "  " + c.Message
		}
		fmt.Println(line)
	}
	if _, err := os.Stat(cfg.HealthFlagPath()); err == nil {
		fmt.Println("Update: waiting for confirmation of the installed version")
	}
}
