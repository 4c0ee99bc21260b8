package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Package execution modes for update_package and uninstall_package.
const (
	ExecModeAuto   = "auto"
	ExecModeSystem = "system"
	ExecModeUser   = "user"
)

// DefaultIPCAddr is the loopback address the user-session helper listens on.
const DefaultIPCAddr = "127.0.0.1:61900"

// Config is shared by fleet-agent, fleet-helper and fleet-updater.
type Config struct {
	APIEndpoints []string `mapstructure:"api_endpoints"`
	APIKey       string   `mapstructure:"api_key"`
	Hostname     string   `mapstructure:"hostname"`

	LoopIntervalSeconds int `mapstructure:"loop_interval_seconds"`
	FullReportInterval  int `mapstructure:"full_report_interval"`
	ErrorBackoffSeconds int `mapstructure:"error_backoff_seconds"`

	WingetPath            string   `mapstructure:"winget_path"`
	BlacklistKeywords     []string `mapstructure:"blacklist_keywords"`
	PackageExecMode       string   `mapstructure:"package_exec_mode"`
	CommandTimeoutMinutes int      `mapstructure:"command_timeout_minutes"`

	InstallDir  string `mapstructure:"install_dir"`
	DataDir     string `mapstructure:"data_dir"`
	ServiceName string `mapstructure:"service_name"`

	IPCAddr           string `mapstructure:"ipc_addr"`
	IPCTokenPath      string `mapstructure:"ipc_token_path"`
	IPCMaxConnections int    `mapstructure:"ipc_max_connections"`

	UpdateVerifyTimeoutSeconds int `mapstructure:"update_verify_timeout_seconds"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		LoopIntervalSeconds:        60,
		FullReportInterval:         60,
		ErrorBackoffSeconds:        10,
		WingetPath:                 "winget",
		BlacklistKeywords:          []string{"Microsoft.Edge", "Microsoft.Teams", "Microsoft.Office"},
		PackageExecMode:            ExecModeAuto,
		CommandTimeoutMinutes:      30,
		InstallDir:                 defaultInstallDir(),
		DataDir:                    configDir(),
		ServiceName:                defaultServiceName(),
		IPCAddr:                    DefaultIPCAddr,
		IPCMaxConnections:          8,
		UpdateVerifyTimeoutSeconds: 300,
		LogFormat:                  "text",
		LogLevel:                   "info",
		LogMaxSizeMB:               10,
		LogMaxBackups:              3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("api_endpoints", cfg.APIEndpoints)
	v.Set("api_key", cfg.APIKey)
	v.Set("hostname", cfg.Hostname)
	v.Set("loop_interval_seconds", cfg.LoopIntervalSeconds)
	v.Set("full_report_interval", cfg.FullReportInterval)
	v.Set("error_backoff_seconds", cfg.ErrorBackoffSeconds)
	v.Set("winget_path", cfg.WingetPath)
	v.Set("blacklist_keywords", cfg.BlacklistKeywords)
	v.Set("package_exec_mode", cfg.PackageExecMode)
	v.Set("command_timeout_minutes", cfg.CommandTimeoutMinutes)
	v.Set("install_dir", cfg.InstallDir)
	v.Set("data_dir", cfg.DataDir)
	v.Set("service_name", cfg.ServiceName)
	v.Set("ipc_addr", cfg.IPCAddr)
	v.Set("ipc_token_path", cfg.IPCTokenPath)
	v.Set("ipc_max_connections", cfg.IPCMaxConnections)
	v.Set("update_verify_timeout_seconds", cfg.UpdateVerifyTimeoutSeconds)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains the API key)
	return os.Chmod(cfgPath, 0600)
}

// TokenPath is where the agent persists the IPC shared secret.
func (c *Config) TokenPath() string {
	if c.IPCTokenPath != "" {
		return c.IPCTokenPath
	}
	return filepath.Join(c.DataDir, "ipc.token")
}

// HealthFlagPath marks a freshly installed, unconfirmed agent binary.
func (c *Config) HealthFlagPath() string {
	return filepath.Join(c.InstallDir, "health_check.flag")
}

// UpdateLockPath exists while fleet-updater is working on the install dir.
func (c *Config) UpdateLockPath() string {
	return filepath.Join(c.InstallDir, "update.lock")
}

// StatusPath holds the endpoint health snapshot read by `fleet-agent status`.
func (c *Config) StatusPath() string {
	return filepath.Join(c.DataDir, "status.json")
}

// StagingDir receives downloaded bundles before they are swapped in.
func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMinutes) * time.Minute
}

func (c *Config) UpdateVerifyTimeout() time.Duration {
	return time.Duration(c.UpdateVerifyTimeoutSeconds) * time.Second
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "WingetFleet")
	default:
		return "/etc/wingetfleet"
	}
}

func defaultServiceName() string {
	if runtime.GOOS == "windows" {
		return "WingetFleetAgent"
	}
	return "fleet-agent"
}

func defaultInstallDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramFiles"), "WingetFleet")
	default:
		return "/opt/wingetfleet"
	}
}
