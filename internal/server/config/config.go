// Package config loads the fleet-server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bundle storage providers.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
	ProviderB2    = "b2"
)

// DefaultBlacklist hides runtimes and OS components from update lists.
var DefaultBlacklist = []string{
	"redistributable",
	"visual c++",
	".net framework",
	"microsoft",
	"windows",
	"bing",
}

type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	APIKey         string `mapstructure:"api_key"`
	AdminAPIKey    string `mapstructure:"admin_api_key"`
	MaxConnections int    `mapstructure:"max_connections"`

	DatabasePath string `mapstructure:"database_path"`

	StaleClaimMinutes    int `mapstructure:"stale_claim_minutes"`
	PurgeAfterDays       int `mapstructure:"purge_after_days"`
	PurgeIntervalMinutes int `mapstructure:"purge_interval_minutes"`

	BlacklistKeywords []string `mapstructure:"blacklist_keywords"`

	Bundle BundleConfig `mapstructure:"bundle"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

type BundleConfig struct {
	Provider    string `mapstructure:"provider"`
	Prefix      string `mapstructure:"prefix"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
	LocalPath   string `mapstructure:"local_path"`
	// RequiredFiles must all be present in a published bundle.
	RequiredFiles []string    `mapstructure:"required_files"`
	S3            S3Config    `mapstructure:"s3"`
	GCS           GCSConfig   `mapstructure:"gcs"`
	Azure         AzureConfig `mapstructure:"azure"`
	B2            B2Config    `mapstructure:"b2"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Container        string `mapstructure:"container"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
	Bucket         string `mapstructure:"bucket"`
}

func Default() *Config {
	return &Config{
		ListenAddr:           ":5000",
		MaxConnections:       256,
		DatabasePath:         filepath.Join(dataDir(), "fleet.db"),
		StaleClaimMinutes:    15,
		PurgeAfterDays:       30,
		PurgeIntervalMinutes: 60,
		BlacklistKeywords:    append([]string(nil), DefaultBlacklist...),
		Bundle: BundleConfig{
			Provider:      ProviderLocal,
			Prefix:        "bundles",
			MaxUploadMB:   256,
			LocalPath:     filepath.Join(dataDir(), "bundles"),
			RequiredFiles: []string{"fleet-agent.exe", "fleet-helper.exe"},
		},
		LogFormat:     "text",
		LogLevel:      "info",
		LogMaxSizeMB:  50,
		LogMaxBackups: 5,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{
		"api_key", "admin_api_key", "listen_addr", "database_path",
		"bundle.provider", "bundle.s3.access_key_id", "bundle.s3.secret_access_key",
		"bundle.azure.connection_string", "bundle.azure.account_key",
		"bundle.b2.application_key",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

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

// ValidationResult separates problems that must stop startup from values
// that were clamped.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// Validate clamps out-of-range values. A missing API key or an unusable
// bundle provider is fatal.
func (c *Config) Validate() ValidationResult {
	var r ValidationResult
	if strings.TrimSpace(c.APIKey) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("api_key is required"))
	}
	if c.AdminAPIKey == "" {
		c.AdminAPIKey = c.APIKey
	}
	if c.MaxConnections < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_connections %d below 1, using 256", c.MaxConnections))
		c.MaxConnections = 256
	}
	if c.StaleClaimMinutes < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("stale_claim_minutes %d below 1, using 15", c.StaleClaimMinutes))
		c.StaleClaimMinutes = 15
	}
	if c.PurgeIntervalMinutes < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("purge_interval_minutes %d below 1, using 60", c.PurgeIntervalMinutes))
		c.PurgeIntervalMinutes = 60
	}
	if c.Bundle.MaxUploadMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("bundle.max_upload_mb %d below 1, using 256", c.Bundle.MaxUploadMB))
		c.Bundle.MaxUploadMB = 256
	}

	b := c.Bundle
	switch b.Provider {
	case ProviderLocal:
		if b.LocalPath == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("bundle.local_path is required for the local provider"))
		}
	case ProviderS3:
		if b.S3.Bucket == "" || b.S3.Region == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("bundle.s3.bucket and bundle.s3.region are required"))
		}
	case ProviderGCS:
		if b.GCS.Bucket == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("bundle.gcs.bucket is required"))
		}
	case ProviderAzure:
		if b.Azure.Container == "" || (b.Azure.ConnectionString == "" && b.Azure.AccountName == "") {
			r.Fatals = append(r.Fatals, fmt.Errorf("bundle.azure needs a container and a connection string or account name"))
		}
	case ProviderB2:
		if b.B2.Bucket == "" || b.B2.AccountID == "" || b.B2.ApplicationKey == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("bundle.b2 needs account_id, application_key and bucket"))
		}
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("unknown bundle.provider %q", b.Provider))
	}
	return r
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

func (c *Config) PurgeAfter() time.Duration {
	return time.Duration(c.PurgeAfterDays) * 24 * time.Hour
}

func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalMinutes) * time.Minute
}

func dataDir() string {
	if d := os.Getenv("FLEET_DATA_DIR"); d != "" {
		return d
	}
	return "."
}
