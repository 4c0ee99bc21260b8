package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
api_key: secret
listen_addr: 127.0.0.1:8080
stale_claim_minutes: 5
bundle:
  provider: s3
  s3:
    bucket: fleet-bundles
    region: eu-central-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.StaleClaimMinutes)
	assert.Equal(t, ProviderS3, cfg.Bundle.Provider)
	assert.Equal(t, "fleet-bundles", cfg.Bundle.S3.Bucket)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.MaxConnections)
	assert.Equal(t, DefaultBlacklist, cfg.BlacklistKeywords)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEET_API_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
}

func TestValidate(t *testing.T) {
	t.Run("defaults need an api key", func(t *testing.T) {
		r := Default().Validate()
		assert.True(t, r.HasFatals())
	})

	t.Run("admin key falls back to api key", func(t *testing.T) {
		cfg := Default()
		cfg.APIKey = "k"
		r := cfg.Validate()
		assert.False(t, r.HasFatals())
		assert.Equal(t, "k", cfg.AdminAPIKey)
	})

	t.Run("clamps numbers", func(t *testing.T) {
		cfg := Default()
		cfg.APIKey = "k"
		cfg.StaleClaimMinutes = 0
		cfg.MaxConnections = -1
		r := cfg.Validate()
		assert.False(t, r.HasFatals())
		assert.Len(t, r.Warnings, 2)
		assert.Equal(t, 15, cfg.StaleClaimMinutes)
		assert.Equal(t, 256, cfg.MaxConnections)
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := Default()
		cfg.APIKey = "k"
		cfg.Bundle.Provider = "ftp"
		assert.True(t, cfg.Validate().HasFatals())
	})

	t.Run("incomplete b2", func(t *testing.T) {
		cfg := Default()
		cfg.APIKey = "k"
		cfg.Bundle.Provider = ProviderB2
		cfg.Bundle.B2.Bucket = "b"
		assert.True(t, cfg.Validate().HasFatals())
	})
}
