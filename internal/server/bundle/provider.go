package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wingetdash/fleet/internal/server/config"
)

// ErrObjectNotFound is returned by providers for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Provider stores bundle objects.
type Provider interface {
	Name() string
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewProvider builds the provider selected in cfg.
func NewProvider(ctx context.Context, cfg config.BundleConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderLocal:
		return NewLocalProvider(cfg.LocalPath)
	case config.ProviderS3:
		return NewS3Provider(ctx, cfg.S3)
	case config.ProviderGCS:
		return NewGCSProvider(ctx, cfg.GCS)
	case config.ProviderAzure:
		return NewAzureProvider(cfg.Azure)
	case config.ProviderB2:
		return NewB2Provider(ctx, cfg.B2)
	}
	return nil, fmt.Errorf("unknown bundle provider %q", cfg.Provider)
}
