// Package bundle publishes agent update bundles to a storage provider and
// serves them back to agents.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/wingetdash/fleet/internal/bundlefmt"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/server/store"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("bundle")

// ErrInvalidBundle means the uploaded file is not a usable bundle.
var ErrInvalidBundle = errors.New("invalid bundle")

// DownloadPath is the agent-facing route a bundle version is served from.
func DownloadPath(version string) string {
	return "/api/agent/bundle/" + url.PathEscape(version)
}

// Service ties the bundle provider to the bundle records in the store.
type Service struct {
	provider Provider
	store    *store.Store
	prefix   string
	required []string
}

// NewService returns a service that stores objects under prefix and
// requires every name in required to be part of a published bundle.
func NewService(p Provider, s *store.Store, prefix string, required []string) *Service {
	return &Service{
		provider: p,
		store:    s,
		prefix:   strings.Trim(prefix, "/"),
		required: required,
	}
}

// Publish validates the zip in r, stores it and makes it current. When
// version is empty the manifest's version is used; otherwise the two must
// match.
func (s *Service) Publish(ctx context.Context, version string, r io.Reader) (*api.BundleInfo, error) {
	tmp, err := os.CreateTemp("", "fleet-bundle-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	m, err := bundlefmt.ReadManifest(tmp, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	for _, name := range s.required {
		if _, ok := m.File(name); !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, name)
		}
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = m.Version
	}
	if version != m.Version {
		return nil, fmt.Errorf("%w: manifest version %s does not match %s", ErrInvalidBundle, m.Version, version)
	}
	if _, err := s.store.GetBundle(ctx, version); err == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrBundleExists, version)
	} else if !errors.Is(err, store.ErrBundleNotFound) {
		return nil, err
	}

	key := path.Join(s.prefix, version+"-"+uuid.NewString()+".zip")
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := s.provider.Upload(ctx, key, tmp, size); err != nil {
		return nil, err
	}

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	rec := &store.Bundle{
		Version:   version,
		ObjectKey: key,
		SHA256:    sum,
		Size:      size,
		Manifest:  datatypes.JSON(manifestJSON),
	}
	if err := s.store.SaveBundle(ctx, rec); err != nil {
		if derr := s.provider.Delete(ctx, key); derr != nil {
			log.Warn("removing orphaned bundle object failed", "key", key, logging.KeyError, derr.Error())
		}
		return nil, err
	}

	log.Info("bundle published",
		"version", version,
		"provider", s.provider.Name(),
		"key", key,
		"size", size)
	return toInfo(rec), nil
}

// Current returns the descriptor of the current bundle.
func (s *Service) Current(ctx context.Context) (*api.BundleInfo, error) {
	rec, err := s.store.CurrentBundle(ctx)
	if err != nil {
		return nil, err
	}
	return toInfo(rec), nil
}

// Open returns the bundle content for version.
func (s *Service) Open(ctx context.Context, version string) (io.ReadCloser, *api.BundleInfo, error) {
	rec, err := s.store.GetBundle(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.provider.Download(ctx, rec.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return rc, toInfo(rec), nil
}

// SelfUpdatePayload builds the self_update task payload for the current
// bundle.
func (s *Service) SelfUpdatePayload(ctx context.Context) (api.SelfUpdatePayload, error) {
	info, err := s.Current(ctx)
	if err != nil {
		return api.SelfUpdatePayload{}, err
	}
	return api.SelfUpdatePayload{URL: info.URL, Version: info.Version, SHA256: info.SHA256}, nil
}

func toInfo(b *store.Bundle) *api.BundleInfo {
	return &api.BundleInfo{
		Version:     b.Version,
		URL:         DownloadPath(b.Version),
		SHA256:      b.SHA256,
		Size:        b.Size,
		PublishedAt: b.PublishedAt,
	}
}
