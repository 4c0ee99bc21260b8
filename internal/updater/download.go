package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wingetdash/fleet/internal/bundlefmt"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

// download fetches and unpacks the bundle into the staging dir and returns
// the directory holding the new executables. Nothing in the install dir is
// touched.
func (o *Orchestrator) download(ctx context.Context, p api.SelfUpdatePayload) (string, error) {
	if len(o.opts.Downloaders) == 0 {
		return "", errors.New("no endpoint to download from")
	}
	if err := os.RemoveAll(o.opts.StagingDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(o.opts.StagingDir, 0o755); err != nil {
		return "", err
	}

	zipPath := filepath.Join(o.opts.StagingDir, "bundle.zip")
	var errs []error
	for _, d := range o.opts.Downloaders {
		err := fetchTo(ctx, d, p.URL, zipPath)
		if err == nil {
			errs = nil
			break
		}
		log.Warn("bundle download failed", logging.KeyEndpoint, d.BaseURL(), logging.KeyError, err.Error())
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}

	if p.SHA256 != "" {
		sum, err := bundlefmt.FileSHA256(zipPath)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(sum, p.SHA256) {
			return "", fmt.Errorf("checksum mismatch: expected %s, got %s", p.SHA256, sum)
		}
	}

	newDir := filepath.Join(o.opts.StagingDir, "new")
	m, err := bundlefmt.Extract(zipPath, newDir, o.opts.Executables)
	if err != nil {
		return "", err
	}
	if p.Version != "" && m.Version != p.Version {
		return "", fmt.Errorf("bundle version %s does not match requested %s", m.Version, p.Version)
	}
	log.Info("bundle ready", "version", m.Version, "files", len(m.Files))
	return newDir, nil
}

func fetchTo(ctx context.Context, d Downloader, rawURL, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := d.Download(ctx, rawURL, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	log.Debug("bundle downloaded", "bytes", n)
	return nil
}
