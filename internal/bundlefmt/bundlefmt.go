// Package bundlefmt reads and writes agent update bundles: a flat zip of
// executables plus a manifest.yaml describing them.
package bundlefmt

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest's file name inside the zip.
const ManifestName = "manifest.yaml"

// maxFileSize bounds a single extracted file.
const maxFileSize = 512 << 20

var (
	ErrNoManifest   = errors.New("bundle has no manifest.yaml")
	ErrBadManifest  = errors.New("invalid bundle manifest")
	ErrMissingFile  = errors.New("bundle is missing a required file")
	ErrFileChecksum = errors.New("bundle file checksum mismatch")
)

// File is one entry of the manifest.
type File struct {
	Name   string `yaml:"name"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size"`
}

// Manifest describes a bundle.
type Manifest struct {
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Files     []File    `yaml:"files"`
}

// Validate checks the version and that every name is a plain file name.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: empty version", ErrBadManifest)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: no files", ErrBadManifest)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if !plainName(f.Name) {
			return fmt.Errorf("%w: bad file name %q", ErrBadManifest, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate file %q", ErrBadManifest, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// File returns the entry with the given name.
func (m *Manifest) File(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

func plainName(name string) bool {
	return name != "" && name != "." && name != ".." && name != ManifestName &&
		!strings.ContainsAny(name, `/\:`)
}

// Build writes a bundle zip to w from the given files. Keys of files are the
// names inside the bundle, values are paths on disk.
func Build(w io.Writer, version string, files map[string]string) (*Manifest, error) {
	m := &Manifest{Version: version, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	zw := zip.NewWriter(w)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := addFile(zw, name, files[name])
		if err != nil {
			zw.Close()
			return nil, err
		}
		m.Files = append(m.Files, f)
	}
	if err := m.Validate(); err != nil {
		zw.Close()
		return nil, err
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	mw, err := zw.Create(ManifestName)
	if err != nil {
		zw.Close()
		return nil, err
	}
	if _, err := mw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish zip: %w", err)
	}
	return m, nil
}

func addFile(zw *zip.Writer, name, path string) (File, error) {
	src, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer src.Close()

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.SetMode(0o755)
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return File{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return File{}, fmt.Errorf("add %s: %w", name, err)
	}
	return File{Name: name, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// ReadManifest reads and validates the manifest of a bundle.
func ReadManifest(r io.ReaderAt, size int64) (*Manifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return readManifest(zr)
}

func readManifest(zr *zip.Reader) (*Manifest, error) {
	for _, f := range zr.File {
		if f.Name != ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(rc, 1<<20)); err != nil {
			return nil, err
		}
		var m Manifest
		if err := yaml.Unmarshal(buf.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, ErrNoManifest
}

// Extract unpacks the files listed in the manifest into dest and verifies
// their checksums. Every name in required must be part of the bundle.
// Entries not listed in the manifest are ignored.
func Extract(zipPath, dest string, required []string) (*Manifest, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer zr.Close()

	m, err := readManifest(&zr.Reader)
	if err != nil {
		return nil, err
	}
	for _, name := range required {
		if _, ok := m.File(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, name)
		}
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}
	for _, want := range m.Files {
		zf, ok := entries[want.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s listed but not present", ErrMissingFile, want.Name)
		}
		if err := extractFile(zf, filepath.Join(dest, want.Name), want.SHA256); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func extractFile(zf *zip.File, path, wantSum string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), io.LimitReader(rc, maxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	if n > maxFileSize {
		return fmt.Errorf("extract %s: file too large", zf.Name)
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, wantSum) {
		return fmt.Errorf("%w: %s", ErrFileChecksum, zf.Name)
	}
	return nil
}

// FileSHA256 returns the hex sha256 of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
