package ipc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAuthRejected means a request carried a missing or wrong token.
var ErrAuthRejected = errors.New("ipc: auth rejected")

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ipc: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EnsureToken returns the token stored at path, creating it first if the
// file is missing or empty. Only the privileged side calls this.
func EnsureToken(path string) (string, error) {
	if tok, err := LoadToken(path); err == nil {
		return tok, nil
	} else if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, errEmptyToken) {
		return "", err
	}

	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("ipc: create token dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(tok), 0600); err != nil {
		return "", fmt.Errorf("ipc: write token: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("ipc: install token: %w", err)
	}
	log.Info("generated ipc token", "path", path)
	return tok, nil
}

var errEmptyToken = errors.New("ipc: token file is empty")

// LoadToken reads the token file written by the agent.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", errEmptyToken
	}
	return tok, nil
}

// WaitForToken polls path until the token appears or ctx is done. The
// helper usually starts at logon before the service has written the file.
func WaitForToken(ctx context.Context, path string, interval time.Duration) (string, error) {
	warned := false
	for {
		tok, err := LoadToken(path)
		if err == nil {
			return tok, nil
		}
		if !warned {
			log.Warn("ipc token not available yet, waiting", "path", path, "error", err)
			warned = true
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// tokenMatches compares in constant time. An empty expected token never
// matches, so a helper without a token rejects everything.
func tokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
