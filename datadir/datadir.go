// Package datadir resolves the per-installation directory the sidecar stores its data in.
package datadir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Resolver yields the application data directory for this installation.
type Resolver interface {
	AppDataDir() (string, error)
}

// PlatformResolver resolves <platform data dir>/<Identifier>.
//
//	linux:   $XDG_DATA_HOME or ~/.local/share
//	darwin:  ~/Library/Application Support
//	windows: %APPDATA%
type PlatformResolver struct {
	Identifier string
	Override   string // Used verbatim when set
}

// AppDataDir implements Resolver.
func (r PlatformResolver) AppDataDir() (string, error) {
	if r.Override != "" {
		return filepath.Abs(r.Override)
	}
	if r.Identifier == "" {
		return "", errors.New("empty application identifier")
	}

	base, err := dataHome(runtime.GOOS)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, r.Identifier), nil
}

func dataHome(goos string) (string, error) {
	switch goos {
	case "windows":
		if dir := os.Getenv("APPDATA"); dir != "" {
			return dir, nil
		}
		return "", errors.New("%APPDATA% is not defined")
	case "darwin", "ios":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support"), nil
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" && filepath.IsAbs(dir) {
			return dir, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, ".local", "share"), nil
	}
}

// EnsureExists creates path (and parents) if it does not exist yet.
func EnsureExists(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", path, err)
	}
	return nil
}
