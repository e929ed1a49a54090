package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const appDir = "steward"

// DefaultDataDir picks the first usable platform location for the store.
// XDG_DATA_HOME wins when set; without a home directory it is ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", filepath.Join("/var/lib", appDir)},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Steward")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Steward")},
	}
	for _, c := range candidates {
		if isDir(c.parent) && writable(c.parent, c.dir) {
			return c.dir
		}
	}
	return filepath.Join(home, "."+appDir)
}

// EnsureDataDir creates dir if needed and fails when the path exists but is
// not a directory.
func EnsureDataDir(dir string) error {
	if dir == "" {
		return errors.New("data dir is empty")
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("data dir %s is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat data dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// writable reports whether dir already exists or parent accepts new entries.
func writable(parent, dir string) bool {
	if isDir(dir) {
		return true
	}
	f, err := os.CreateTemp(parent, "."+appDir+"-check-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
