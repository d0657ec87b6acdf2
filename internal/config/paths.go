package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// xdgPath joins elem under $env, or under $HOME/fallback when env is unset.
// Without a home directory it stays relative to the working directory.
func xdgPath(env, fallback string, elem ...string) string {
	base := os.Getenv(env)
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, fallback)
		} else {
			base = "."
		}
	}
	return filepath.Join(append([]string{base}, elem...)...)
}

// writeFileAtomic replaces path with data through a temp file in the same
// directory. Parent directories are created with mode 0700.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
