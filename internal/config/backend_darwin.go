//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.fieldkit.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "fieldkit")
	}
	return "fieldkit-data"
}

// defaultsBackend reads and writes UserDefaults through the defaults CLI.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", append([]string{args[0], b.domain}, args[1:]...)...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", key)
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// defaults exits 1 for a missing domain or key.
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
	}
	return out, true, nil
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return i, true, nil
}

func (b defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b defaultsBackend) Delete(key string) error {
	if out, err := b.run("delete", key); err != nil {
		return fmt.Errorf("defaults delete %s: %w: %s", key, err, out)
	}
	return nil
}

func (b defaultsBackend) write(key, typ, val string) error {
	if out, err := b.run("write", key, typ, val); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}
