//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
)

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "fieldkit")
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "fieldkit", "config.json")
}

// jsonBackend keeps non-secret keys in config.json as one flat object
// keyed by the dotted key name.
type jsonBackend struct {
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	b := &jsonBackend{path: configFilePath(), values: map[string]json.RawMessage{}}
	data, err := os.ReadFile(b.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		fmt.Fprintf(os.Stderr, "[WARN] config file %s unreadable, using defaults: %v\n", b.path, err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config file %s is not a JSON object, using defaults: %v\n", b.path, err)
			b.values = map[string]json.RawMessage{}
		}
	}
	return b
}

func (b *jsonBackend) raw(key string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok
}

// GetString returns strings as is and any other JSON scalar in its
// literal form, so "5" and 5 both read as "5".
func (b *jsonBackend) GetString(key string) (string, bool, error) {
	v, ok := b.raw(key)
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true, nil
	}
	return string(v), true, nil
}

func (b *jsonBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt || f > math.MaxInt {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return int(f), true, nil
}

func (b *jsonBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *jsonBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *jsonBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return b.saveLocked()
}

func (b *jsonBackend) set(key string, val any) error {
	enc, err := json.Marshal(val)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = enc
	return b.saveLocked()
}

func (b *jsonBackend) saveLocked() error {
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
