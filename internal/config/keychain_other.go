//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// secretsMu serializes read-modify-write cycles on secrets.json.
var secretsMu sync.Mutex

var errNoSecret = errors.New("secret not set")

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "fieldkit", "secrets.json")
}

// readSecrets returns service -> account -> value. A missing file is an
// empty store.
func readSecrets() (map[string]map[string]string, error) {
	secrets := map[string]map[string]string{}
	data, err := os.ReadFile(secretsFilePath())
	if os.IsNotExist(err) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets()
	if err != nil {
		return nil, err
	}
	v, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", service, account, errNoSecret)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	secrets, err := readSecrets()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	if value == "" {
		delete(secrets[service], account)
	} else {
		secrets[service][account] = value
	}

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(secretsFilePath(), out, 0o600)
}
