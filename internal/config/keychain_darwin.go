//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// keychainGet reads a generic password item from the login Keychain.
func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain %s/%s: %w", service, account, err)
	}
	return out, nil
}

// keychainSet upserts the item. An empty value deletes it.
func keychainSet(service, account, value string) error {
	args := []string{"add-generic-password", "-U", "-s", service, "-a", account, "-w", value}
	if value == "" {
		args = []string{"delete-generic-password", "-s", service, "-a", account}
	}
	if out, err := exec.Command("security", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("keychain %s/%s: %w: %s", service, account, err, out)
	}
	return nil
}
