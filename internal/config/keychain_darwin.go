//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

// systemKeychain stores secrets as generic passwords in the login keychain.
type systemKeychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return systemKeychain{} }

func (systemKeychain) Get(service, account string) (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		return "", fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (systemKeychain) Set(service, account, value string) error {
	// -U updates an existing item in place.
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain store %s/%s: %w, output: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
