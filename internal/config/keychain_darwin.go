//go:build darwin

package config

import (
	"errors"
	"os/exec"
)

// errSecItemNotFound is the exit status of `security` for a missing item.
const errSecItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

// keychainSet with an empty value removes the item.
func keychainSet(service, account, value string) error {
	if value != "" {
		return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
	}
	err := exec.Command("security", "delete-generic-password", "-s", service, "-a", account).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound {
		return nil
	}
	return err
}
