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

const defaultsDomain = "com.canasta.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appDir + "-data"
	}
	return filepath.Join(home, "Library", "Application Support", appDir)
}

func secretHint(account string) string {
	return " or macOS Keychain (service: " + keychainService + ", account: " + account + ")"
}

// defaultsBackend stores settings in the user defaults domain through the
// `defaults` tool, so `defaults read com.canasta.app` shows them.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// missingKey reports the exit status `defaults` uses for an absent key.
func missingKey(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b *defaultsBackend) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if missingKey(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	if s, err := b.run("write", b.domain, key, "-string", val); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, s)
	}
	return nil
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	if s, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val)); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, s)
	}
	return nil
}

func (b *defaultsBackend) Delete(key string) error {
	s, err := b.run("delete", b.domain, key)
	if err != nil && !missingKey(err) {
		return fmt.Errorf("defaults delete %s: %w (%s)", key, err, s)
	}
	return nil
}
