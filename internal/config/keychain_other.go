//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// Without a system keychain, secrets sit in a flat owner-only JSON file
// keyed by "service.account".
func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	secrets := map[string]string{}
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, err
	}
	val, ok := secrets[secretKey(service, account)]
	if !ok || val == "" {
		return nil, fmt.Errorf("secret %s not set", secretKey(service, account))
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets := map[string]string{}
	if err := readJSONFile(p, &secrets); err != nil {
		return err
	}
	if value == "" {
		delete(secrets, secretKey(service, account))
	} else {
		secrets[secretKey(service, account)] = value
	}
	return writeJSONFile(p, secrets)
}
