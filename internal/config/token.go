package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const tokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the HTTP API. It prefers
// CANASTA_API_TOKEN, then the secret store, and otherwise generates a token
// and persists it so the CLI and the server agree on it.
func GetAPIToken(kc Keychain) (string, error) {
	if v := os.Getenv("CANASTA_API_TOKEN"); v != "" {
		return v, nil
	}
	if v, err := kc.Get(keychainService, tokenAccount); err == nil && v != "" {
		return v, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, tokenAccount, token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return token, nil
}
