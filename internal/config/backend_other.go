//go:build !darwin

package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// xdgPath joins name onto canasta's directory under $env, or under
// $HOME/fallback when env is unset.
func xdgPath(env, fallback, name string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(appDir+"-data", name)
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, appDir, name)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "")
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

func secretHint(account string) string {
	return " or " + secretsFilePath() + " (" + secretKey(keychainService, account) + ")"
}

// fileBackend keeps settings in $XDG_CONFIG_HOME/canasta/config.json.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: map[string]any{}}
	if err := readJSONFile(b.path, &b.data); err != nil {
		warnf("%v; using default values", err)
	}
	if b.data == nil {
		b.data = map[string]any{}
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	default:
		return "", true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || val < math.MinInt32 || val > math.MaxInt32 {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}
