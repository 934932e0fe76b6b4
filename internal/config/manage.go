package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if val == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  val,
		})
	}
	return result
}

// SetKey writes a config key to the platform backend. Secret keys go to the
// platform secret store instead.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), NewKeychain(), key, value)
}

func setKey(b ConfigBackend, kc Keychain, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return kc.Set(keychainService, s.account, value)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		case kBool:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid bool value for %s: %w", key, err)
			}
			return b.SetString(key, strconv.FormatBool(v))
		case kFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid number value for %s: %w", key, err)
			}
			return b.SetString(key, strconv.FormatFloat(f, 'f', -1, 64))
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes a stored value so the default applies again. Secret keys
// are removed from the platform secret store.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), NewKeychain(), key)
}

func unsetKey(b ConfigBackend, kc Keychain, key string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return kc.Set(keychainService, s.account, "")
		}
		return b.Delete(key)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// IsSecret reports whether key is stored in the platform secret store.
func IsSecret(key string) bool {
	for _, s := range specs {
		if s.key == key {
			return s.secret
		}
	}
	return false
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
