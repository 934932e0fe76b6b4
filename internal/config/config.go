package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/canasta/internal/session"
)

const keychainService = "canasta"

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Supabase  SupabaseConfig
	Assistant AssistantConfig
	Search    SearchConfig
	Log       LogConfig
	Redis     session.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	Backend string
	DataDir string
}

type SupabaseConfig struct {
	URL string
	Key string
}

type AssistantConfig struct {
	APIKey       string
	AssistantID  string
	BaseURL      string
	MaxPolls     int
	PollInterval string
}

type SearchConfig struct {
	MaxAttempts int
	Backoff     string
	Threshold   float64
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4000,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			DataDir: defaultDataDir(),
		},
		Assistant: AssistantConfig{
			MaxPolls:     30,
			PollInterval: "1s",
		},
		Search: SearchConfig{
			MaxAttempts: 3,
			Backoff:     "1s",
			Threshold:   0.3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a .env file in the working directory, the
// platform-native backend, environment variables and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.canasta.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/canasta/config.json
// and secrets fall back to $XDG_DATA_HOME/canasta/secrets.json.
//
// Environment variables (CANASTA_*) override backend values on all platforms.
// Redis settings come only from CANASTA_REDIS_* variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnf("could not read .env: %v", err)
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	redis, err := session.LoadConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Redis = redis

	return cfg, nil
}

// Validate reports the settings the server cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.Assistant.APIKey == "" {
		missing = append(missing, "OpenAI API key (CANASTA_OPENAI_API_KEY"+secretHint("openai_api_key")+")")
	}
	if c.Assistant.AssistantID == "" {
		missing = append(missing, "assistant id (CANASTA_ASSISTANT_ID or config key assistant.id)")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendSupabase:
		if c.Supabase.URL == "" {
			missing = append(missing, "Supabase URL (CANASTA_SUPABASE_URL)")
		}
		if c.Supabase.Key == "" {
			missing = append(missing, "Supabase key (CANASTA_SUPABASE_KEY"+secretHint("supabase_key")+")")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want %s or %s)", c.Storage.Backend, BackendSQLite, BackendSupabase)
	}
	if _, err := time.ParseDuration(c.Assistant.PollInterval); err != nil {
		return fmt.Errorf("invalid assistant.poll_interval %q: %w", c.Assistant.PollInterval, err)
	}
	if _, err := time.ParseDuration(c.Search.Backoff); err != nil {
		return fmt.Errorf("invalid search.backoff %q: %w", c.Search.Backoff, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// PollDuration returns the parsed run polling interval, or 1s when invalid.
func (c AssistantConfig) PollDuration() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

// BackoffDuration returns the parsed per-term backoff, or 1s when invalid.
func (c SearchConfig) BackoffDuration() time.Duration {
	return parseDuration(c.Backoff, time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
