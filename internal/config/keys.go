package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	alias   string // conventional variable honoured when env is unset
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CANASTA_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CANASTA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.backend", typ: kString, env: "CANASTA_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CANASTA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "supabase.url", typ: kString, env: "CANASTA_SUPABASE_URL", alias: "SUPABASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Supabase.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Supabase.URL },
	},
	{
		key: "supabase.key", typ: kString, env: "CANASTA_SUPABASE_KEY", alias: "SUPABASE_ANON_KEY",
		secret: true, account: "supabase_key",
		apply:   func(cfg *Config, v any) { cfg.Supabase.Key = v.(string) },
		extract: func(cfg Config) any { return cfg.Supabase.Key },
	},
	{
		key: "assistant.api_key", typ: kString, env: "CANASTA_OPENAI_API_KEY", alias: "OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.Assistant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.APIKey },
	},
	{
		key: "assistant.id", typ: kString, env: "CANASTA_ASSISTANT_ID", alias: "OPENAI_ASSISTANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Assistant.AssistantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.AssistantID },
	},
	{
		key: "assistant.base_url", typ: kString, env: "CANASTA_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Assistant.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.BaseURL },
	},
	{
		key: "assistant.max_polls", typ: kInt, env: "CANASTA_ASSISTANT_MAX_POLLS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.MaxPolls = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.MaxPolls },
	},
	{
		key: "assistant.poll_interval", typ: kString, env: "CANASTA_ASSISTANT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Assistant.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.PollInterval },
	},
	{
		key: "search.max_attempts", typ: kInt, env: "CANASTA_SEARCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxAttempts },
	},
	{
		key: "search.backoff", typ: kString, env: "CANASTA_SEARCH_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Search.Backoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Backoff },
	},
	{
		key: "search.threshold", typ: kFloat, env: "CANASTA_SEARCH_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.Threshold },
	},
	{
		key: "log.level", typ: kString, env: "CANASTA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CANASTA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parse converts a raw stored or environment value to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return raw, nil
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			warnf("config key %s=%q: %v, keeping %v", s.key, raw, err, s.extract(*cfg))
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides lets CANASTA_* variables, or their conventional aliases,
// win over stored values.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		name := s.env
		raw := os.Getenv(name)
		if raw == "" && s.alias != "" {
			name = s.alias
			raw = os.Getenv(name)
		}
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			warnf("env %s=%q: %v, keeping %v", name, raw, err, s.extract(*cfg))
			continue
		}
		s.apply(cfg, v)
	}
}
