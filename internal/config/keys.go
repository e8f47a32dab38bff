package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GEMI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "inference.base_url", typ: kString, env: "GEMI_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.model", typ: kString, env: "GEMI_INFERENCE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Model },
	},
	{
		key: "inference.health_ttl", typ: kDuration, env: "GEMI_INFERENCE_HEALTH_TTL",
		apply:   func(cfg *Config, v any) { cfg.Inference.HealthTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.HealthTTL },
	},
	{
		key: "inference.health_grace", typ: kInt, env: "GEMI_INFERENCE_HEALTH_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Inference.HealthGrace = v.(int) },
		extract: func(cfg Config) any { return cfg.Inference.HealthGrace },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "GEMI_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "chat.max_tokens", typ: kInt, env: "GEMI_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxTokens },
	},
	{
		key: "chat.top_k", typ: kInt, env: "GEMI_CHAT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TopK },
	},
	{
		key: "chat.top_p", typ: kFloat, env: "GEMI_CHAT_TOP_P",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopP = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.TopP },
	},
	{
		key: "download.base_url", typ: kString, env: "GEMI_DOWNLOAD_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Download.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Download.BaseURL },
	},
	{
		key: "download.dir", typ: kString, env: "GEMI_DOWNLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Download.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Download.Dir },
	},
	{
		key: "download.concurrency", typ: kInt, env: "GEMI_DOWNLOAD_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Download.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Download.Concurrency },
	},
	{
		key: "download.stall_timeout", typ: kDuration, env: "GEMI_DOWNLOAD_STALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Download.StallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Download.StallTimeout },
	},
	{
		key: "download.manifest", typ: kString, env: "GEMI_DOWNLOAD_MANIFEST",
		apply:   func(cfg *Config, v any) { cfg.Download.Manifest = v.(string) },
		extract: func(cfg Config) any { return cfg.Download.Manifest },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GEMI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "GEMI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "credentials.hf_token", typ: kString, env: "GEMI_HF_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.HFToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.HFToken },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
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
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
