package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/gemi/internal/catalog"
)

// Keychain service and accounts used for secrets.
const (
	keychainService      = "gemi"
	accountHFToken       = "hf_token"
	accountAPIToken      = "api_token"
	defaultInferencePort = 11435
)

var validate = validator.New()

type Config struct {
	Server      ServerConfig
	Inference   InferenceConfig
	Chat        ChatConfig
	Download    DownloadConfig
	Storage     StorageConfig
	Log         LogConfig
	Credentials CredentialsConfig
}

type ServerConfig struct {
	Port int `validate:"min=1,max=65535"`
}

type InferenceConfig struct {
	BaseURL     string        `validate:"required,url"`
	Model       string        `validate:"required"`
	HealthTTL   time.Duration `validate:"gt=0"`
	HealthGrace int           `validate:"min=1"`
}

type ChatConfig struct {
	Temperature float64 `validate:"gte=0,lte=2"`
	MaxTokens   int     `validate:"min=1"`
	TopK        int     `validate:"min=1"`
	TopP        float64 `validate:"gt=0,lte=1"`
}

type DownloadConfig struct {
	BaseURL     string `validate:"required,url"`
	Dir         string // empty means <data_dir>/models
	Concurrency int    `validate:"min=1,max=16"`
	Manifest    string // path to a manifest file; empty selects the built-in catalog

	// StallTimeout aborts an attempt whose body delivers no bytes for this
	// long; the retry policy then resumes it.
	StallTimeout time.Duration `validate:"gt=0"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type CredentialsConfig struct {
	HFToken string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Inference: InferenceConfig{
			BaseURL:     fmt.Sprintf("http://127.0.0.1:%d", defaultInferencePort),
			Model:       catalog.DefaultModel,
			HealthTTL:   30 * time.Second,
			HealthGrace: 3,
		},
		Chat: ChatConfig{
			Temperature: 0.7,
			MaxTokens:   2048,
			TopK:        40,
			TopP:        0.9,
		},
		Download: DownloadConfig{
			BaseURL:      "https://huggingface.co",
			Concurrency:  2,
			StallTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ModelDir is where the bundle for the configured model is stored.
func (c Config) ModelDir() string {
	root := c.Download.Dir
	if root == "" {
		root = filepath.Join(c.Storage.DataDir, "models")
	}
	return filepath.Join(root, strings.ReplaceAll(c.Inference.Model, "/", "--"))
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.gemi.app) and secrets
// live in the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/gemi/config.json
// and secrets are kept in a private file under $XDG_DATA_HOME/gemi.
//
// Environment variables (GEMI_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The token is optional: public models download without one.
	if cfg.Credentials.HFToken == "" {
		if tok, err := kc.Get(keychainService, accountHFToken); err == nil && tok != "" {
			cfg.Credentials.HFToken = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
