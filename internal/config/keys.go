package config

import (
	"errors"
	"os"
	"strings"
)

// envReplacer maps nested keys like executor.batch_size to CONDUCTOR_EXECUTOR_BATCH_SIZE.
var envReplacer = strings.NewReplacer(".", "_")

// ErrNoAPIKey is returned when the anthropic executor has no key to use.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

var apiKeyEnvVars = []string{"CONDUCTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// ResolveAPIKey returns the Anthropic API key and where it came from.
// Environment variables win over the config file. Bedrock users need no key.
func ResolveAPIKey(cfg *Config) (string, KeySource, error) {
	for _, name := range apiKeyEnvVars {
		if key := os.Getenv(name); key != "" {
			return key, KeySourceEnv, nil
		}
	}

	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig, nil
		}
	}

	return "", KeySourceNone, ErrNoAPIKey
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
