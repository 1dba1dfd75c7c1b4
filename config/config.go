// Package config loads process configuration from the environment,
// optionally preceded by a .env file — the env-var surface spec.md §6.2
// names: provider API keys, discovery host URL, database file path,
// presets directory path, examples-seed file path.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the fully resolved process configuration.
type Config struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicBaseURL string
	OllamaAPIKey    string

	DiscoveryHostURL string

	DBPath          string
	PresetsDir      string
	ExamplesSeedFile string

	ListenAddr string
	CORSOrigin string
}

// Load reads Config from the environment. A .env file in the working
// directory is loaded first with Overload so it can be used to pin local
// development values; real environment variables still win for anything
// a .env file does not set, because Overload only replaces keys it finds
// in the file.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		OpenAIAPIKey:     env("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    env("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:  env("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: env("ANTHROPIC_BASE_URL", ""),
		OllamaAPIKey:     env("OLLAMA_API_KEY", ""),

		DiscoveryHostURL: env("DISCOVERY_HOST_URL", "http://localhost:11434"),

		DBPath:           env("PIPELEX_DB_PATH", "pipelex.db"),
		PresetsDir:       env("PIPELEX_PRESETS_DIR", "presets"),
		ExamplesSeedFile: env("PIPELEX_EXAMPLES_FILE", "examples.json"),

		ListenAddr: env("PIPELEX_LISTEN_ADDR", ":8080"),
		CORSOrigin: env("PIPELEX_CORS_ORIGIN", "*"),
	}
	return cfg, nil
}

// DiscoveryEnabled reports whether local-model discovery should run at
// startup: it is on by default, disabled only by an explicit false-y
// PIPELEX_DISCOVERY_ENABLED value.
func (c Config) DiscoveryEnabled() bool {
	v := strings.TrimSpace(os.Getenv("PIPELEX_DISCOVERY_ENABLED"))
	if v == "" {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return enabled
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
