package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Bank       BankConfig
	Reflection ReflectionConfig
	Scheduler  SchedulerConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	MaxConns int
	APIToken string
}

type OllamaConfig struct {
	BaseURL      string
	SuggestModel string
	EmbedModel   string
}

type StorageConfig struct {
	DataDir string
}

type BankConfig struct {
	EmbeddingDim int
}

type ReflectionConfig struct {
	BacklogThreshold     int
	SuggestionsPerMinute int
}

type SchedulerConfig struct {
	IntervalMinutes int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     4600,
			MCPPort:  4601,
			MaxConns: 64,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			SuggestModel: "phi3.5",
			EmbedModel:   "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Bank: BankConfig{
			EmbeddingDim: 768,
		},
		Reflection: ReflectionConfig{
			BacklogThreshold:     100,
			SuggestionsPerMinute: 5,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 60,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.memento.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/memento/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (MEMENTO_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for the API token if still empty.
	if cfg.Server.APIToken == "" {
		if tok, err := kc.Get("memento", "api_token"); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if cfg.Server.APIToken == "" {
		msg := "missing required config: API token. " +
			"Set it via environment variable MEMENTO_API_TOKEN" +
			apiTokenHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if cfg.Bank.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("bank.embedding_dim must be positive, got %d", cfg.Bank.EmbeddingDim)
	}

	return cfg, nil
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
