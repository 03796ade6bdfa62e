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
		key: "server.port", typ: kInt, env: "MEMENTO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "MEMENTO_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MEMENTO_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "MEMENTO_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEMENTO_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.suggest_model", typ: kString, env: "MEMENTO_OLLAMA_SUGGEST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.SuggestModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.SuggestModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "MEMENTO_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMENTO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "bank.embedding_dim", typ: kInt, env: "MEMENTO_BANK_EMBEDDING_DIM",
		apply:   func(cfg *Config, v any) { cfg.Bank.EmbeddingDim = v.(int) },
		extract: func(cfg Config) any { return cfg.Bank.EmbeddingDim },
	},
	{
		key: "reflection.backlog_threshold", typ: kInt, env: "MEMENTO_REFLECTION_BACKLOG_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Reflection.BacklogThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Reflection.BacklogThreshold },
	},
	{
		key: "reflection.suggestions_per_minute", typ: kInt, env: "MEMENTO_REFLECTION_SUGGESTIONS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Reflection.SuggestionsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Reflection.SuggestionsPerMinute },
	},
	{
		key: "scheduler.interval_minutes", typ: kInt, env: "MEMENTO_SCHEDULER_INTERVAL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.IntervalMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.IntervalMinutes },
	},
	{
		key: "log.level", typ: kString, env: "MEMENTO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
