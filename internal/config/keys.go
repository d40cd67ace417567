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
		key: "server.port", typ: kInt, env: "IDEAS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "IDEAS_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IDEAS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "provider.embedder", typ: kString, env: "IDEAS_PROVIDER_EMBEDDER",
		apply:   func(cfg *Config, v any) { cfg.Provider.Embedder = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Embedder },
	},
	{
		key: "provider.summarizer", typ: kString, env: "IDEAS_PROVIDER_SUMMARIZER",
		apply:   func(cfg *Config, v any) { cfg.Provider.Summarizer = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Summarizer },
	},
	{
		key: "provider.openai_api_key", typ: kString, env: "IDEAS_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenAIAPIKey },
	},
	{
		key: "provider.anthropic_api_key", typ: kString, env: "IDEAS_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Provider.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AnthropicAPIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "IDEAS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "IDEAS_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "IDEAS_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "IDEAS_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.embed_model", typ: kString, env: "IDEAS_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "openai.chat_model", typ: kString, env: "IDEAS_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "anthropic.model", typ: kString, env: "IDEAS_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.Model },
	},
	{
		key: "vector.backend", typ: kString, env: "IDEAS_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.dimension", typ: kInt, env: "IDEAS_VECTOR_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Vector.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.Dimension },
	},
	{
		key: "embed.cache_size", typ: kInt, env: "IDEAS_EMBED_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embed.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.CacheSize },
	},
	{
		key: "queue.concurrency", typ: kInt, env: "IDEAS_QUEUE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Queue.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Concurrency },
	},
	{
		key: "queue.batch_size", typ: kInt, env: "IDEAS_QUEUE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.BatchSize },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "IDEAS_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.probe_interval", typ: kDuration, env: "IDEAS_QUEUE_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.ProbeInterval },
	},
	{
		key: "queue.backoff_base", typ: kDuration, env: "IDEAS_QUEUE_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffBase },
	},
	{
		key: "queue.backoff_cap", typ: kDuration, env: "IDEAS_QUEUE_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffCap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffCap },
	},
	{
		key: "queue.offline_strikes", typ: kInt, env: "IDEAS_QUEUE_OFFLINE_STRIKES",
		apply:   func(cfg *Config, v any) { cfg.Queue.OfflineStrikes = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.OfflineStrikes },
	},
	{
		key: "queue.call_timeout", typ: kDuration, env: "IDEAS_QUEUE_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.CallTimeout },
	},
	{
		key: "queue.reconcile_interval", typ: kDuration, env: "IDEAS_QUEUE_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.ReconcileInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.ReconcileInterval },
	},
	{
		key: "queue.failed_retention_days", typ: kInt, env: "IDEAS_QUEUE_FAILED_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Queue.FailedRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.FailedRetentionDays },
	},
	{
		key: "relations.threshold", typ: kFloat, env: "IDEAS_RELATIONS_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Relations.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Relations.Threshold },
	},
	{
		key: "relations.top_k", typ: kInt, env: "IDEAS_RELATIONS_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Relations.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Relations.TopK },
	},
	{
		key: "relations.bands", typ: kString, env: "IDEAS_RELATIONS_BANDS",
		apply:   func(cfg *Config, v any) { cfg.Relations.Bands = v.(string) },
		extract: func(cfg Config) any { return cfg.Relations.Bands },
	},
	{
		key: "log.level", typ: kString, env: "IDEAS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of a key.
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
