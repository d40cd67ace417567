package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Vector    VectorConfig
	Embed     EmbedConfig
	Queue     QueueConfig
	Relations RelationsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	Embedder        string
	Summarizer      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type OpenAIConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type AnthropicConfig struct {
	Model string
}

type VectorConfig struct {
	Backend   string
	Dimension int
}

type EmbedConfig struct {
	CacheSize int
}

type QueueConfig struct {
	Concurrency         int
	BatchSize           int
	PollInterval        time.Duration
	ProbeInterval       time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	OfflineStrikes      int
	CallTimeout         time.Duration
	ReconcileInterval   time.Duration
	FailedRetentionDays int
}

// FailedRetention converts FailedRetentionDays; 0 keeps failed tasks forever.
func (q QueueConfig) FailedRetention() time.Duration {
	return time.Duration(q.FailedRetentionDays) * 24 * time.Hour
}

type RelationsConfig struct {
	Threshold float64
	TopK      int
	Bands     string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			Embedder:   "ollama",
			Summarizer: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "llama3.2",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-3-5-haiku-latest",
		},
		Vector: VectorConfig{
			Backend:   "sqlite",
			Dimension: 768,
		},
		Embed: EmbedConfig{
			CacheSize: 1024,
		},
		Queue: QueueConfig{
			Concurrency:         2,
			BatchSize:           4,
			PollInterval:        2 * time.Second,
			ProbeInterval:       30 * time.Second,
			BackoffBase:         5 * time.Second,
			BackoffCap:          10 * time.Minute,
			OfflineStrikes:      3,
			CallTimeout:         60 * time.Second,
			ReconcileInterval:   10 * time.Minute,
			FailedRetentionDays: 30,
		},
		Relations: RelationsConfig{
			Threshold: 0.7,
			TopK:      10,
			Bands:     "0.95:duplicate,0.8:similar,0:related",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in order: defaults, the YAML file at
// $XDG_CONFIG_HOME/ideas/config.yaml, environment variables (IDEAS_*).
// Secrets are read from the environment or from secrets.yaml in the data
// directory, never from the config file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), nil)
}

// secretSource abstracts the secrets file for testing.
type secretSource interface {
	Get(key string) (string, bool, error)
}

func loadWith(b ConfigBackend, secrets secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if secrets == nil {
		secrets = secretsFile{path: secretsFilePath(cfg.Storage.DataDir)}
	}
	if err := applySecrets(&cfg, secrets); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Vector.Backend {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("invalid vector.backend %q: want sqlite or chromem", cfg.Vector.Backend)
	}
	if cfg.Vector.Dimension <= 0 {
		return fmt.Errorf("invalid vector.dimension %d: must be positive", cfg.Vector.Dimension)
	}
	if cfg.Relations.Threshold < 0 || cfg.Relations.Threshold >= 1 {
		return fmt.Errorf("invalid relations.threshold %v: want a value in [0,1)", cfg.Relations.Threshold)
	}
	if cfg.Provider.Embedder == "openai" || cfg.Provider.Summarizer == "openai" {
		if cfg.Provider.OpenAIAPIKey == "" && cfg.OpenAI.BaseURL == defaults().OpenAI.BaseURL {
			return fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable IDEAS_OPENAI_API_KEY or the secrets file")
		}
	}
	if cfg.Provider.Summarizer == "anthropic" && cfg.Provider.AnthropicAPIKey == "" {
		return fmt.Errorf("missing required config: Anthropic API key. " +
			"Set it via environment variable IDEAS_ANTHROPIC_API_KEY or the secrets file")
	}
	return nil
}
