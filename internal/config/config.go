package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFile  = "config.yaml"
	secretsFile = ".secrets"
	promptFile  = "prompt.yaml"

	// Transport names accepted by stream.transport.
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config application configuration structure
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Stream    StreamConfig    `yaml:"stream"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	History   HistoryConfig   `yaml:"history"`
	Batcher   BatcherConfig   `yaml:"batcher"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Dir is the directory the configuration was loaded from.
	Dir string `yaml:"-"`
}

// ModelConfig completion model used for fact extraction
type ModelConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// StreamConfig streaming chat endpoint
type StreamConfig struct {
	Transport          string `yaml:"transport"`
	URL                string `yaml:"url"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
}

// EmbeddingConfig embedding endpoint. Empty base_url and api_key fall back
// to the model's.
type EmbeddingConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MemoryConfig long-term memory
type MemoryConfig struct {
	Enabled            bool    `yaml:"enabled"`
	DBPath             string  `yaml:"db_path"`
	SearchThreshold    float64 `yaml:"search_threshold"`
	ContextThreshold   float64 `yaml:"context_threshold"`
	SearchLimit        int     `yaml:"search_limit"`
	MaxContextMemories int     `yaml:"max_context_memories"`
	ContextTimeoutMS   int     `yaml:"context_timeout_ms"`
	EmbedConcurrency   int     `yaml:"embed_concurrency"`
}

// HistoryConfig conversation history
type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
}

// BatcherConfig token batching
type BatcherConfig struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// LogConfig logging
type LogConfig struct {
	Level   string `yaml:"level"`
	MaxDays int    `yaml:"max_days"`
	Console bool   `yaml:"console"`
}

// MetricsConfig Prometheus endpoint. An empty addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultDir returns ~/.mnemo, or .mnemo when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnemo"
	}
	return filepath.Join(home, ".mnemo")
}

// DefaultConfig returns default configuration rooted at dir
func DefaultConfig(dir string) *Config {
	return &Config{
		Model: ModelConfig{
			BaseURL:        "https://api.openai.com",
			Model:          "gpt-4o-mini",
			Temperature:    0.2,
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Stream: StreamConfig{
			Transport:          TransportSSE,
			URL:                "https://api.openai.com/v1/chat/stream",
			TimeoutSeconds:     300,
			MaxHistoryMessages: 20,
		},
		Embedding: EmbeddingConfig{
			Model:          "text-embedding-3-small",
			TimeoutSeconds: 15,
		},
		Memory: MemoryConfig{
			Enabled:            true,
			DBPath:             filepath.Join(dir, "memory.db"),
			SearchThreshold:    0.7,
			ContextThreshold:   0.5,
			SearchLimit:        10,
			MaxContextMemories: 5,
			ContextTimeoutMS:   500,
			EmbedConcurrency:   4,
		},
		History: HistoryConfig{
			DBPath: filepath.Join(dir, "history.db"),
		},
		Batcher: BatcherConfig{
			BatchSize:       8,
			FlushIntervalMS: 50,
		},
		Log: LogConfig{
			Level:   "info",
			MaxDays: 7,
		},
		Dir: dir,
	}
}

// Path returns the configuration file path in dir
func Path(dir string) string {
	return filepath.Join(dir, configFile)
}

// LogDir returns the log directory
func (c *Config) LogDir() string {
	return filepath.Join(c.Dir, "logs")
}

// Load reads dir/config.yaml, creating it with defaults on first run, and
// merges API keys from the environment and dir/.secrets.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	cfg := DefaultConfig(dir)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Dir = dir
	}

	secrets, err := LoadSecrets(dir)
	if err != nil {
		return nil, err
	}
	cfg.applySecrets(secrets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySecrets fills keys the config file leaves empty. The embedding key
// falls back to the model key.
func (c *Config) applySecrets(s *Secrets) {
	if c.Model.APIKey == "" {
		c.Model.APIKey = s.Lookup(EnvAPIKey)
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = s.Lookup(EnvEmbeddingAPIKey)
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.Model.APIKey
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = c.Model.BaseURL
	}
}

// Save writes cfg to cfg.Dir/config.yaml. API keys are not written; they
// belong in .secrets or the environment.
func Save(cfg *Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *cfg
	out.Model.APIKey = ""
	out.Embedding.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	content := "# mnemo configuration\n# API keys go in .secrets (MNEMO_API_KEY, MNEMO_EMBEDDING_API_KEY)\n\n" + string(data)
	if err := os.WriteFile(Path(cfg.Dir), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Model.BaseURL == "" {
		return fmt.Errorf("config error: model.base_url cannot be empty")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("config error: model.model cannot be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config error: model.temperature must be between 0 and 2")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config error: model.max_tokens must be greater than 0")
	}
	if c.Model.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: model.timeout_seconds must be greater than 0")
	}

	switch strings.ToLower(c.Stream.Transport) {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("config error: stream.transport must be %q or %q, got %q", TransportSSE, TransportWebSocket, c.Stream.Transport)
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("config error: stream.url cannot be empty")
	}
	if c.Stream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: stream.timeout_seconds must be greater than 0")
	}
	if c.Stream.MaxHistoryMessages <= 0 {
		return fmt.Errorf("config error: stream.max_history_messages must be greater than 0")
	}

	if c.Embedding.Model == "" {
		return fmt.Errorf("config error: embedding.model cannot be empty")
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: embedding.timeout_seconds must be greater than 0")
	}

	if c.Memory.DBPath == "" {
		return fmt.Errorf("config error: memory.db_path cannot be empty")
	}
	if !inUnitRange(c.Memory.SearchThreshold) {
		return fmt.Errorf("config error: memory.search_threshold must be between 0 and 1")
	}
	if !inUnitRange(c.Memory.ContextThreshold) {
		return fmt.Errorf("config error: memory.context_threshold must be between 0 and 1")
	}
	if c.Memory.SearchLimit <= 0 {
		return fmt.Errorf("config error: memory.search_limit must be greater than 0")
	}
	if c.Memory.MaxContextMemories <= 0 {
		return fmt.Errorf("config error: memory.max_context_memories must be greater than 0")
	}
	if c.Memory.ContextTimeoutMS <= 0 {
		return fmt.Errorf("config error: memory.context_timeout_ms must be greater than 0")
	}
	if c.Memory.EmbedConcurrency <= 0 {
		return fmt.Errorf("config error: memory.embed_concurrency must be greater than 0")
	}

	if c.History.DBPath == "" {
		return fmt.Errorf("config error: history.db_path cannot be empty")
	}
	if c.Batcher.BatchSize <= 0 {
		return fmt.Errorf("config error: batcher.batch_size must be greater than 0")
	}
	if c.Batcher.FlushIntervalMS <= 0 {
		return fmt.Errorf("config error: batcher.flush_interval_ms must be greater than 0")
	}
	return nil
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// IsAPIKeyConfigured checks if the model API key is configured
func (c *Config) IsAPIKeyConfigured() bool {
	return c.Model.APIKey != ""
}

// Seconds converts a timeout_seconds style value.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a *_ms style value.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// String returns string representation of config (hides sensitive info)
func (c *Config) String() string {
	return fmt.Sprintf(`mnemo configuration (%s):
  Model:
    API Key: %s
    Base URL: %s
    Model: %s
    Temperature: %.1f
    Max Tokens: %d
  Stream:
    Transport: %s
    URL: %s
    Max History Messages: %d
  Embedding:
    API Key: %s
    Base URL: %s
    Model: %s
  Memory:
    Enabled: %v
    DB Path: %s
    Search Threshold: %.2f
    Context Threshold: %.2f
    Max Context Memories: %d
    Context Timeout: %dms
  History:
    DB Path: %s
  Log:
    Level: %s
    Max Days: %d
  Metrics:
    Addr: %s`,
		c.Dir,
		redactAPIKey(c.Model.APIKey),
		c.Model.BaseURL,
		c.Model.Model,
		c.Model.Temperature,
		c.Model.MaxTokens,
		c.Stream.Transport,
		c.Stream.URL,
		c.Stream.MaxHistoryMessages,
		redactAPIKey(c.Embedding.APIKey),
		c.Embedding.BaseURL,
		c.Embedding.Model,
		c.Memory.Enabled,
		c.Memory.DBPath,
		c.Memory.SearchThreshold,
		c.Memory.ContextThreshold,
		c.Memory.MaxContextMemories,
		c.Memory.ContextTimeoutMS,
		c.History.DBPath,
		c.Log.Level,
		c.Log.MaxDays,
		orDisabled(c.Metrics.Addr),
	)
}

func orDisabled(addr string) string {
	if addr == "" {
		return "(disabled)"
	}
	return addr
}

func redactAPIKey(value string) string {
	if value == "" {
		return "(not configured)"
	}
	if len(value) > 8 {
		return value[:8] + "..."
	}
	return "***"
}
