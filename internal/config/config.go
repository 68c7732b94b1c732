package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Engine   EngineConfig   `yaml:"engine"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	VectorSize int    `yaml:"vector_size"`
	Enabled    bool   `yaml:"enabled"`
}

type AIConfig struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	// MaxTokens per response length hint ("short", "medium", "long").
	MaxTokens map[string]int `yaml:"max_tokens"`
}

type EmbeddingConfig struct {
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// EngineConfig holds the turn engine's tuning constants. The defaults were
// chosen empirically and are kept as-is.
type EngineConfig struct {
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	StateTTL                time.Duration `yaml:"state_ttl"`
	CommitLockAttempts      int           `yaml:"commit_lock_attempts"`
	CommitLockBackoff       time.Duration `yaml:"commit_lock_backoff"`
	IndexConflictRetries    int           `yaml:"index_conflict_retries"`
	MaxMemosPerTurn         int           `yaml:"max_memos_per_turn"`
	EventLookbackTurns      int           `yaml:"event_lookback_turns"`
	SummaryLookbackChapters int           `yaml:"summary_lookback_chapters"`
	ChoiceCooldown          time.Duration `yaml:"choice_cooldown"`
	HistoryWindow           int           `yaml:"history_window"`
	MaxLoreNotes            int           `yaml:"max_lore_notes"`
	ContextCharBudget       int           `yaml:"context_char_budget"`
	RecapCharBudget         int           `yaml:"recap_char_budget"`
	ExcerptCharBudget       int           `yaml:"excerpt_char_budget"`
	CardCacheTTL            time.Duration `yaml:"card_cache_ttl"`
	ModelTimeout            time.Duration `yaml:"model_timeout"`
}

type PromptsConfig struct {
	// TemplateFile optionally overrides the built-in templates. Loaded once.
	TemplateFile string `yaml:"template_file"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Secrets are read from CHARCHAT_* environment variables and win over the file.
type Secrets struct {
	LLMAPIKey     string `envconfig:"LLM_API_KEY"`
	MySQLPassword string `envconfig:"MYSQL_PASSWORD"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	QdrantAPIKey  string `envconfig:"QDRANT_API_KEY"`
}

const envPrefix = "CHARCHAT"

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies env overrides and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var s Secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	if s.LLMAPIKey != "" {
		c.AI.LLM.APIKey = s.LLMAPIKey
		if c.AI.Embedding.APIKey == "" {
			c.AI.Embedding.APIKey = s.LLMAPIKey
		}
	}
	if s.MySQLPassword != "" {
		c.Database.MySQL.Password = s.MySQLPassword
	}
	if s.RedisPassword != "" {
		c.Database.Redis.Password = s.RedisPassword
	}
	if s.QdrantAPIKey != "" {
		c.Database.Qdrant.APIKey = s.QdrantAPIKey
	}
	return nil
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}

	if c.Database.Redis.Host == "" {
		c.Database.Redis.Host = "localhost"
	}
	if c.Database.Redis.Port == 0 {
		c.Database.Redis.Port = 6379
	}
	if c.Database.Redis.KeyPrefix == "" {
		c.Database.Redis.KeyPrefix = "charchat"
	}
	if c.Database.Qdrant.Host == "" {
		c.Database.Qdrant.Host = "localhost"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "lore_notes"
	}
	if c.Database.Qdrant.VectorSize == 0 {
		c.Database.Qdrant.VectorSize = 1536
	}

	if c.AI.LLM.Model == "" {
		c.AI.LLM.Model = "gpt-4o-mini"
	}
	if c.AI.LLM.Temperature == 0 {
		c.AI.LLM.Temperature = 0.8
	}
	if c.AI.LLM.Timeout == 0 {
		c.AI.LLM.Timeout = 90 * time.Second
	}
	if c.AI.LLM.MaxRetries == 0 {
		c.AI.LLM.MaxRetries = 3
	}
	if c.AI.LLM.MaxTokens == nil {
		c.AI.LLM.MaxTokens = map[string]int{"short": 400, "medium": 900, "long": 1600}
	}
	if c.AI.Embedding.Model == "" {
		c.AI.Embedding.Model = "text-embedding-3-small"
	}

	e := &c.Engine
	if e.LockTTL == 0 {
		e.LockTTL = 10 * time.Second
	}
	if e.StateTTL == 0 {
		e.StateTTL = 7 * 24 * time.Hour
	}
	if e.CommitLockAttempts == 0 {
		e.CommitLockAttempts = 5
	}
	if e.CommitLockBackoff == 0 {
		e.CommitLockBackoff = 50 * time.Millisecond
	}
	if e.IndexConflictRetries == 0 {
		e.IndexConflictRetries = 3
	}
	if e.MaxMemosPerTurn == 0 {
		e.MaxMemosPerTurn = 2
	}
	if e.SummaryLookbackChapters == 0 {
		e.SummaryLookbackChapters = 3
	}
	if e.ChoiceCooldown == 0 {
		e.ChoiceCooldown = 60 * time.Second
	}
	if e.HistoryWindow == 0 {
		e.HistoryWindow = 20
	}
	if e.MaxLoreNotes == 0 {
		e.MaxLoreNotes = 5
	}
	if e.ContextCharBudget == 0 {
		e.ContextCharBudget = 6000
	}
	if e.RecapCharBudget == 0 {
		e.RecapCharBudget = 1500
	}
	if e.ExcerptCharBudget == 0 {
		e.ExcerptCharBudget = 1200
	}
	if e.CardCacheTTL == 0 {
		e.CardCacheTTL = 30 * 24 * time.Hour
	}
	if e.ModelTimeout == 0 {
		e.ModelTimeout = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.LockTTL < time.Second {
		return fmt.Errorf("engine.lock_ttl must be at least 1s, got %s", c.Engine.LockTTL)
	}
	if c.Engine.EventLookbackTurns < 0 {
		return fmt.Errorf("engine.event_lookback_turns must not be negative")
	}
	if c.Engine.MaxMemosPerTurn < 0 {
		return fmt.Errorf("engine.max_memos_per_turn must not be negative")
	}
	return nil
}

// Default returns a config with every default applied, used by tests and the migrate command.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
