package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from YAML with
// SCHOLARMESH_* environment overrides.
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Fusion        FusionConfig        `mapstructure:"fusion"`
	Planner       PlannerConfig       `mapstructure:"planner"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	VectorDB      VectorDBConfig      `mapstructure:"vectordb"`
	Embeddings    EmbeddingsConfig    `mapstructure:"embeddings"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Connectors    []ConnectorConfig   `mapstructure:"connectors"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// OrchestrationConfig holds the scheduler and replan loop knobs. These are
// hot-reloadable via the config watcher.
type OrchestrationConfig struct {
	MaxRounds     int           `mapstructure:"max_rounds"`
	MaxRetries    int           `mapstructure:"max_retries"`
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	HistoryTurns  int           `mapstructure:"history_turns"`
	RetrievalRPM  int           `mapstructure:"retrieval_rpm"`
	StructuredRPM int           `mapstructure:"structured_rpm"`
	GenerationRPM int           `mapstructure:"generation_rpm"`
}

type FusionConfig struct {
	TopK int `mapstructure:"top_k"`
	// Priority orders source kinds for score tie-breaking, most trusted first.
	Priority []string `mapstructure:"priority"`
}

type PlannerConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type VectorDBConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	Collection     string  `mapstructure:"collection"`
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

type EmbeddingsConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
}

type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type ConnectorConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// Path resolves the config file location from CONFIG_PATH.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/app/config/scholarmesh.yaml"
}

// Load reads the config file at path, applying defaults and environment
// overrides. A missing file is not an error; defaults and env apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCHOLARMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scholarmesh-orchestrator")
	v.SetDefault("orchestration.max_rounds", 3)
	v.SetDefault("orchestration.max_retries", 2)
	v.SetDefault("orchestration.node_timeout", 30*time.Second)
	v.SetDefault("orchestration.task_timeout", 5*time.Minute)
	v.SetDefault("orchestration.history_turns", 5)
	v.SetDefault("fusion.top_k", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("vectordb.host", "localhost")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.collection", "paper_chunks")
	v.SetDefault("vectordb.top_k", 5)
	v.SetDefault("embeddings.base_url", "http://llm-service:8000")
	v.SetDefault("llm.base_url", "http://llm-service:8000")
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Orchestration.MaxRounds < 1 {
		return fmt.Errorf("orchestration.max_rounds must be at least 1, got %d", c.Orchestration.MaxRounds)
	}
	if c.Orchestration.MaxRetries < 0 {
		return fmt.Errorf("orchestration.max_retries must not be negative, got %d", c.Orchestration.MaxRetries)
	}
	if c.Orchestration.NodeTimeout <= 0 {
		return fmt.Errorf("orchestration.node_timeout must be positive")
	}
	if c.Orchestration.TaskTimeout < c.Orchestration.NodeTimeout {
		return fmt.Errorf("orchestration.task_timeout must not be below node_timeout")
	}
	if c.Fusion.TopK < 1 {
		return fmt.Errorf("fusion.top_k must be at least 1, got %d", c.Fusion.TopK)
	}
	for i, conn := range c.Connectors {
		if conn.Name == "" {
			return fmt.Errorf("connectors[%d] missing name", i)
		}
		if conn.BaseURL == "" {
			return fmt.Errorf("connector %q missing base_url", conn.Name)
		}
	}
	return nil
}
