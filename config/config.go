// Package config loads the application configuration from YAML and
// QUORRA_ environment variables, with defaults for every knob.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Retriever    RetrieverConfig    `mapstructure:"retriever"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Research     ResearchConfig     `mapstructure:"research"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig tunes the HTTP facade.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig selects the durable backing. When Enabled is false the
// stores fall back to process-local memory.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig is one OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMConfig lists providers in failover order.
type LLMConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`
}

// RetrieverConfig tunes the hybrid retriever and its vector store.
type RetrieverConfig struct {
	PersistPath string         `mapstructure:"persist_path"`
	Collection  string         `mapstructure:"collection"`
	TopK        int            `mapstructure:"top_k"`
	UseHybrid   bool           `mapstructure:"use_hybrid"`
	UseRerank   bool           `mapstructure:"use_rerank"`
	Embedding   ProviderConfig `mapstructure:"embedding"`
}

// GatewayConfig tunes circuit breaking and health probing.
type GatewayConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
}

// OrchestratorConfig tunes the actor runtime.
type OrchestratorConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxHistory     int           `mapstructure:"max_history"`
}

// ResearchConfig tunes the deep-research workflow.
type ResearchConfig struct {
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	TaskTTL    time.Duration `mapstructure:"task_ttl"`
}

// TelemetryConfig tunes logging and tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	LogLevel       string `mapstructure:"log_level"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("retriever.collection", "knowledge")
	v.SetDefault("retriever.top_k", 5)
	v.SetDefault("retriever.use_hybrid", true)
	v.SetDefault("retriever.use_rerank", false)

	v.SetDefault("gateway.failure_threshold", 5)
	v.SetDefault("gateway.recovery_timeout", time.Minute)
	v.SetDefault("gateway.health_interval", 30*time.Second)

	v.SetDefault("orchestrator.pool_size", 5)
	v.SetDefault("orchestrator.max_restarts", 3)
	v.SetDefault("orchestrator.request_timeout", time.Minute)
	v.SetDefault("orchestrator.max_history", 50)

	v.SetDefault("research.run_timeout", 10*time.Minute)
	v.SetDefault("research.task_ttl", 7*24*time.Hour)

	v.SetDefault("telemetry.service_name", "quorra")
	v.SetDefault("telemetry.log_level", "INFO")
	v.SetDefault("telemetry.tracing_enabled", true)
}

// Load reads the configuration. path may be empty; environment
// variables (QUORRA_SERVER_ADDR, QUORRA_REDIS_ADDR, ...) override the
// file, and defaults fill the rest.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUORRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
