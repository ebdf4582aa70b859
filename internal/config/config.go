package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the retrieval agent.
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Prompts       PromptsConfig       `mapstructure:"prompts"`
	Agent         AgentConfig         `mapstructure:"agent"`
	ContextWindow ContextWindowConfig `mapstructure:"context_window"`
	Embeddings    EmbeddingsConfig    `mapstructure:"embeddings"`
	Vector        VectorConfig        `mapstructure:"vector"`
	KnowledgeBase KnowledgeBaseConfig `mapstructure:"knowledge_base"`
	CentralBank   CentralBankConfig   `mapstructure:"central_bank"`
	News          NewsConfig          `mapstructure:"news"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LLMConfig configures the chat completion endpoint (OpenRouter-compatible).
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Referer     string        `mapstructure:"referer"`
	Title       string        `mapstructure:"title"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`   // requests per second, 0 disables
	RateBurst   int           `mapstructure:"rate_burst"`
	Temperature float64       `mapstructure:"temperature"` // default when a call site passes none
	TopP        float64       `mapstructure:"top_p"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// PromptParams are per-call-site sampling parameters.
type PromptParams struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type PromptsConfig struct {
	Orchestrator  PromptParams `mapstructure:"orchestrator"`
	Fusion        PromptParams `mapstructure:"fusion"`
	Answer        PromptParams `mapstructure:"answer"`
	Clarification PromptParams `mapstructure:"clarification"`
}

// AgentConfig holds the orchestration knobs of the conversation engine.
type AgentConfig struct {
	MessagesLimit          int     `mapstructure:"messages_limit"`
	MaxContextChars        int     `mapstructure:"max_context_chars"`
	DefaultTopK            int     `mapstructure:"default_top_k"`
	DefaultScoreThreshold  float64 `mapstructure:"default_score_threshold"`
	UseQueryExpansion      bool    `mapstructure:"use_query_expansion"`
	RRFK                   int     `mapstructure:"rrf_k"`
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`
	OrchestratorHistoryTail int    `mapstructure:"orchestrator_history_tail"`
	ToolHistoryTail        int     `mapstructure:"tool_history_tail"`
	ClarificationsLimit    int     `mapstructure:"clarifications_limit"`
	MaxToolRetries         int     `mapstructure:"max_tool_retries"`
	MaxToolIterations      int     `mapstructure:"max_tool_iterations"`
	EnableParallelTools    bool    `mapstructure:"enable_parallel_tools"`
}

type ContextWindowConfig struct {
	TokenBudget    int `mapstructure:"token_budget"`
	ReservedOutput int `mapstructure:"reserved_output"`
	ReservedSystem int `mapstructure:"reserved_system"`
}

type EmbeddingsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	MaxLRU   int           `mapstructure:"max_lru"`
}

type VectorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Collection     string        `mapstructure:"collection"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TopK           int           `mapstructure:"top_k"`
}

type KnowledgeBaseConfig struct {
	Collection     string  `mapstructure:"collection"`
	OwnerID        int64   `mapstructure:"owner_id"`
	Limit          int     `mapstructure:"limit"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

type CentralBankConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type NewsConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	MaxDays  int           `mapstructure:"max_days"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads agent.yaml from CONFIG_PATH (or ./config/agent.yaml) with
// AGENT_* environment overrides. A missing file is not an error; defaults
// and the environment are enough to construct a working config.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/agent.yaml"
	}
	v.SetConfigFile(cfgPath)

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && fileExists(cfgPath) {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("llm.model", "qwen/qwen3-235b-a22b-2507")
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.top_p", 0.9)
	v.SetDefault("llm.max_tokens", 2048)

	v.SetDefault("prompts.orchestrator.temperature", 0.0)
	v.SetDefault("prompts.orchestrator.top_p", 0.9)
	v.SetDefault("prompts.orchestrator.max_tokens", 600)
	v.SetDefault("prompts.fusion.temperature", 0.3)
	v.SetDefault("prompts.fusion.top_p", 0.9)
	v.SetDefault("prompts.fusion.max_tokens", 500)
	v.SetDefault("prompts.answer.temperature", 0.2)
	v.SetDefault("prompts.answer.top_p", 0.9)
	v.SetDefault("prompts.answer.max_tokens", 2048)
	v.SetDefault("prompts.clarification.temperature", 0.4)
	v.SetDefault("prompts.clarification.top_p", 0.9)
	v.SetDefault("prompts.clarification.max_tokens", 400)

	v.SetDefault("agent.messages_limit", 20)
	v.SetDefault("agent.max_context_chars", 60000)
	v.SetDefault("agent.default_top_k", 8)
	v.SetDefault("agent.default_score_threshold", 0.3)
	v.SetDefault("agent.use_query_expansion", true)
	v.SetDefault("agent.rrf_k", 60)
	v.SetDefault("agent.confidence_threshold", 0.75)
	v.SetDefault("agent.orchestrator_history_tail", 5)
	v.SetDefault("agent.tool_history_tail", 5)
	v.SetDefault("agent.clarifications_limit", 3)
	v.SetDefault("agent.max_tool_retries", 2)
	v.SetDefault("agent.max_tool_iterations", 10)
	v.SetDefault("agent.enable_parallel_tools", true)

	v.SetDefault("context_window.token_budget", 180000)
	v.SetDefault("context_window.reserved_output", 4000)
	v.SetDefault("context_window.reserved_system", 2000)

	v.SetDefault("embeddings.enabled", true)
	v.SetDefault("embeddings.base_url", "https://openrouter.ai/api/v1/embeddings")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", "5s")
	v.SetDefault("embeddings.cache_ttl", "1h")
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("vector.enabled", true)
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6333)
	v.SetDefault("vector.collection", "document_chunks")
	v.SetDefault("vector.timeout", "5s")
	v.SetDefault("vector.top_k", 8)

	v.SetDefault("knowledge_base.collection", "knowledge_base")
	v.SetDefault("knowledge_base.owner_id", 0)
	v.SetDefault("knowledge_base.limit", 5)
	v.SetDefault("knowledge_base.score_threshold", 0.35)

	v.SetDefault("central_bank.base_url", "")
	v.SetDefault("central_bank.timeout", "10s")
	v.SetDefault("central_bank.cache_ttl", "15m")

	v.SetDefault("news.base_url", "https://api.tavily.com/search")
	v.SetDefault("news.timeout", "8s")
	v.SetDefault("news.cache_ttl", "5m")
	v.SetDefault("news.max_days", 30)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "ragagent")
	v.SetDefault("postgres.password", "ragagent")
	v.SetDefault("postgres.database", "ragagent")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}
