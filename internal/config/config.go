// Package config loads Hearth's runtime configuration from environment
// variables, an optional .env overlay, and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// AnthropicPromptCacheConfig controls prompt-cache-control blocks on
// Anthropic requests.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cacheSystem"`
	CacheTools    bool `yaml:"cacheTools"`
	CacheMessages bool `yaml:"cacheMessages"`
}

// AnthropicConfig is the Provider Pool's Anthropic backend configuration.
type AnthropicConfig struct {
	APIKey      string                     `yaml:"apiKey"`
	BaseURL     string                     `yaml:"baseUrl"`
	Model       string                     `yaml:"model"`
	ExtraParams map[string]any             `yaml:"extraParams"`
	PromptCache AnthropicPromptCacheConfig `yaml:"promptCache"`
}

// OpenAIConfig is the Provider Pool's OpenAI-compatible backend configuration.
type OpenAIConfig struct {
	APIKey      string         `yaml:"apiKey"`
	BaseURL     string         `yaml:"baseUrl"`
	Model       string         `yaml:"model"`
	API         string         `yaml:"api"` // "chat" (default) or "responses"
	ExtraParams map[string]any `yaml:"extraParams"`
	LogPayloads bool           `yaml:"logPayloads"`
}

// GoogleConfig is the Provider Pool's Google Gemini backend configuration.
type GoogleConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeoutSeconds"`
}

// LLMClientConfig names which provider backs each tier candidate plus the
// credentials for every backend the router may reach for.
type LLMClientConfig struct {
	Provider  string          `yaml:"provider"` // default provider if a tier entry doesn't name one
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Google    GoogleConfig    `yaml:"google"`
}

// TierConfig is a tier's ordered candidate model list, "cheapest capable
// first" per spec.md §4.4.
type TierConfig struct {
	Models []string `yaml:"models"` // "provider/model" entries
}

// RouterConfig holds the tier → candidate-model tables.
type RouterConfig struct {
	Tiers map[string]TierConfig `yaml:"tiers"`
}

// BudgetConfig configures the Usage Ledger's spend caps.
type BudgetConfig struct {
	DailyLimit   float64 `yaml:"dailyLimit"`
	MonthlyLimit float64 `yaml:"monthlyLimit"`
	WarningPct   float64 `yaml:"warningPct"`
	Backend      string  `yaml:"backend"` // "memory" | "postgres"; blank is "memory"
	DSN          string  `yaml:"dsn"`      // used only when Backend is "postgres"
}

// AgentConfig bounds the Agent Loop.
type AgentConfig struct {
	MaxIterations int    `yaml:"maxIterations"`
	ToolTimeoutMs int    `yaml:"toolTimeoutMs"`
	Workspace     string `yaml:"workspace"`
	SessionDir    string `yaml:"sessionDir"`
}

// MemoryConfig tunes the Hybrid Memory Store.
type MemoryConfig struct {
	EmbedderName             string  `yaml:"embedderName"`
	HotWindowSize            int     `yaml:"hotWindowSize"`
	MaxContextTokens         int     `yaml:"maxContextTokens"`
	RerankMaxCandidates      int     `yaml:"rerankMaxCandidates"`
	DecayHalfLifeDays        float64 `yaml:"decayHalfLifeDays"`
	FusionMaxClustersPerRun  int     `yaml:"fusionMaxClustersPerRun"`
	ArchivalUtilityThreshold float64 `yaml:"archivalUtilityThreshold"`
	ArchivalMinAgeDays       float64 `yaml:"archivalMinAgeDays"`
	DedupeThreshold          float64 `yaml:"dedupeThreshold"`
}

// GardenerConfig sets the Gardener's tick cadences.
type GardenerConfig struct {
	LightTickMs       int    `yaml:"lightTickMs"`
	DeepTickMs        int    `yaml:"deepTickMs"`
	DisableArchival   bool   `yaml:"disableArchival"`
	SessionMaxAgeDays int    `yaml:"sessionMaxAgeDays"`
	FusionMaxClusters int    `yaml:"fusionMaxClusters"`
	SummarizerProvider string `yaml:"summarizerProvider"` // used for fusion summaries and session summarization
	SummarizerModel    string `yaml:"summarizerModel"`
	SubAgentMaxAgeDays int    `yaml:"subAgentMaxAgeDays"`
	StuckSessionTimeoutMs int `yaml:"stuckSessionTimeoutMs"`
}

// ProactiveDialBudgets maps a proactiveness dial to a daily nudge cap.
type ProactiveDialBudgets struct {
	Conservative int `yaml:"conservative"`
	Moderate     int `yaml:"moderate"`
	Eager        int `yaml:"eager"`
}

// QuietHours is a daily window during which proactive sends are suppressed.
type QuietHours struct {
	Start int `yaml:"start"` // hour of day, 0-23
	End   int `yaml:"end"`
}

// ProactiveConfig tunes the Proactive Evaluator.
type ProactiveConfig struct {
	CooldownMs      int                  `yaml:"cooldownMs"`
	DialBudgets     ProactiveDialBudgets `yaml:"dialBudgets"`
	QuietHours      QuietHours           `yaml:"quietHours"`
	TriageProvider  string               `yaml:"triageProvider"`
	TriageModel     string               `yaml:"triageModel"`
	UnresolvedThreadWindowMs   int       `yaml:"unresolvedThreadWindowMs"`
	UnresolvedThreadMinMessages int      `yaml:"unresolvedThreadMinMessages"`
}

// ScheduleConfig tunes the Scheduled-Item Queue.
type ScheduleConfig struct {
	Backend          string `yaml:"backend"` // "memory" | "postgres"
	DSN              string `yaml:"dsn"`
	PollIntervalMs   int    `yaml:"pollIntervalMs"`
	SimilarityWindow int    `yaml:"similarityWindowMinutes"`
	RedisAddr        string `yaml:"redisAddr"` // optional due-item cache; blank disables it
	RedisDB          int    `yaml:"redisDb"`
	KafkaBrokers     []string `yaml:"kafkaBrokers"` // optional dispatch transport; empty disables it
	KafkaTopic       string   `yaml:"kafkaTopic"`
}

// DSNConfig is a single persisted-store's backend selection.
type DSNConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "postgres" | "qdrant" | "auto" | "none"
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
	Index      string `yaml:"index"`
}

// DBConfig selects persistence backends per concern; an unset Backend falls
// back to DefaultDSN's engine.
type DBConfig struct {
	DefaultDSN string    `yaml:"defaultDsn"`
	Search     DSNConfig `yaml:"search"`
	Vector     DSNConfig `yaml:"vector"`
	Graph      DSNConfig `yaml:"graph"`
	Chat       DSNConfig `yaml:"chat"`
}

// EmbeddingConfig is the embedding endpoint the Memory Store embeds through.
type EmbeddingConfig struct {
	BaseURL      string `yaml:"baseUrl"`
	Path         string `yaml:"path"`
	APIKey       string `yaml:"apiKey"`
	APIHeader    string `yaml:"apiHeader"` // "Authorization" or a raw header name
	Model        string `yaml:"model"`
	Timeout      int    `yaml:"timeoutSeconds"`
	Dimensions   int    `yaml:"dimensions"`
	EmbedPrefix  string `yaml:"embedPrefix"`  // prepended to content at write time (e5-style)
	SearchPrefix string `yaml:"searchPrefix"` // prepended to queries at search time
}

// ObsConfig configures OpenTelemetry exporters.
type ObsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion"`
	Environment    string `yaml:"environment"`
}

// Config is the root configuration for the Hearth core process.
type Config struct {
	LogLevel     string          `yaml:"logLevel"`
	SystemPrompt string          `yaml:"systemPrompt"`
	LLMClient    LLMClientConfig `yaml:"llmClient"`
	Router       RouterConfig    `yaml:"router"`
	Budget       BudgetConfig    `yaml:"budget"`
	Agent        AgentConfig     `yaml:"agent"`
	Memory       MemoryConfig    `yaml:"memory"`
	Gardener     GardenerConfig  `yaml:"gardener"`
	Proactive    ProactiveConfig `yaml:"proactive"`
	Schedule     ScheduleConfig  `yaml:"schedule"`
	DB           DBConfig        `yaml:"databases"`
	Embedding    EmbeddingConfig `yaml:"embedding"`
	Obs          ObsConfig       `yaml:"otel"`
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		Router: RouterConfig{Tiers: map[string]TierConfig{
			"trivial":  {Models: []string{"openai/gpt-4o-mini"}},
			"simple":   {Models: []string{"openai/gpt-4o-mini", "anthropic/claude-haiku-4-5"}},
			"moderate": {Models: []string{"anthropic/claude-haiku-4-5", "anthropic/claude-sonnet-4-5"}},
			"complex":  {Models: []string{"anthropic/claude-sonnet-4-5", "google/gemini-2.5-pro"}},
		}},
		Budget: BudgetConfig{WarningPct: 0.75},
		Agent: AgentConfig{
			MaxIterations: 20,
			ToolTimeoutMs: 120_000,
			Workspace:     "./workspace",
			SessionDir:    "./data/sessions",
		},
		Memory: MemoryConfig{
			HotWindowSize:           5,
			MaxContextTokens:        128_000,
			RerankMaxCandidates:     20,
			DecayHalfLifeDays:       30,
			FusionMaxClustersPerRun: 5,
			ArchivalUtilityThreshold: 0.1,
			ArchivalMinAgeDays:       14,
			DedupeThreshold:          0.92,
		},
		Gardener: GardenerConfig{
			LightTickMs:        5 * 60_000,
			DeepTickMs:         70 * 60_000,
			SessionMaxAgeDays:  30,
			FusionMaxClusters:  5,
			SummarizerProvider: "openai",
			SummarizerModel:    "openai/gpt-4o-mini",
			SubAgentMaxAgeDays: 7,
			StuckSessionTimeoutMs: 15 * 60_000,
		},
		Proactive: ProactiveConfig{
			CooldownMs:                  6 * 60 * 60_000,
			DialBudgets:                 ProactiveDialBudgets{Conservative: 1, Moderate: 3, Eager: 6},
			QuietHours:                  QuietHours{Start: 23, End: 7},
			TriageProvider:              "openai",
			TriageModel:                 "openai/gpt-4o-mini",
			UnresolvedThreadWindowMs:    6 * 60 * 60_000,
			UnresolvedThreadMinMessages: 3,
		},
		Schedule: ScheduleConfig{
			Backend:          "memory",
			PollIntervalMs:   30_000,
			SimilarityWindow: 60,
			KafkaTopic:       "hearth.scheduled-items",
		},
		DB: DBConfig{DefaultDSN: "memory"},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:11434/v1",
			Path:      "/embeddings",
			Model:     "nomic-embed-text",
			APIHeader: "Authorization",
			Timeout:   30,
			Dimensions: 768,
		},
		Obs: ObsConfig{ServiceName: "hearth", ServiceVersion: "dev"},
	}
}

// Load reads configuration from an optional YAML file (HEARTH_CONFIG, default
// "./hearth.yaml" if present) and then overlays environment variables
// (optionally from a .env file), following the teacher's env-overlay
// discipline: env always wins over the file so a deployment can override
// secrets without editing checked-in YAML.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	path := strings.TrimSpace(os.Getenv("HEARTH_CONFIG"))
	if path == "" {
		path = "./hearth.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Budget.WarningPct <= 0 {
		cfg.Budget.WarningPct = 0.75
	}
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 20
	}
	if cfg.Memory.HotWindowSize <= 0 {
		cfg.Memory.HotWindowSize = 5
	}

	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		cfg.LLMClient.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.LLMClient.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		cfg.LLMClient.Anthropic.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.LLMClient.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		cfg.LLMClient.OpenAI.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); v != "" {
		cfg.LLMClient.Google.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_MODEL")); v != "" {
		cfg.LLMClient.Google.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_HOST")); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DB.DefaultDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_BUDGET")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.DailyLimit = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("MONTHLY_BUDGET")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.MonthlyLimit = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Obs.OTLP = v
		cfg.Obs.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")); v != "" {
		cfg.SystemPrompt = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULE_DSN")); v != "" {
		cfg.Schedule.DSN = v
		cfg.Schedule.Backend = "postgres"
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULE_REDIS_ADDR")); v != "" {
		cfg.Schedule.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULE_KAFKA_BROKERS")); v != "" {
		cfg.Schedule.KafkaBrokers = strings.Split(v, ",")
	}
}

// ToolTimeout is a convenience accessor used by the Agent Loop.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}
