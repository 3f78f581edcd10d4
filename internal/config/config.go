// Package config handles sentinel agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from --config) is checked first by FindConfig; absent that,
// this is the fallback order: ./config.yaml, then
// ~/.config/sentinel/config.yaml, then /etc/sentinel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sentinel", "config.yaml"))
	}

	paths = append(paths, "/etc/sentinel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the full configuration for a sentinel agent instance.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"` // empty means stderr

	Model           ModelConfig           `yaml:"model"`
	Embeddings      EmbeddingsConfig      `yaml:"embeddings"`
	Memory          MemoryConfig          `yaml:"memory"`
	Persona         PersonaConfig         `yaml:"persona"`
	Security        SecurityConfig        `yaml:"security"`
	Ethics          EthicsConfig          `yaml:"ethics"`
	Correction      CorrectionConfig      `yaml:"correction"`
	Metawareness    MetawarenessConfig    `yaml:"metawareness"`
	Evaluation      EvaluationConfig      `yaml:"evaluation"`
	Validation      ValidationConfig      `yaml:"validation"`
	DevMonitor      DevMonitorConfig      `yaml:"devmonitor"`
	SelfImprovement SelfImprovementConfig `yaml:"self_improvement"`
	Periodic        PeriodicConfig        `yaml:"periodic"`
	Search          SearchConfig          `yaml:"search"`
	Transport       TransportConfig       `yaml:"transport"`
	Daemon          DaemonConfig          `yaml:"daemon"`
	Dashboard       DashboardConfig       `yaml:"dashboard"`
	Usage           UsageConfig           `yaml:"usage"`
}

// ModelConfig selects and configures the generation backend.
type ModelConfig struct {
	Provider  string `yaml:"provider"` // "ollama" or "anthropic"
	Name      string `yaml:"name"`
	OllamaURL string `yaml:"ollama_url"`
	APIKey    string `yaml:"api_key"` // Anthropic API key
}

// Configured reports whether enough is present for Provider to build a
// client.
func (c ModelConfig) Configured() bool {
	switch c.Provider {
	case "anthropic":
		return c.APIKey != ""
	default:
		return c.OllamaURL != ""
	}
}

// EmbeddingsConfig configures the embedding client used to vectorize
// messages for recall.
type EmbeddingsConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// MemoryConfig selects and sizes the vector store backing interaction
// and reflection recall.
type MemoryConfig struct {
	Backend               string `yaml:"backend"` // "memory" or "qdrant"
	QdrantDSN             string `yaml:"qdrant_dsn"`
	QdrantDimension       int    `yaml:"qdrant_dimension"`
	ConversationQueueSize int    `yaml:"conversation_queue_size"`
}

// PersonaConfig configures where and how often the persona's evolving
// self-model is snapshotted.
type PersonaConfig struct {
	SnapshotPath     string        `yaml:"snapshot_path"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	ChangesThreshold int           `yaml:"changes_threshold"`
}

// SecurityConfig tunes the ingress/egress Security Gate.
type SecurityConfig struct {
	MaxConsecutiveRequests int           `yaml:"max_consecutive_requests"`
	RateWindow             time.Duration `yaml:"rate_window"`
	SecurityAlertThreshold int           `yaml:"security_alert_threshold"`
	SecurityLockoutTime    time.Duration `yaml:"security_lockout_time"`
	InputLengthLimit       int           `yaml:"input_length_limit"`
	SuspiciousPatterns     []string      `yaml:"suspicious_patterns"`
	HourlyAPIBudget        int           `yaml:"hourly_api_budget"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
}

// EthicsConfig tunes the Ethical Review stage's scoring thresholds.
type EthicsConfig struct {
	EthicalPass        float64 `yaml:"ethical_pass"`
	ModerateViolation  float64 `yaml:"moderate_violation"`
	MaxRewriteAttempts int     `yaml:"max_rewrite_attempts"`
	SafeFallbackText   string  `yaml:"safe_fallback_text"`
}

// CorrectionConfig tunes the Correction component's retry and
// checkpoint behavior.
type CorrectionConfig struct {
	MaxCorrectionAttempts int     `yaml:"max_correction_attempts"`
	CorrectionThreshold   float64 `yaml:"correction_threshold"`
	CheckpointDir         string  `yaml:"checkpoint_dir"`
}

// MetawarenessConfig tunes how often and how deeply the agent reflects
// on its own recent interactions.
type MetawarenessConfig struct {
	ReflectionFrequency int `yaml:"reflection_frequency"`
	ReflectionDepth     int `yaml:"reflection_depth"`
}

// EvaluationConfig tunes External Evaluation: periodic self-grading
// against a fixed rubric.
type EvaluationConfig struct {
	Criteria            []string      `yaml:"criteria"`
	Scale               float64       `yaml:"scale"`
	Threshold           float64       `yaml:"threshold"`
	EvaluationFrequency time.Duration `yaml:"evaluation_frequency"`
}

// ValidationConfig tunes External Validation: a scenario battery
// scored against per-metric thresholds.
type ValidationConfig struct {
	MetricThresholds map[string]float64 `yaml:"metric_thresholds"`
}

// DevMonitorConfig tunes the developmental monitor that watches the
// agent's own behavior metrics for anomalies over time.
type DevMonitorConfig struct {
	DBPath              string             `yaml:"db_path"`
	RecordHistoryLength int                `yaml:"record_history_length"`
	AlertHistoryLength  int                `yaml:"alert_history_length"`
	AlertThresholds     map[string]float64 `yaml:"alert_thresholds"`
}

// SelfImprovementConfig points at the durable history backing the
// self-improvement experiment queue.
type SelfImprovementConfig struct {
	HistoryPath string `yaml:"history_path"`
}

// PeriodicConfig tunes the Periodic Tasks faculty: how often it fires
// and how each of its scheduled activities is paced.
type PeriodicConfig struct {
	TickInterval              time.Duration `yaml:"tick_interval"`
	PeriodicEvery             int           `yaml:"periodic_every"`
	DefaultTopics             []string      `yaml:"default_topics"`
	InitProbability           float64       `yaml:"init_probability"`
	MinTimeBetweenInitiations time.Duration `yaml:"min_time_between_initiations"`
	MaxDailyInitiations       int           `yaml:"max_daily_initiations"`
	ImprovementRunInterval    time.Duration `yaml:"improvement_run_interval"`
	DevMonitorInterval        time.Duration `yaml:"devmonitor_interval"`
	EthicalReflectionInterval time.Duration `yaml:"ethical_reflection_interval"`
	DiscoveryBatchMin         int           `yaml:"discovery_batch_min"`
	DiscoveryBatchMax         int           `yaml:"discovery_batch_max"`
	DiscoveryCap              int           `yaml:"discovery_cap"`
}

// SearchConfig selects the web search provider backing the agent's
// autonomous discovery activity.
type SearchConfig struct {
	Primary        string `yaml:"primary"` // "brave" or "searxng"
	BraveAPIKey    string `yaml:"brave_api_key"`
	SearXNGBaseURL string `yaml:"searxng_base_url"`
}

// TransportConfig selects the conversational channel the agent polls
// for inbound messages and delivers replies over.
type TransportConfig struct {
	Platform      string `yaml:"platform"` // "console", "signal", or "telegram"
	TelegramToken string `yaml:"telegram_token"`
	SignalCommand string `yaml:"signal_command"`
	SignalAccount string `yaml:"signal_account"`
}

// Configured reports whether enough is present for Platform to build a
// transport.
func (c TransportConfig) Configured() bool {
	switch c.Platform {
	case "telegram":
		return c.TelegramToken != ""
	case "signal":
		return c.SignalCommand != "" && c.SignalAccount != ""
	default:
		return true // console needs nothing
	}
}

// DaemonConfig controls background process lifecycle management.
type DaemonConfig struct {
	PIDFile         string        `yaml:"pid_file"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// DashboardConfig is accepted but currently inert: a web dashboard is
// not part of this agent's scope, but the flags and config fields are
// kept so an operator's existing config file does not break.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PricingEntry prices one model's token usage in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// UsageConfig points at the durable token/cost ledger and the per-model
// pricing table used to cost each recorded interaction. Models absent
// from Pricing (e.g. local Ollama models) are treated as free.
type UsageConfig struct {
	DBPath  string                  `yaml:"db_path"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${ANTHROPIC_API_KEY}). This is
	// a convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Model.Provider == "" {
		c.Model.Provider = "ollama"
	}
	if c.Model.OllamaURL == "" {
		c.Model.OllamaURL = "http://localhost:11434"
	}
	if c.Model.Name == "" {
		c.Model.Name = "qwen2.5:14b"
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Model.OllamaURL
	}

	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Memory.QdrantDimension == 0 {
		c.Memory.QdrantDimension = 768
	}
	if c.Memory.ConversationQueueSize <= 0 {
		c.Memory.ConversationQueueSize = 5
	}

	if c.Persona.SnapshotPath == "" {
		c.Persona.SnapshotPath = filepath.Join(c.DataDir, "persona.json")
	}
	if c.Persona.AutosaveInterval <= 0 {
		c.Persona.AutosaveInterval = 10 * time.Minute
	}
	if c.Persona.ChangesThreshold <= 0 {
		c.Persona.ChangesThreshold = 5
	}

	if c.Security.RateWindow <= 0 {
		c.Security.RateWindow = time.Minute
	}
	if c.Security.CleanupInterval <= 0 {
		c.Security.CleanupInterval = 10 * time.Minute
	}
	if c.Security.InputLengthLimit <= 0 {
		c.Security.InputLengthLimit = 4000
	}
	if c.Security.SecurityAlertThreshold <= 0 {
		c.Security.SecurityAlertThreshold = 5
	}

	if c.Ethics.EthicalPass <= 0 {
		c.Ethics.EthicalPass = 0.8
	}
	if c.Ethics.ModerateViolation <= 0 {
		c.Ethics.ModerateViolation = 0.5
	}
	if c.Ethics.MaxRewriteAttempts <= 0 {
		c.Ethics.MaxRewriteAttempts = 1
	}
	if c.Ethics.SafeFallbackText == "" {
		c.Ethics.SafeFallbackText = "I'd rather not respond to that as phrased. Could you rephrase it?"
	}

	if c.Correction.MaxCorrectionAttempts <= 0 {
		c.Correction.MaxCorrectionAttempts = 3
	}
	if c.Correction.CheckpointDir == "" {
		c.Correction.CheckpointDir = filepath.Join(c.DataDir, "checkpoints")
	}

	if c.Metawareness.ReflectionFrequency <= 0 {
		c.Metawareness.ReflectionFrequency = 10
	}
	if c.Metawareness.ReflectionDepth <= 0 {
		c.Metawareness.ReflectionDepth = 5
	}

	if len(c.Evaluation.Criteria) == 0 {
		c.Evaluation.Criteria = []string{"helpfulness", "accuracy", "tone"}
	}
	if c.Evaluation.Scale <= 0 {
		c.Evaluation.Scale = 10
	}
	if c.Evaluation.Threshold <= 0 {
		c.Evaluation.Threshold = 0.7
	}
	if c.Evaluation.EvaluationFrequency <= 0 {
		c.Evaluation.EvaluationFrequency = 24 * time.Hour
	}

	if c.Validation.MetricThresholds == nil {
		c.Validation.MetricThresholds = map[string]float64{"safety": 0.7}
	}

	if c.DevMonitor.DBPath == "" {
		c.DevMonitor.DBPath = filepath.Join(c.DataDir, "devmonitor.db")
	}
	if c.DevMonitor.RecordHistoryLength <= 0 {
		c.DevMonitor.RecordHistoryLength = 100
	}
	if c.DevMonitor.AlertHistoryLength <= 0 {
		c.DevMonitor.AlertHistoryLength = 100
	}
	if c.DevMonitor.AlertThresholds == nil {
		c.DevMonitor.AlertThresholds = map[string]float64{}
	}

	if c.SelfImprovement.HistoryPath == "" {
		c.SelfImprovement.HistoryPath = filepath.Join(c.DataDir, "self_improvement_history.json")
	}

	if c.Periodic.TickInterval <= 0 {
		c.Periodic.TickInterval = time.Second
	}
	if c.Periodic.PeriodicEvery <= 0 {
		c.Periodic.PeriodicEvery = 60
	}
	if c.Periodic.ImprovementRunInterval <= 0 {
		c.Periodic.ImprovementRunInterval = 6 * time.Hour
	}
	if c.Periodic.DevMonitorInterval <= 0 {
		c.Periodic.DevMonitorInterval = time.Hour
	}
	if c.Periodic.EthicalReflectionInterval <= 0 {
		c.Periodic.EthicalReflectionInterval = 7 * 24 * time.Hour
	}
	if c.Periodic.MinTimeBetweenInitiations <= 0 {
		c.Periodic.MinTimeBetweenInitiations = time.Hour
	}
	if c.Periodic.MaxDailyInitiations <= 0 {
		c.Periodic.MaxDailyInitiations = 3
	}
	if c.Periodic.DiscoveryBatchMin <= 0 {
		c.Periodic.DiscoveryBatchMin = 3
	}
	if c.Periodic.DiscoveryBatchMax <= 0 {
		c.Periodic.DiscoveryBatchMax = 5
	}
	if c.Periodic.DiscoveryCap <= 0 {
		c.Periodic.DiscoveryCap = 50
	}

	if c.Search.Primary == "" {
		c.Search.Primary = "searxng"
	}
	if c.Search.Primary == "searxng" && c.Search.SearXNGBaseURL == "" {
		c.Search.SearXNGBaseURL = "http://localhost:8080"
	}

	if c.Transport.Platform == "" {
		c.Transport.Platform = "console"
	}

	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = filepath.Join(c.DataDir, "sentinel.pid")
	}
	if c.Daemon.GracefulTimeout <= 0 {
		c.Daemon.GracefulTimeout = 10 * time.Second
	}

	if c.Usage.DBPath == "" {
		c.Usage.DBPath = filepath.Join(c.DataDir, "usage.db")
	}
	if c.Usage.Pricing == nil {
		c.Usage.Pricing = map[string]PricingEntry{
			"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
			"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	switch c.Model.Provider {
	case "ollama", "anthropic":
	default:
		return fmt.Errorf("model.provider %q must be \"ollama\" or \"anthropic\"", c.Model.Provider)
	}
	if c.Model.Provider == "anthropic" && c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required when model.provider is \"anthropic\"")
	}

	switch c.Memory.Backend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("memory.backend %q must be \"memory\" or \"qdrant\"", c.Memory.Backend)
	}
	if c.Memory.Backend == "qdrant" && c.Memory.QdrantDSN == "" {
		return fmt.Errorf("memory.qdrant_dsn is required when memory.backend is \"qdrant\"")
	}

	if c.Ethics.ModerateViolation > c.Ethics.EthicalPass {
		return fmt.Errorf("ethics.moderate_violation (%v) must not exceed ethics.ethical_pass (%v)", c.Ethics.ModerateViolation, c.Ethics.EthicalPass)
	}

	switch c.Search.Primary {
	case "brave", "searxng":
	default:
		return fmt.Errorf("search.primary %q must be \"brave\" or \"searxng\"", c.Search.Primary)
	}
	if c.Search.Primary == "brave" && c.Search.BraveAPIKey == "" {
		return fmt.Errorf("search.brave_api_key is required when search.primary is \"brave\"")
	}
	if c.Search.Primary == "searxng" && c.Search.SearXNGBaseURL == "" {
		return fmt.Errorf("search.searxng_base_url is required when search.primary is \"searxng\"")
	}

	switch c.Transport.Platform {
	case "console", "signal", "telegram":
	default:
		return fmt.Errorf("transport.platform %q must be \"console\", \"signal\", or \"telegram\"", c.Transport.Platform)
	}
	if !c.Transport.Configured() {
		return fmt.Errorf("transport.platform %q is missing required credentials", c.Transport.Platform)
	}

	return nil
}

// Default returns a default configuration suitable for local
// development against a local Ollama instance and an in-memory vector
// store. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
