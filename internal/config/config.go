package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Identity IdentityConfig `mapstructure:"identity"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	QA       QAConfig       `mapstructure:"qa"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// ServiceConfig contains listener settings
type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	GRPCHealthPort  int           `mapstructure:"grpc_health_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ConfigDir       string        `mapstructure:"config_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SourcesConfig controls dataset acquisition.
type SourcesConfig struct {
	BaseURL             string                   `mapstructure:"base_url"`
	AppToken            string                   `mapstructure:"app_token"`
	AgentTimeout        time.Duration            `mapstructure:"agent_timeout"`
	AcquisitionDeadline time.Duration            `mapstructure:"acquisition_deadline"`
	MaxConcurrency      int                      `mapstructure:"max_concurrency"`
	MaxRetries          int                      `mapstructure:"max_retries"`
	SearchRadiusMeters  int                      `mapstructure:"search_radius_meters"`
	RecordSampleSize    int                      `mapstructure:"record_sample_size"`
	RowLimit            int                      `mapstructure:"row_limit"`
	CacheTTL            time.Duration            `mapstructure:"cache_ttl"`
	StaleTTL            time.Duration            `mapstructure:"stale_ttl"`
	FreshnessMaxAge     time.Duration            `mapstructure:"freshness_max_age"`
	Datasets            map[string]string        `mapstructure:"datasets"`
	FreshnessOverrides  map[string]time.Duration `mapstructure:"freshness_overrides"`
}

// IdentityConfig controls entity resolution.
type IdentityConfig struct {
	MatchThreshold float64 `mapstructure:"match_threshold"`
	TieMargin      float64 `mapstructure:"tie_margin"`
	NameWeight     float64 `mapstructure:"name_weight"`
	AddressWeight  float64 `mapstructure:"address_weight"`
	GeoWeight      float64 `mapstructure:"geo_weight"`
	MaxCandidates  int     `mapstructure:"max_candidates"`
}

// ScoringConfig points at the risk model definition.
type ScoringConfig struct {
	ModelPath string `mapstructure:"model_path"`
}

// EvidenceConfig bounds the evidence pack.
type EvidenceConfig struct {
	MaxItems     int `mapstructure:"max_items"`
	MaxChars     int `mapstructure:"max_chars"`
	MaxItemChars int `mapstructure:"max_item_chars"`
}

// LLMConfig selects and tunes the language model backend.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// StrategyConfig controls draft generation.
type StrategyConfig struct {
	// MaxAttempts counts the initial call plus repair retries.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Explain adds a plain-language explanation of the score to each case.
	Explain bool `mapstructure:"explain"`
}

// QAConfig controls the acceptance gate.
type QAConfig struct {
	CoverageThreshold float64 `mapstructure:"coverage_threshold"`
	MaxRetries        int     `mapstructure:"max_retries"`
}

// PolicyConfig contains the declarative policy layer settings
type PolicyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Mode       string        `mapstructure:"mode"`
	Path       string        `mapstructure:"path"`
	FailClosed bool          `mapstructure:"fail_closed"`
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig selects the case store. An empty driver keeps cases in memory.
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
	WriteQueueSize int    `mapstructure:"write_queue_size"`
	WriteWorkers   int    `mapstructure:"write_workers"`
}

// RedisConfig configures the dataset response cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TemporalConfig contains Temporal workflow settings
type TemporalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	HostPort  string        `mapstructure:"host_port"`
	Namespace string        `mapstructure:"namespace"`
	TaskQueue string        `mapstructure:"task_queue"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// AuthConfig contains API authentication settings
type AuthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	Issuer       string        `mapstructure:"issuer"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	APIKeyHashes []string      `mapstructure:"api_key_hashes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			HTTPPort:        8080,
			MetricsPort:     2112,
			GRPCHealthPort:  50051,
			GracefulTimeout: 15 * time.Second,
			ConfigDir:       "config",
		},
		Logging: LoggingConfig{Level: "info"},
		Sources: SourcesConfig{
			BaseURL:             "https://data.sfgov.org",
			AgentTimeout:        8 * time.Second,
			AcquisitionDeadline: 20 * time.Second,
			MaxConcurrency:      4,
			MaxRetries:          3,
			SearchRadiusMeters:  100,
			RecordSampleSize:    3,
			RowLimit:            1000,
			CacheTTL:            6 * time.Hour,
			StaleTTL:            72 * time.Hour,
			FreshnessMaxAge:     168 * time.Hour,
		},
		Identity: IdentityConfig{
			MatchThreshold: 0.6,
			TieMargin:      0.05,
			NameWeight:     0.4,
			AddressWeight:  0.4,
			GeoWeight:      0.2,
			MaxCandidates:  10,
		},
		Scoring:  ScoringConfig{ModelPath: "config/risk_model.yaml"},
		Evidence: EvidenceConfig{MaxItems: 20, MaxChars: 4000, MaxItemChars: 300},
		LLM: LLMConfig{
			Provider:    "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   3000,
			CallTimeout: 45 * time.Second,
		},
		Strategy: StrategyConfig{MaxAttempts: 2, Explain: true},
		QA:       QAConfig{CoverageThreshold: 0.95, MaxRetries: 2},
		Policy: PolicyConfig{
			Enabled:   true,
			Mode:      "enforce",
			Path:      "config/policies",
			CacheSize: 256,
			CacheTTL:  5 * time.Minute,
		},
		Database: DatabaseConfig{
			Port:           5432,
			SSLMode:        "disable",
			MaxConnections: 10,
			WriteQueueSize: 256,
			WriteWorkers:   2,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Temporal: TemporalConfig{HostPort: "localhost:7233", Namespace: "default", TaskQueue: "riskcase", Timeout: 5 * time.Minute},
		Tracing:  TracingConfig{ServiceName: "riskcase", OTLPEndpoint: "localhost:4317"},
		Auth:     AuthConfig{Issuer: "riskcase", TokenTTL: time.Hour},
	}
}

// Load reads the YAML file at path (or RISKCASE_CONFIG_PATH) over the
// defaults. RISKCASE_<SECTION>_<KEY> environment variables win over both.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RISKCASE_CONFIG_PATH")
	}

	v := viper.New()
	v.SetEnvPrefix("RISKCASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
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

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.http_port", d.Service.HTTPPort)
	v.SetDefault("service.metrics_port", d.Service.MetricsPort)
	v.SetDefault("service.grpc_health_port", d.Service.GRPCHealthPort)
	v.SetDefault("service.graceful_timeout", d.Service.GracefulTimeout)
	v.SetDefault("service.config_dir", d.Service.ConfigDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("sources.base_url", d.Sources.BaseURL)
	v.SetDefault("sources.app_token", d.Sources.AppToken)
	v.SetDefault("sources.agent_timeout", d.Sources.AgentTimeout)
	v.SetDefault("sources.acquisition_deadline", d.Sources.AcquisitionDeadline)
	v.SetDefault("sources.max_concurrency", d.Sources.MaxConcurrency)
	v.SetDefault("sources.max_retries", d.Sources.MaxRetries)
	v.SetDefault("sources.search_radius_meters", d.Sources.SearchRadiusMeters)
	v.SetDefault("sources.record_sample_size", d.Sources.RecordSampleSize)
	v.SetDefault("sources.row_limit", d.Sources.RowLimit)
	v.SetDefault("sources.cache_ttl", d.Sources.CacheTTL)
	v.SetDefault("sources.stale_ttl", d.Sources.StaleTTL)
	v.SetDefault("sources.freshness_max_age", d.Sources.FreshnessMaxAge)

	v.SetDefault("identity.match_threshold", d.Identity.MatchThreshold)
	v.SetDefault("identity.tie_margin", d.Identity.TieMargin)
	v.SetDefault("identity.name_weight", d.Identity.NameWeight)
	v.SetDefault("identity.address_weight", d.Identity.AddressWeight)
	v.SetDefault("identity.geo_weight", d.Identity.GeoWeight)
	v.SetDefault("identity.max_candidates", d.Identity.MaxCandidates)

	v.SetDefault("scoring.model_path", d.Scoring.ModelPath)

	v.SetDefault("evidence.max_items", d.Evidence.MaxItems)
	v.SetDefault("evidence.max_chars", d.Evidence.MaxChars)
	v.SetDefault("evidence.max_item_chars", d.Evidence.MaxItemChars)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.endpoint", d.LLM.Endpoint)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.call_timeout", d.LLM.CallTimeout)

	v.SetDefault("strategy.max_attempts", d.Strategy.MaxAttempts)
	v.SetDefault("strategy.explain", d.Strategy.Explain)
	v.SetDefault("qa.coverage_threshold", d.QA.CoverageThreshold)
	v.SetDefault("qa.max_retries", d.QA.MaxRetries)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.mode", d.Policy.Mode)
	v.SetDefault("policy.path", d.Policy.Path)
	v.SetDefault("policy.fail_closed", d.Policy.FailClosed)
	v.SetDefault("policy.cache_size", d.Policy.CacheSize)
	v.SetDefault("policy.cache_ttl", d.Policy.CacheTTL)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.ssl_mode", d.Database.SSLMode)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.write_queue_size", d.Database.WriteQueueSize)
	v.SetDefault("database.write_workers", d.Database.WriteWorkers)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("temporal.enabled", d.Temporal.Enabled)
	v.SetDefault("temporal.host_port", d.Temporal.HostPort)
	v.SetDefault("temporal.namespace", d.Temporal.Namespace)
	v.SetDefault("temporal.task_queue", d.Temporal.TaskQueue)
	v.SetDefault("temporal.timeout", d.Temporal.Timeout)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)

	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.api_key_hashes", d.Auth.APIKeyHashes)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Identity.MatchThreshold < 0 || c.Identity.MatchThreshold > 1:
		return fmt.Errorf("identity.match_threshold must be within [0,1], got %v", c.Identity.MatchThreshold)
	case c.Identity.TieMargin < 0:
		return fmt.Errorf("identity.tie_margin must not be negative")
	case c.QA.CoverageThreshold <= 0 || c.QA.CoverageThreshold > 1:
		return fmt.Errorf("qa.coverage_threshold must be within (0,1], got %v", c.QA.CoverageThreshold)
	case c.QA.MaxRetries < 0:
		return fmt.Errorf("qa.max_retries must not be negative")
	case c.Strategy.MaxAttempts < 1:
		return fmt.Errorf("strategy.max_attempts must be at least 1")
	case c.Sources.MaxConcurrency < 1:
		return fmt.Errorf("sources.max_concurrency must be at least 1")
	case c.Sources.AgentTimeout <= 0 || c.Sources.AcquisitionDeadline <= 0:
		return fmt.Errorf("sources timeouts must be positive")
	case c.Evidence.MaxItems < 1 || c.Evidence.MaxChars < 1:
		return fmt.Errorf("evidence limits must be positive")
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run or enforce, got %q", c.Policy.Mode)
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite3, got %q", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth is enabled but neither auth.jwt_secret nor auth.api_key_hashes is set")
	}
	return nil
}

// DatabaseDSN builds the connection string for the configured driver.
func (d DatabaseConfig) DatabaseDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Driver == "sqlite3" {
		if d.Name == "" {
			return "file:riskcase.db?_foreign_keys=on"
		}
		return d.Name
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}
