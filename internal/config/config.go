package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admission AdmissionConfig `yaml:"admission"`
	Policy    PolicyConfig    `yaml:"policy"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Extractor ExtractorConfig `yaml:"extractor"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

type AdmissionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PolicyDir         string        `yaml:"policy_dir"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// PolicyConfig locates the model catalog and routing-rule documents. Source
// "local" reads files from disk and watches them for changes; "remote"
// fetches from S3 and refreshes on an interval.
type PolicyConfig struct {
	Source          string        `yaml:"source"`
	CatalogLocation string        `yaml:"catalog_location"`
	RulesetLocation string        `yaml:"ruleset_location"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Watch           bool          `yaml:"watch"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DispatchConfig is the retry and backoff policy for one dispatch cycle.
// Values are policy, supplied here rather than hardcoded anywhere.
type DispatchConfig struct {
	BaseDelayMs        int `yaml:"base_delay_ms"`
	MaxDelayMs         int `yaml:"max_delay_ms"`
	MaxRetriesPerModel int `yaml:"max_retries_per_model"`
}

func (d DispatchConfig) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelayMs) * time.Millisecond
}

func (d DispatchConfig) MaxDelay() time.Duration {
	return time.Duration(d.MaxDelayMs) * time.Millisecond
}

// ExtractorConfig tunes feature extraction. Ratios are chars-per-token, so
// a smaller ratio yields a larger (more conservative) token estimate.
type ExtractorConfig struct {
	EnglishCharsPerToken float64  `yaml:"english_chars_per_token"`
	DefaultCharsPerToken float64  `yaml:"default_chars_per_token"`
	DeepTokenThreshold   int      `yaml:"deep_token_threshold"`
	DeepKeywords         []string `yaml:"deep_keywords"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "rudder",
			User:            "rudder",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Admission: AdmissionConfig{
			Enabled:           false,
			PolicyDir:         "/etc/rudder/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Policy: PolicyConfig{
			Source:          "local",
			CatalogLocation: "models.json",
			RulesetLocation: "routing_rules.json",
			Watch:           true,
			RefreshInterval: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			BaseDelayMs:        200,
			MaxDelayMs:         5000,
			MaxRetriesPerModel: 2,
		},
		Extractor: ExtractorConfig{
			EnglishCharsPerToken: 4,
			DefaultCharsPerToken: 2,
			DeepTokenThreshold:   250,
			DeepKeywords:         []string{"explain in detail", "architecture"},
		},
	}
}
