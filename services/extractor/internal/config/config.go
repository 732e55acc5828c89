package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read from BALUNGPISAH_EXTRACTOR_CONFIG and defaults to config.yaml.
var ConfigPath = envOr("BALUNGPISAH_EXTRACTOR_CONFIG", "config.yaml")

const (
	DefaultWorkers             = 2
	DefaultPollInterval        = "5s"
	DefaultLeaseTimeout        = "5m"
	DefaultMaxRetries          = 3
	DefaultBackoffBase         = "30s"
	DefaultBackoffCap          = "30m"
	DefaultConfidenceThreshold = 0.7
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DatabaseURL       string   `yaml:"databaseURL"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"pollInterval"`
	LeaseTimeout string `yaml:"leaseTimeout"`
	MaxRetries   int    `yaml:"maxRetries"`
	BackoffBase  string `yaml:"backoffBase"`
	BackoffCap   string `yaml:"backoffCap"`

	GeneratorProvider   string  `yaml:"generatorProvider"`
	GeneratorBaseURL    string  `yaml:"generatorBaseURL"`
	GeneratorAPIKey     string  `yaml:"generatorAPIKey"`
	GeneratorModel      string  `yaml:"generatorModel"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`

	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	NotifyRedisStream  string `yaml:"notifyRedisStream"`
	NotifyAMQPURL      string `yaml:"notifyAmqpURL"`
	NotifyAMQPExchange string `yaml:"notifyAmqpExchange"`

	ServiceTokenPublicKeyPath string   `yaml:"serviceTokenPublicKeyPath"`
	ServiceTokenVerifyKeys    string   `yaml:"serviceTokenVerifyKeys"`
	ServiceTokenKeyID         string   `yaml:"serviceTokenKeyID"`
	ServiceTokenAudience      string   `yaml:"serviceTokenAudience"`
	ServiceTokenIssuers       []string `yaml:"serviceTokenIssuers"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("BALUNGPISAH_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BALUNGPISAH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BALUNGPISAH_EXTRACTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("BALUNGPISAH_GENERATOR_PROVIDER"); v != "" {
		cfg.GeneratorProvider = v
	}
	if v := os.Getenv("BALUNGPISAH_GENERATOR_BASE_URL"); v != "" {
		cfg.GeneratorBaseURL = v
	}
	if v := os.Getenv("BALUNGPISAH_GENERATOR_API_KEY"); v != "" {
		cfg.GeneratorAPIKey = v
	}
	if v := os.Getenv("BALUNGPISAH_GENERATOR_MODEL"); v != "" {
		cfg.GeneratorModel = v
	}
	if v := os.Getenv("BALUNGPISAH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("BALUNGPISAH_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BALUNGPISAH_NOTIFY_AMQP_URL"); v != "" {
		cfg.NotifyAMQPURL = v
	}
	if v := os.Getenv("BALUNGPISAH_SERVICE_TOKEN_VERIFY_KEYS"); v != "" {
		cfg.ServiceTokenVerifyKeys = v
	}
	if v := os.Getenv("BALUNGPISAH_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval == "" {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTimeout == "" {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase == "" {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap == "" {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.ServiceTokenAudience == "" {
		cfg.ServiceTokenAudience = "extractor"
	}
	if len(cfg.ServiceTokenIssuers) == 0 {
		cfg.ServiceTokenIssuers = []string{"balungpisahctl"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or BALUNGPISAH_DATABASE_URL)")
	}
	if cfg.GeneratorModel == "" {
		return errors.New("config: generatorModel is required (set in config.yaml or BALUNGPISAH_GENERATOR_MODEL)")
	}
	if cfg.Workers < 1 {
		return errors.New("config: workers must be >= 1")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("config: maxRetries must be >= 1")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return errors.New("config: confidenceThreshold must be between 0 and 1")
	}
	if cfg.NotifyRedisStream != "" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when notifyRedisStream is set")
	}
	if cfg.ServiceTokenPublicKeyPath == "" && cfg.ServiceTokenVerifyKeys == "" {
		return errors.New("config: serviceTokenPublicKeyPath or serviceTokenVerifyKeys is required for internal routes")
	}
	for name, raw := range map[string]string{
		"pollInterval": cfg.PollInterval,
		"leaseTimeout": cfg.LeaseTimeout,
		"backoffBase":  cfg.BackoffBase,
		"backoffCap":   cfg.BackoffCap,
	} {
		d, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if MustDuration(cfg.BackoffCap) < MustDuration(cfg.BackoffBase) {
		return errors.New("config: backoffCap must be >= backoffBase")
	}
	return nil
}

// ParseDuration parses an optional duration string. Empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// MustDuration is ParseDuration for values already checked by Load.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDuration(raw)
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
