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

// ConfigPath is read from BALUNGPISAH_INTAKE_CONFIG and defaults to config.yaml.
var ConfigPath = envOr("BALUNGPISAH_INTAKE_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DatabaseURL       string   `yaml:"databaseURL"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	ChatBaseURL             string   `yaml:"chatBaseURL"`
	ChatAPIKey              string   `yaml:"chatAPIKey"`
	ChatModel               string   `yaml:"chatModel"`
	ChatMaxTokens           int      `yaml:"chatMaxTokens"`
	ChatTemperature         *float64 `yaml:"chatTemperature"`
	SystemPrompt            string   `yaml:"systemPrompt"`
	MaxToolIterations       int      `yaml:"maxToolIterations"`
	ToolTimeout             string   `yaml:"toolTimeout"`
	ConcurrentReadOnlyTools bool     `yaml:"concurrentReadOnlyTools"`
	Keepalive               string   `yaml:"keepalive"`

	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	ChatRateLimit  int    `yaml:"chatRateLimit"`
	ChatRateWindow string `yaml:"chatRateWindow"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignTTL     string `yaml:"presignTTL"`

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
	if v := os.Getenv("BALUNGPISAH_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("BALUNGPISAH_JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("BALUNGPISAH_JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("BALUNGPISAH_CHAT_BASE_URL"); v != "" {
		cfg.ChatBaseURL = v
	}
	if v := os.Getenv("BALUNGPISAH_CHAT_API_KEY"); v != "" {
		cfg.ChatAPIKey = v
	}
	if v := os.Getenv("BALUNGPISAH_CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv("BALUNGPISAH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("BALUNGPISAH_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BALUNGPISAH_CHAT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ChatRateLimit = n
		}
	}
	if v := os.Getenv("BALUNGPISAH_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("BALUNGPISAH_MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
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
	if v := os.Getenv("BALUNGPISAH_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.ChatRateWindow == "" {
		cfg.ChatRateWindow = "1m"
	}
	if cfg.ServiceTokenAudience == "" {
		cfg.ServiceTokenAudience = "intake"
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
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or BALUNGPISAH_AUTH_JWKS_URL)")
	}
	if cfg.ChatBaseURL == "" {
		return errors.New("config: chatBaseURL is required (set in config.yaml or BALUNGPISAH_CHAT_BASE_URL)")
	}
	if cfg.ChatModel == "" {
		return errors.New("config: chatModel is required (set in config.yaml or BALUNGPISAH_CHAT_MODEL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the chat quota")
	}
	if cfg.ChatRateLimit < 0 {
		return errors.New("config: chatRateLimit must be >= 0")
	}
	if cfg.MaxToolIterations < 0 {
		return errors.New("config: maxToolIterations must be >= 0")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.ServiceTokenPublicKeyPath == "" && cfg.ServiceTokenVerifyKeys == "" {
		return errors.New("config: serviceTokenPublicKeyPath or serviceTokenVerifyKeys is required for internal routes")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":      cfg.JWTLeeway,
		"toolTimeout":    cfg.ToolTimeout,
		"keepalive":      cfg.Keepalive,
		"chatRateWindow": cfg.ChatRateWindow,
		"presignTTL":     cfg.PresignTTL,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
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
