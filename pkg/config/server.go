package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the poll server.
type ServerConfig struct {
	Listen         string            `yaml:"listen"`
	DatabasePath   string            `yaml:"database_path"`
	AdminToken     string            `yaml:"admin_token"`
	AdminTokenFile string            `yaml:"admin_token_file"`
	Keys           KeysConfig        `yaml:"keys"`
	Auth           AuthConfig        `yaml:"auth"`
	Redis          RedisConfig       `yaml:"redis"`
	Poll           PollConfig        `yaml:"poll"`
	Backoff        BackoffConfig     `yaml:"backoff"`
	Compression    CompressionConfig `yaml:"compression"`
	Logging        LoggingConfig     `yaml:"logging"`
	Tracing        TracingConfig     `yaml:"tracing"`
}

type AuthConfig struct {
	TokenSecret     string `yaml:"token_secret"`
	TokenSecretFile string `yaml:"token_secret_file"`
}

// RedisConfig points at the shared store. An empty Addr runs the server on
// in-memory stores, which is only correct for a single process.
type RedisConfig struct {
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	TLS                bool   `yaml:"tls"`
	Prefix             string `yaml:"prefix"`
	DialTimeoutMs      int    `yaml:"dial_timeout_ms"`
	RevocationCacheTTL int    `yaml:"revocation_cache_ttl_ms"`
}

type PollConfig struct {
	TimeoutMs          int `yaml:"timeout_ms"`
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	MaxBatchSize       int `yaml:"max_batch_size"`
	AckNonceWindowS    int `yaml:"ack_nonce_window_s"`
}

type BackoffConfig struct {
	BaseS       int     `yaml:"base_s"`
	MaxS        int     `yaml:"max_s"`
	Multiplier  float64 `yaml:"multiplier"`
	Window      int     `yaml:"window"`
	HistoryTTLS int     `yaml:"history_ttl_s"`
	FallbackS   int     `yaml:"fallback_s"`
}

type CompressionConfig struct {
	MinSize int `yaml:"min_size"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:       ":8080",
		DatabasePath: "signalpoll.db",
		Keys: KeysConfig{
			Iterations:   100_000,
			RotationDays: 90,
		},
		Redis: RedisConfig{
			Prefix:             "signalpoll:",
			DialTimeoutMs:      2000,
			RevocationCacheTTL: 5000,
		},
		Poll: PollConfig{
			TimeoutMs:          2000,
			RateLimitPerMinute: 120,
			MaxBatchSize:       500,
			AckNonceWindowS:    600,
		},
		Backoff: BackoffConfig{
			BaseS:       10,
			MaxS:        60,
			Multiplier:  1.5,
			Window:      10,
			HistoryTTLS: 600,
			FallbackS:   30,
		},
		Compression: CompressionConfig{
			MinSize: 256,
		},
		Logging: LoggingConfig{
			Level:         "info",
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadServer reads the server config from file with env var overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if listen := os.Getenv("SIGNALPOLL_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("SIGNALPOLL_DATABASE_PATH"); db != "" {
		cfg.DatabasePath = db
	}
	if token := os.Getenv("SIGNALPOLL_ADMIN_TOKEN"); token != "" {
		cfg.AdminToken = token
	}
	if secret := os.Getenv("SIGNALPOLL_MASTER_SECRET"); secret != "" {
		cfg.Keys.MasterSecret = secret
	}
	if secretFile := os.Getenv("SIGNALPOLL_MASTER_SECRET_FILE"); secretFile != "" {
		cfg.Keys.MasterSecretFile = secretFile
	}
	if secret := os.Getenv("SIGNALPOLL_TOKEN_SECRET"); secret != "" {
		cfg.Auth.TokenSecret = secret
	}
	if addr := os.Getenv("SIGNALPOLL_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("SIGNALPOLL_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if grace := os.Getenv("SIGNALPOLL_GRACE_PERIODS"); grace != "" {
		n, err := strconv.Atoi(grace)
		if err != nil {
			return nil, &Error{"SIGNALPOLL_GRACE_PERIODS must be an integer"}
		}
		cfg.Keys.GracePeriods = n
	}
	if level := os.Getenv("SIGNALPOLL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// Validate rejects unusable settings and fills zero values with defaults.
// Secrets are checked by their consumers at startup.
func (c *ServerConfig) Validate() error {
	def := DefaultServerConfig()
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.DatabasePath == "" {
		return &Error{"database_path is required"}
	}
	if c.Keys.MasterSecret == "" && c.Keys.MasterSecretFile == "" {
		return ErrMissingMasterSecret
	}
	if c.Keys.Iterations != 0 && c.Keys.Iterations < 100_000 {
		return &Error{"keys.iterations must be at least 100000"}
	}
	if c.Keys.GracePeriods < 0 || c.Keys.GracePeriods > 7 {
		return &Error{"keys.grace_periods must be between 0 and 7"}
	}
	if c.Keys.RotationDays <= 0 {
		c.Keys.RotationDays = def.Keys.RotationDays
	}
	if c.Poll.MaxBatchSize <= 0 || c.Poll.MaxBatchSize > 500 {
		c.Poll.MaxBatchSize = def.Poll.MaxBatchSize
	}
	if c.Poll.TimeoutMs <= 0 {
		c.Poll.TimeoutMs = def.Poll.TimeoutMs
	}
	if c.Poll.AckNonceWindowS <= 0 {
		c.Poll.AckNonceWindowS = def.Poll.AckNonceWindowS
	}
	if c.Backoff.BaseS <= 0 {
		c.Backoff.BaseS = def.Backoff.BaseS
	}
	if c.Backoff.MaxS <= 0 {
		c.Backoff.MaxS = def.Backoff.MaxS
	}
	if c.Backoff.MaxS < c.Backoff.BaseS {
		return &Error{"backoff.max_s must be >= backoff.base_s"}
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.Multiplier < 1 {
		return &Error{"backoff.multiplier must be >= 1"}
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = def.Redis.Prefix
	}
	if c.Redis.DialTimeoutMs <= 0 {
		c.Redis.DialTimeoutMs = def.Redis.DialTimeoutMs
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutMs) * time.Millisecond
}

func (c *ServerConfig) RotationPeriod() time.Duration {
	return time.Duration(c.Keys.RotationDays) * 24 * time.Hour
}

func (c *ServerConfig) RevocationCacheTTL() time.Duration {
	return time.Duration(c.Redis.RevocationCacheTTL) * time.Millisecond
}

func (c *ServerConfig) AckNonceWindow() time.Duration {
	return time.Duration(c.Poll.AckNonceWindowS) * time.Second
}
