package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig configures the device-side poller.
type AgentConfig struct {
	Server  EndpointConfig `yaml:"server"`
	Device  DeviceConfig   `yaml:"device"`
	Keys    KeysConfig     `yaml:"keys"`
	Polling PollingConfig  `yaml:"polling"`
	Health  HealthConfig   `yaml:"health"`
	Logging LoggingConfig  `yaml:"logging"`
	Tracing TracingConfig  `yaml:"tracing"`
}

type EndpointConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
	// AllowInsecure permits plain http, for local development only.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// DeviceConfig names the device. Either CredentialsPath or the inline
// DeviceID and Token must be set.
type DeviceConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	DeviceID        string `yaml:"device_id"`
	Token           string `yaml:"token"`
}

// KeysConfig is shared by server and agent: both derive the same device keys
// from the master secret.
type KeysConfig struct {
	MasterSecret     string `yaml:"master_secret"`
	MasterSecretFile string `yaml:"master_secret_file"`
	Iterations       int    `yaml:"iterations"`
	GracePeriods     int    `yaml:"grace_periods"`
	RotationDays     int    `yaml:"rotation_days"`
}

type PollingConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	AcceptEncoding string `yaml:"accept_encoding"`
	// MaxIntervalS caps whatever interval the server suggests.
	MaxIntervalS int  `yaml:"max_interval_s"`
	Acknowledge  bool `yaml:"acknowledge"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns an agent config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: EndpointConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Device: DeviceConfig{
			CredentialsPath: "/var/lib/signalpoll/device.json",
		},
		Keys: KeysConfig{
			Iterations:   100_000,
			RotationDays: 90,
		},
		Polling: PollingConfig{
			BatchSize:      100,
			AcceptEncoding: "zstd, br;q=0.9, gzip;q=0.8",
			MaxIntervalS:   60,
			Acknowledge:    true,
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
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

// Load reads the agent config from file with env var overrides
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("SIGNALPOLL_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if id := os.Getenv("SIGNALPOLL_DEVICE_ID"); id != "" {
		cfg.Device.DeviceID = id
	}
	if token := os.Getenv("SIGNALPOLL_DEVICE_TOKEN"); token != "" {
		cfg.Device.Token = token
	}
	if secret := os.Getenv("SIGNALPOLL_MASTER_SECRET"); secret != "" {
		cfg.Keys.MasterSecret = secret
	}
	if secretFile := os.Getenv("SIGNALPOLL_MASTER_SECRET_FILE"); secretFile != "" {
		cfg.Keys.MasterSecretFile = secretFile
	}
	if level := os.Getenv("SIGNALPOLL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !c.Server.AllowInsecure {
		return &Error{"server URL must be https"}
	}
	if c.Device.CredentialsPath == "" && (c.Device.DeviceID == "" || c.Device.Token == "") {
		return ErrMissingDevice
	}
	if c.Keys.MasterSecret == "" && c.Keys.MasterSecretFile == "" {
		return ErrMissingMasterSecret
	}
	if c.Polling.BatchSize < 1 || c.Polling.BatchSize > 500 {
		return ErrInvalidBatchSize
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Polling.MaxIntervalS <= 0 {
		c.Polling.MaxIntervalS = 60
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL    = &Error{"server URL is required"}
	ErrMissingDevice       = &Error{"device credentials_path or device_id and token are required"}
	ErrMissingMasterSecret = &Error{"keys.master_secret or keys.master_secret_file is required"}
	ErrInvalidBatchSize    = &Error{"polling batch_size must be between 1 and 500"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
