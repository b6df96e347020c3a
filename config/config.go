// renderq/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// Store
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	StorePath   string `mapstructure:"STORE_PATH"`

	// Pipeline
	WorkDir           string        `mapstructure:"WORK_DIR"`
	OutputDir         string        `mapstructure:"OUTPUT_DIR"`
	FFBin             string        `mapstructure:"FF_BIN"`
	InputRoot         string        `mapstructure:"INPUT_ROOT"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	StageTimeout      time.Duration `mapstructure:"STAGE_TIMEOUT"`
	PipelineResumable bool          `mapstructure:"PIPELINE_RESUMABLE"`

	// Scheduling and retries
	MaxConcurrency    int           `mapstructure:"MAX_CONCURRENCY"`
	MaxAttempts       int           `mapstructure:"MAX_ATTEMPTS"`
	RetryBaseDelay    time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	ReapInterval      time.Duration `mapstructure:"REAP_INTERVAL"`
	StreamInterval    time.Duration `mapstructure:"STREAM_INTERVAL"`

	// Admission
	RateLimit        int           `mapstructure:"RATE_LIMIT"`
	RateWindow       time.Duration `mapstructure:"RATE_WINDOW"`
	OwnerMaxInFlight int           `mapstructure:"OWNER_MAX_IN_FLIGHT"`
	AdmissionRPS     float64       `mapstructure:"ADMISSION_RPS"`
	AdmissionBurst   int           `mapstructure:"ADMISSION_BURST"`

	// Host resource gate
	ThrottleEnable   bool    `mapstructure:"THROTTLE_ENABLE"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// Retention
	RetentionSchedule  string        `mapstructure:"RETENTION_SCHEDULE"`
	RetentionCompleted time.Duration `mapstructure:"RETENTION_COMPLETED"`
	RetentionFailed    time.Duration `mapstructure:"RETENTION_FAILED"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")

	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")

	vp.SetDefault("STORE_DRIVER", "badger")
	vp.SetDefault("STORE_PATH", "./data/jobs")

	vp.SetDefault("WORK_DIR", "")
	vp.SetDefault("OUTPUT_DIR", "./data/output")
	vp.SetDefault("FF_BIN", "ffmpeg")
	// Local file inputs are refused unless they live under INPUT_ROOT.
	vp.SetDefault("INPUT_ROOT", "")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("STAGE_TIMEOUT", "10m")
	vp.SetDefault("PIPELINE_RESUMABLE", true)

	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("MAX_ATTEMPTS", 3)
	vp.SetDefault("RETRY_BASE_DELAY", "2s")
	vp.SetDefault("RETRY_MAX_DELAY", "5m")
	vp.SetDefault("POLL_INTERVAL", "1s")
	vp.SetDefault("HEARTBEAT_INTERVAL", "5s")
	vp.SetDefault("HEARTBEAT_TIMEOUT", "30s")
	vp.SetDefault("REAP_INTERVAL", "10s")
	vp.SetDefault("STREAM_INTERVAL", "1s")

	vp.SetDefault("RATE_LIMIT", 10)
	vp.SetDefault("RATE_WINDOW", "1m")
	vp.SetDefault("OWNER_MAX_IN_FLIGHT", 5)
	vp.SetDefault("ADMISSION_RPS", 50.0)
	vp.SetDefault("ADMISSION_BURST", 100)

	vp.SetDefault("THROTTLE_ENABLE", false)
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	vp.SetDefault("RETENTION_SCHEDULE", "@every 10m")
	vp.SetDefault("RETENTION_COMPLETED", "24h")
	vp.SetDefault("RETENTION_FAILED", "168h")

	// Load from config file
	vp.SetConfigName("renderq_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/renderq/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("RENDERQ")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want badger or sqlite)", c.StoreDriver)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"STAGE_TIMEOUT", c.StageTimeout},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"POLL_INTERVAL", c.PollInterval},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"REAP_INTERVAL", c.ReapInterval},
		{"STREAM_INTERVAL", c.StreamInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.value)
		}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.InputRoot != "" && !filepath.IsAbs(c.InputRoot) {
		return fmt.Errorf("INPUT_ROOT must be an absolute path, got %q", c.InputRoot)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}
