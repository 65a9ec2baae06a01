// Package config loads and validates process configuration from environment
// variables and the QC configuration tree from files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrFatalConfiguration marks errors that must abort the process: missing
// required keys, unknown module classes, malformed values.
var ErrFatalConfiguration = errors.New("config: fatal configuration error")

// Config holds the process configuration.
type Config struct {
	// Logging settings.
	LogLevel        string
	LogFile         string // Rotated file sink in addition to stdout. Empty = stdout only.
	LogMaxSizeMB    int
	LogMaxBackups   int
	LogMaxAgeDays   int
	LogCompressFile bool

	// Repository settings.
	RepositoryURL string // sqlite:<path>, mysql://<dsn> or postgres://...

	// Transport settings.
	NATSURL            string // Empty = in-process transport.
	SubjectPrefix      string
	TransportQueueSize int

	// Run event settings (SOR/EOR triggers).
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Information service.
	InfoAddr           string
	InfoRateLimitRPS   int // Per-client requests per second on /v1. 0 = unlimited.
	InfoRateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	RateWindow           time.Duration // Window for rolling rate metrics.
	SamplerTimeout       time.Duration // Bounded wait for one data slice.
	PostProcessingPeriod time.Duration // Trigger polling period.
	ShutdownTimeout      time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		LogLevel:             str("QC_LOG_LEVEL", "info"),
		LogFile:              str("QC_LOG_FILE", ""),
		LogMaxSizeMB:         num("QC_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:        num("QC_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:        num("QC_LOG_MAX_AGE_DAYS", 14),
		LogCompressFile:      flag("QC_LOG_COMPRESS", true),
		RepositoryURL:        str("QC_REPOSITORY_URL", "sqlite:qc.db"),
		NATSURL:              str("QC_NATS_URL", ""),
		SubjectPrefix:        str("QC_SUBJECT_PREFIX", "qc"),
		TransportQueueSize:   num("QC_TRANSPORT_QUEUE_SIZE", 1024),
		KafkaBrokers:         envList("QC_KAFKA_BROKERS"),
		KafkaTopic:           str("QC_KAFKA_TOPIC", "run-events"),
		KafkaGroupID:         str("QC_KAFKA_GROUP", "qc-postprocessing"),
		InfoAddr:             str("QC_INFO_ADDR", ":8090"),
		InfoRateLimitRPS:     num("QC_INFO_RATE_LIMIT_RPS", 0),
		InfoRateLimitBurst:   num("QC_INFO_RATE_LIMIT_BURST", 20),
		OTELEndpoint:         str("QC_OTEL_ENDPOINT", ""),
		OTELInsecure:         flag("QC_OTEL_INSECURE", false),
		ServiceName:          str("QC_SERVICE_NAME", "qcflow"),
		RateWindow:           dur("QC_RATE_WINDOW", 10*time.Second),
		SamplerTimeout:       dur("QC_SAMPLER_TIMEOUT", 100*time.Millisecond),
		PostProcessingPeriod: dur("QC_PP_PERIOD", 10*time.Second),
		ShutdownTimeout:      dur("QC_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.RepositoryURL == "" {
		return fmt.Errorf("config: QC_REPOSITORY_URL is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: QC_LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.TransportQueueSize <= 0 {
		return fmt.Errorf("config: QC_TRANSPORT_QUEUE_SIZE must be positive")
	}
	if c.InfoRateLimitRPS < 0 {
		return fmt.Errorf("config: QC_INFO_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("config: QC_RATE_WINDOW must be positive")
	}
	if c.SamplerTimeout <= 0 {
		return fmt.Errorf("config: QC_SAMPLER_TIMEOUT must be positive")
	}
	if c.PostProcessingPeriod <= 0 {
		return fmt.Errorf("config: QC_PP_PERIOD must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
