package env

import (
	"errors"
	"strings"
	"time"
)

// Config is the process-level configuration of the automacao binary. Plan
// files carry everything that describes a run; this only covers where output
// goes and how the executors reach their backends.
type Config struct {
	OutDir          string
	CacheDir        string // overrides the plan's cache.dir when set
	TraceSigningKey string

	HTTPTimeout     time.Duration
	SQLMaxOpenConns int
	SQLPingTimeout  time.Duration

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	LogLevel  string
	LogFormat string
}

// Load reads Config from AUTOMACAO_* variables.
func Load() (Config, error) {
	httpTimeout, err := Duration("AUTOMACAO_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpen, err := Int("AUTOMACAO_SQL_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := Duration("AUTOMACAO_SQL_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := Bool("AUTOMACAO_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		OutDir:          String("AUTOMACAO_OUT_DIR", "runs"),
		CacheDir:        String("AUTOMACAO_CACHE_DIR", ""),
		TraceSigningKey: String("AUTOMACAO_TRACE_SIGNING_KEY", ""),
		HTTPTimeout:     httpTimeout,
		SQLMaxOpenConns: maxOpen,
		SQLPingTimeout:  pingTimeout,
		S3Endpoint:      String("AUTOMACAO_S3_ENDPOINT", ""),
		S3AccessKey:     String("AUTOMACAO_S3_ACCESS_KEY", ""),
		S3SecretKey:     String("AUTOMACAO_S3_SECRET_KEY", ""),
		S3Region:        String("AUTOMACAO_S3_REGION", "us-east-1"),
		S3UseSSL:        useSSL,
		LogLevel:        strings.ToLower(String("AUTOMACAO_LOG_LEVEL", "warn")),
		LogFormat:       strings.ToLower(String("AUTOMACAO_LOG_FORMAT", "text")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. S3 credentials are checked lazily by the
// logstream executor, since most plans never touch an object store.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutDir) == "" {
		return errors.New("AUTOMACAO_OUT_DIR is required")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("AUTOMACAO_HTTP_TIMEOUT must be positive")
	}
	if c.SQLMaxOpenConns < 1 {
		return errors.New("AUTOMACAO_SQL_MAX_OPEN_CONNS must be >= 1")
	}
	if c.SQLPingTimeout <= 0 {
		return errors.New("AUTOMACAO_SQL_PING_TIMEOUT must be positive")
	}
	if strings.Contains(c.S3Endpoint, "://") {
		return errors.New("AUTOMACAO_S3_ENDPOINT must not include a scheme")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("AUTOMACAO_LOG_LEVEL must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.New("AUTOMACAO_LOG_FORMAT must be text or json")
	}
	return nil
}
