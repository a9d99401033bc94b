package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// LedgerFile is the ledger's file name inside the upload folder.
const LedgerFile = "costs.json"

// ErrMissingAPIKey is returned by Validate when no transcription credential
// is configured and ALLOW_MISSING_API_KEY is not set.
var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY (set ALLOW_MISSING_API_KEY=true to start without it)")

type Config struct {
	UploadFolder  string  `env:"UPLOAD_FOLDER" envDefault:"recordings"`
	CostPerMinute float64 `env:"COST_PER_MINUTE" envDefault:"0.006"`
	Title         string  `env:"TITLE" envDefault:"Voice Input"`
	ConfirmDelete bool    `env:"CONFIRM_DELETE" envDefault:"true"`

	OpenAIAPIKey       string        `env:"OPENAI_API_KEY"`
	AllowMissingAPIKey bool          `env:"ALLOW_MISSING_API_KEY" envDefault:"false"`
	OpenAIBaseURL      string        `env:"OPENAI_BASE_URL"`
	TranscribeModel    string        `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	TranscribeTimeout  time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"0s"`
	MaxUploadMB        int64         `env:"MAX_UPLOAD_MB" envDefault:"32"`

	Host         string        `env:"HOST" envDefault:"0.0.0.0"`
	Port         int           `env:"PORT" envDefault:"5001"`
	Debug        bool          `env:"DEBUG" envDefault:"false"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"file"`
	DynamoDBTable string `env:"DYNAMODB_TABLE"`

	S3 S3Config `envPrefix:"S3_"`

	AWSRegion         string        `env:"AWS_REGION" envDefault:"us-east-1"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"0s"`
	WatchRecordings   bool          `env:"WATCH_RECORDINGS" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures the optional object-store mirror of recordings.
// Credentials come from the default AWS chain unless both keys are set.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Prefix    string `env:"PREFIX"`
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	Listen       string
	LogLevel     string
	UploadFolder string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.Listen != "" {
		host, port, err := net.SplitHostPort(overrides.Listen)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", overrides.Listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid listen port %q: %w", port, err)
		}
		if host != "" {
			cfg.Host = host
		}
		cfg.Port = p
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.UploadFolder != "" {
		cfg.UploadFolder = overrides.UploadFolder
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// Validate checks the configuration once before the server accepts traffic.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" && !c.AllowMissingAPIKey {
		return ErrMissingAPIKey
	}
	if c.CostPerMinute < 0 {
		return fmt.Errorf("COST_PER_MINUTE must be >= 0, got %v", c.CostPerMinute)
	}
	if c.UploadFolder == "" {
		return errors.New("UPLOAD_FOLDER must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("MAX_UPLOAD_MB must be >= 1, got %d", c.MaxUploadMB)
	}
	switch strings.ToLower(c.LedgerBackend) {
	case "file":
	case "dynamodb":
		if c.DynamoDBTable == "" {
			return errors.New("LEDGER_BACKEND=dynamodb requires DYNAMODB_TABLE")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q (want file or dynamodb)", c.LedgerBackend)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel accepts zerolog level names in any case plus the
// "warning" and "critical" spellings. Empty means info.
func ParseLogLevel(s string) (zerolog.Level, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "critical":
		return zerolog.FatalLevel, nil
	default:
		level, err := zerolog.ParseLevel(v)
		if err != nil {
			return zerolog.NoLevel, fmt.Errorf("unknown LOG_LEVEL %q", s)
		}
		return level, nil
	}
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LedgerPath returns the path of the JSON ledger file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.UploadFolder, LedgerFile)
}

// MaxUploadBytes returns the multipart size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
