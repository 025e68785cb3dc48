package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | console
}

func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
		if strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
			c.Format = "console"
		}
	}
}

func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.Format)
	}
	return nil
}

// New builds the process logger. Every entry carries a timestamp and the
// service name; components add their own "component" field.
func New(cfg Config, out io.Writer) zerolog.Logger {
	cfg.SetDefaults()
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "campaign-dispatcher").Logger()
}
