// Package config loads the dispatcher configuration from an optional YAML
// file, a .env file and DISPATCHER_ prefixed environment variables, in that
// order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/dispatcher"
	"github.com/unclebandit/campaign-dispatcher/internal/logger"
	"github.com/unclebandit/campaign-dispatcher/internal/metrics"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/resolver"
	"github.com/unclebandit/campaign-dispatcher/internal/scheduler"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

const EnvPrefix = "DISPATCHER_"

type HTTPConfig struct {
	Addr           string        `koanf:"addr"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type StoreConfig struct {
	Kind string `koanf:"kind"` // postgres | memory
}

type Config struct {
	HTTP       HTTPConfig            `koanf:"http"`
	Database   db.Config             `koanf:"database"`
	Redis      RedisConfig           `koanf:"redis"`
	Store      StoreConfig           `koanf:"store"`
	Phone      phone.Rule            `koanf:"phone"`
	RateLimit  ratelimit.Config      `koanf:"ratelimit"`
	Resolver   resolver.Config       `koanf:"resolver"`
	Sender     sender.Config         `koanf:"sender"`
	Dispatcher dispatcher.Config     `koanf:"dispatcher"`
	Queue      queue.Config          `koanf:"queue"`
	Transport  transport.Config      `koanf:"transport"`
	Scheduler  scheduler.Config      `koanf:"scheduler"`
	Pricing    service.PricingConfig `koanf:"pricing"`
	Log        logger.Config         `koanf:"log"`
	Metrics    metrics.Config        `koanf:"metrics"`
}

// Default returns the starting point for Load. Values whose zero is
// meaningful (switches, jitter) are set here rather than in SetDefaults.
func Default() Config {
	return Config{
		Store:     StoreConfig{Kind: "postgres"},
		Phone:     phone.Ecuador,
		Sender:    sender.Config{Jitter: 0.2},
		Scheduler: scheduler.Config{Enabled: true},
		Metrics:   metrics.Config{Enabled: true},
	}
}

// Load reads path (optional, YAML) and the environment. A missing .env is
// not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
		default:
			return nil, fmt.Errorf("unsupported config format: %s", path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	c.HTTP.SetDefaults()
	c.Database.SetDefaults()
	if c.Store.Kind == "" {
		c.Store.Kind = "postgres"
	}
	if c.Phone.CountryCode == "" {
		c.Phone = phone.Ecuador
	}
	c.RateLimit.SetDefaults()
	c.Resolver.SetDefaults()
	c.Sender.SetDefaults()
	c.Dispatcher.SetDefaults()
	c.Queue.SetDefaults()
	c.Transport.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Pricing.SetDefaults()
	c.Log.SetDefaults()
	c.Metrics.SetDefaults()
}

func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "postgres":
		if err := c.Database.Validate(); err != nil {
			return err
		}
	case "memory":
	default:
		return fmt.Errorf("store.kind: unknown store %q", c.Store.Kind)
	}

	validators := []interface{ Validate() error }{
		&c.RateLimit, &c.Resolver, &c.Sender, &c.Dispatcher, &c.Queue,
		&c.Transport, &c.Scheduler, &c.Pricing, &c.Log,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	switch c.RateLimit.Store {
	case "postgres":
		if c.Store.Kind != "postgres" {
			return fmt.Errorf("ratelimit.store postgres requires store.kind postgres")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("ratelimit.store redis requires redis.addr")
		}
	}
	return nil
}
