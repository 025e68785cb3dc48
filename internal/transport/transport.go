// Package transport holds the provider adapters the sender delivers through.
package transport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
)

type Config struct {
	Kind    string        `koanf:"kind"` // queue | http | dryrun
	Topic   string        `koanf:"topic"`
	URL     string        `koanf:"url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

func (c *Config) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "dryrun"
	}
	if c.Topic == "" {
		c.Topic = "campaign_sends"
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Kind {
	case "queue", "dryrun":
	case "http":
		if c.URL == "" {
			return fmt.Errorf("transport.url is required for http")
		}
	default:
		return fmt.Errorf("transport.kind %q is not supported", c.Kind)
	}
	return nil
}

// New builds the transport selected by cfg.Kind. For dryrun a logging
// consumer is subscribed to q so published jobs are drained.
func New(cfg Config, q queue.Queue, log zerolog.Logger) (sender.Transport, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case "http":
		return NewHTTPTransport(cfg), nil
	case "dryrun":
		if err := q.Subscribe(cfg.Topic, LogConsumer(log)); err != nil {
			return nil, fmt.Errorf("subscribe dryrun consumer: %w", err)
		}
	}
	return NewQueueTransport(q, cfg.Topic), nil
}
