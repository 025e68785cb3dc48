// Package scheduler starts campaigns whose scheduled time has come.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Config struct {
	Enabled bool          `koanf:"enabled"`
	Spec    string        `koanf:"spec"` // cron spec or @every
	Timeout time.Duration `koanf:"timeout"`
}

func (c *Config) SetDefaults() {
	if c.Spec == "" {
		c.Spec = "@every 30s"
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
}

func (c *Config) Validate() error {
	if _, err := parser.Parse(c.Spec); err != nil {
		return fmt.Errorf("scheduler.spec: %w", err)
	}
	return nil
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Starter starts every pending campaign due at now.
type Starter interface {
	StartDue(ctx context.Context, now time.Time) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func New(cfg Config, starter Starter, log zerolog.Logger) (*Scheduler, error) {
	cfg.SetDefaults()
	s := &Scheduler{
		// a slow tick is skipped rather than stacked
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		starter: starter,
		timeout: cfg.Timeout,
		now:     time.Now,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running tick, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.starter.StartDue(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Int("started", n).Msg("starting scheduled campaigns")
		return
	}
	if n > 0 {
		s.log.Info().Int("started", n).Msg("scheduled campaigns started")
	}
}
