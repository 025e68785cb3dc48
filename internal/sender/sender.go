package sender

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-dispatcher/internal/metrics"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// Transport delivers one message to the provider and returns the provider's
// message id. A non-nil error carries the provider's error text.
type Transport interface {
	Deliver(ctx context.Context, out model.Outbound) (string, error)
}

type TransportFunc func(ctx context.Context, out model.Outbound) (string, error)

func (f TransportFunc) Deliver(ctx context.Context, out model.Outbound) (string, error) {
	return f(ctx, out)
}

// permanentMarkers are matched case-insensitively against provider errors.
// Any other error is treated as transient.
var permanentMarkers = []string{
	"invalid phone",
	"invalid number",
	"número inválido",
	"numero invalido",
	"not registered",
	"unregistered",
	"número no registrado",
	"numero no registrado",
	"opt-out",
	"opted-out",
	"opted out",
	"blocked",
	"bloqueado",
	"not in whitelist",
}

// IsPermanent reports whether retrying the provider error cannot help.
func IsPermanent(errText string) bool {
	lower := strings.ToLower(errText)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

type Config struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	Jitter            float64       `koanf:"jitter"`
	MessagesPerSecond float64       `koanf:"messages_per_second"`
	Burst             int           `koanf:"burst"`
}

func (c *Config) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = 1
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
}

func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sender.max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("sender: need 0 <= base_delay <= max_delay")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("sender.jitter must be in [0, 1)")
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("sender.messages_per_second must not be negative")
	}
	return nil
}

// Result is the terminal (or untouched) state of one message after Send.
type Result struct {
	Status            model.MessageStatus
	Attempts          int
	LastError         string
	ProviderMessageID string
	// ProviderAttempted is true when at least one delivery reached the transport.
	ProviderAttempted bool
	SentAt            *time.Time
}

type Sender struct {
	transport Transport
	cfg       Config
	throttle  *rate.Limiter
	metrics   metrics.Recorder
	log       zerolog.Logger
	now       func() time.Time
}

// New builds a Sender. A nil throttle is derived from MessagesPerSecond.
func New(cfg Config, transport Transport, throttle *rate.Limiter, rec metrics.Recorder, log zerolog.Logger) *Sender {
	cfg.SetDefaults()
	if throttle == nil {
		throttle = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Sender{
		transport: transport,
		cfg:       cfg,
		throttle:  throttle,
		metrics:   rec,
		log:       log.With().Str("component", "sender").Logger(),
		now:       time.Now,
	}
}

// Send delivers out with retries. If ctx ends before the first attempt the
// message is returned as pending with zero attempts. Once attempted, the
// message always ends sent or failed.
func (s *Sender) Send(ctx context.Context, out model.Outbound) Result {
	var res Result
	res.Status = model.MessagePending

	for {
		if err := s.throttle.Wait(ctx); err != nil {
			if res.Attempts == 0 {
				return res
			}
			return s.fail(res, out, fmt.Sprintf("%s (interrupted: %v)", res.LastError, err))
		}

		res.Attempts++
		res.ProviderAttempted = true
		// a call already handed to the provider runs to completion; the
		// transport timeout bounds it
		providerID, err := s.transport.Deliver(context.WithoutCancel(ctx), out)
		if err == nil {
			at := s.now()
			res.Status = model.MessageSent
			res.ProviderMessageID = providerID
			res.LastError = ""
			res.SentAt = &at
			s.metrics.SendAttempt("ok")
			s.metrics.MessageFinished(string(model.MessageSent))
			return res
		}

		res.LastError = err.Error()
		if IsPermanent(res.LastError) {
			s.metrics.SendAttempt("permanent")
			return s.fail(res, out, res.LastError)
		}
		s.metrics.SendAttempt("transient")

		if res.Attempts >= s.cfg.MaxAttempts {
			return s.fail(res, out, res.LastError)
		}

		delay := s.backoff(res.Attempts)
		s.log.Debug().
			Str("campaign_id", out.CampaignID).
			Str("phone", out.Phone).
			Int("attempt", res.Attempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("transient send failure")

		if err := sleep(ctx, delay); err != nil {
			return s.fail(res, out, fmt.Sprintf("%s (interrupted: %v)", res.LastError, err))
		}
	}
}

func (s *Sender) fail(res Result, out model.Outbound, reason string) Result {
	res.Status = model.MessageFailed
	res.LastError = reason
	s.metrics.MessageFinished(string(model.MessageFailed))
	s.log.Info().
		Str("campaign_id", out.CampaignID).
		Str("phone", out.Phone).
		Int("attempts", res.Attempts).
		Str("error", reason).
		Msg("message failed")
	return res
}

// backoff returns base*2^(attempt-1) spread by the jitter ratio, never
// above max.
func (s *Sender) backoff(attempt int) time.Duration {
	d := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if s.cfg.Jitter > 0 {
		d *= 1 + s.cfg.Jitter*(2*rand.Float64()-1)
	}
	if d > float64(s.cfg.MaxDelay) {
		d = float64(s.cfg.MaxDelay)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
