package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives dispatch events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	SendAttempt(outcome string)
	MessageFinished(status string)
	RateLimitDeferred()
	BatchCompleted(d time.Duration)
	ActiveCampaigns(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SendAttempt(string) {}
func (Nop) MessageFinished(string) {}
func (Nop) RateLimitDeferred() {}
func (Nop) BatchCompleted(time.Duration) {}
func (Nop) ActiveCampaigns(int) {}

type Config struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// PromRecorder records dispatch events in Prometheus collectors.
type PromRecorder struct {
	attempts  *prometheus.CounterVec
	messages  *prometheus.CounterVec
	deferrals prometheus.Counter
	batches   prometheus.Counter
	duration  prometheus.Histogram
	active    prometheus.Gauge
}

// NewPromRecorder registers collectors on reg. A nil registerer defaults to
// the global Prometheus registerer. Registering twice reuses the existing
// collectors.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PromRecorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_send_attempts_total",
			Help: "Provider delivery attempts by outcome",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_messages_total",
			Help: "Messages that reached a terminal status",
		}, []string{"status"}),
		deferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_ratelimit_deferrals_total",
			Help: "Batches deferred because the tenant quota was exhausted",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_batches_total",
			Help: "Batches sent to completion",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_batch_duration_seconds",
			Help:    "Wall time to send one batch",
			Buckets: prometheus.DefBuckets,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_active_campaigns",
			Help: "Campaign loops currently running in this process",
		}),
	}

	var err error
	if r.attempts, err = register(reg, r.attempts); err != nil {
		return nil, err
	}
	if r.messages, err = register(reg, r.messages); err != nil {
		return nil, err
	}
	if r.deferrals, err = register(reg, r.deferrals); err != nil {
		return nil, err
	}
	if r.batches, err = register(reg, r.batches); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.active, err = register(reg, r.active); err != nil {
		return nil, err
	}
	return r, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) SendAttempt(outcome string) {
	r.attempts.WithLabelValues(outcome).Inc()
}

func (r *PromRecorder) MessageFinished(status string) {
	r.messages.WithLabelValues(status).Inc()
}

func (r *PromRecorder) RateLimitDeferred() {
	r.deferrals.Inc()
}

func (r *PromRecorder) BatchCompleted(d time.Duration) {
	r.batches.Inc()
	r.duration.Observe(d.Seconds())
}

func (r *PromRecorder) ActiveCampaigns(n int) {
	r.active.Set(float64(n))
}
