package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one job body. Returning an error triggers a retry.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

type Config struct {
	Kind           string        `koanf:"kind"` // amqp | memory
	URL            string        `koanf:"url"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "memory"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Kind {
	case "memory":
	case "amqp":
		if c.URL == "" {
			return fmt.Errorf("queue.url is required for amqp")
		}
	default:
		return fmt.Errorf("queue.kind %q is not supported", c.Kind)
	}
	return nil
}

// InMemoryQueue delivers jobs to subscribers in-process with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	maxRetries int
	retryDelay time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup
}

func NewInMemoryQueue(cfg Config, log zerolog.Logger) *InMemoryQueue {
	cfg.SetDefaults()
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        log.With().Str("component", "queue").Logger(),
	}
}

// Publish hands the job to every subscriber of topic and returns without
// waiting for them.
func (q *InMemoryQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, h := range handlers {
		q.wg.Add(1)
		go q.process(topic, h, body)
	}
	return nil
}

func (q *InMemoryQueue) process(topic string, h Handler, body []byte) {
	defer q.wg.Done()

	for attempt := 1; ; attempt++ {
		err := h(context.Background(), body)
		if err == nil {
			return
		}
		if attempt > q.maxRetries {
			q.log.Error().Err(err).Str("topic", topic).Int("attempts", attempt).Msg("job dropped")
			return
		}
		q.log.Warn().Err(err).Str("topic", topic).Int("attempt", attempt).Msg("job failed, retrying")
		time.Sleep(time.Duration(attempt) * q.retryDelay)
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight jobs.
func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}
