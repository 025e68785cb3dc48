package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to durable RabbitMQ queues named after the topic and
// waits for the broker confirm of every publish.
type AMQPQueue struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	declared map[string]bool

	maxRetries     int
	confirmTimeout time.Duration
	log            zerolog.Logger
}

func DialAMQP(cfg Config, log zerolog.Logger) (*AMQPQueue, error) {
	cfg.SetDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQPQueue{
		conn:           conn,
		pub:            ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		declared:       make(map[string]bool),
		maxRetries:     cfg.MaxRetries,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log.With().Str("component", "amqp").Logger(),
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// Publish returns once the broker has confirmed the message. A nack or a
// missing confirm is an error.
func (q *AMQPQueue) Publish(ctx context.Context, topic string, body []byte) error {
	return q.publish(ctx, topic, body, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, topic string, body []byte, retries int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pub, topic); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		q.declared[topic] = true
	}

	err := q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	timer := time.NewTimer(q.confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-q.confirms:
		if !ok {
			return errors.New("broker channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("broker nack for delivery %d", c.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("broker confirm timeout after %s", q.confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe consumes topic on its own channel. Failed jobs are republished
// with an incremented retry header until maxRetries, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			q.handle(topic, handler, d)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	ctx := context.Background()
	err := handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if int(retries) >= q.maxRetries {
		q.log.Error().Err(err).Str("topic", topic).Int32("retries", retries).Msg("job dropped")
		_ = d.Ack(false)
		return
	}
	if perr := q.publish(ctx, topic, d.Body, retries+1); perr != nil {
		q.log.Error().Err(perr).Str("topic", topic).Msg("requeue failed")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pub.Close(); err != nil {
		q.log.Warn().Err(err).Msg("close publish channel")
	}
	return q.conn.Close()
}
