package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
)

// Job is the body published for each delivery.
type Job struct {
	MessageID   string            `json:"message_id"`
	CampaignID  string            `json:"campaign_id"`
	TenantID    string            `json:"tenant_id"`
	To          string            `json:"to"`
	Body        string            `json:"body,omitempty"`
	TemplateRef string            `json:"template_ref,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// QueueTransport hands deliveries to a broker. A confirmed publish counts as
// accepted by the provider; the message id doubles as the provider id.
type QueueTransport struct {
	q     queue.Queue
	topic string
}

func NewQueueTransport(q queue.Queue, topic string) *QueueTransport {
	return &QueueTransport{q: q, topic: topic}
}

func (t *QueueTransport) Deliver(ctx context.Context, out model.Outbound) (string, error) {
	body, err := json.Marshal(Job{
		MessageID:   out.MessageID,
		CampaignID:  out.CampaignID,
		TenantID:    out.TenantID,
		To:          out.Phone,
		Body:        out.Body,
		TemplateRef: out.TemplateRef,
		Variables:   out.Variables,
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := t.q.Publish(ctx, t.topic, body); err != nil {
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}
	return out.MessageID, nil
}

// LogConsumer acknowledges every job after logging it.
func LogConsumer(log zerolog.Logger) queue.Handler {
	log = log.With().Str("component", "dryrun").Logger()
	return func(_ context.Context, body []byte) error {
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			log.Warn().Err(err).Msg("invalid job")
			return nil // no retry
		}
		log.Info().
			Str("campaign_id", job.CampaignID).
			Str("message_id", job.MessageID).
			Str("to", job.To).
			Str("template_ref", job.TemplateRef).
			Msg(job.Body)
		return nil
	}
}

// RelayConsumer forwards queued jobs to a provider transport. Transient
// provider errors are returned so the broker redelivers; permanent ones are
// logged and acknowledged.
func RelayConsumer(provider sender.Transport, log zerolog.Logger) queue.Handler {
	log = log.With().Str("component", "relay").Logger()
	return func(ctx context.Context, body []byte) error {
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			log.Warn().Err(err).Msg("invalid job")
			return nil
		}
		id, err := provider.Deliver(ctx, model.Outbound{
			MessageID:   job.MessageID,
			CampaignID:  job.CampaignID,
			TenantID:    job.TenantID,
			Phone:       job.To,
			Body:        job.Body,
			TemplateRef: job.TemplateRef,
			Variables:   job.Variables,
		})
		if err != nil {
			if sender.IsPermanent(err.Error()) {
				log.Error().Err(err).Str("message_id", job.MessageID).Msg("provider rejected message")
				return nil
			}
			return err
		}
		log.Debug().Str("message_id", job.MessageID).Str("provider_id", id).Msg("relayed")
		return nil
	}
}
