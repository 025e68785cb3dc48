// internal/model/outbound_message.go
package model

import "time"

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageFailed
}

type OutboundMessage struct {
	ID                string        `db:"id" json:"id"`
	CampaignID        string        `db:"campaign_id" json:"campaign_id"`
	TenantID          string        `db:"tenant_id" json:"tenant_id"`
	Phone             string        `db:"phone" json:"phone"`
	Status            MessageStatus `db:"status" json:"status"` // pending, sent, failed
	Attempts          int           `db:"attempts" json:"attempts"`
	LastError         string        `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// Outbound is the content handed to a transport for a single recipient.
type Outbound struct {
	MessageID   string `json:"message_id"`
	CampaignID  string `json:"campaign_id"`
	TenantID    string `json:"tenant_id"`
	Phone       string `json:"phone"`
	Body        string `json:"body,omitempty"`
	TemplateRef string `json:"template_ref,omitempty"`
	Variables   Vars   `json:"variables,omitempty"`
}
