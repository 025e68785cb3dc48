package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

const messageColumns = `id, campaign_id, tenant_id, phone, status, attempts, last_error,
	provider_message_id, sent_at, created_at, updated_at`

type OutboundMessageRepository struct {
	DB *sqlx.DB
}

// EnsurePending inserts a pending message for every recipient that has none
// and returns the current record of each, in recipient order.
func (r *OutboundMessageRepository) EnsurePending(ctx context.Context, c *model.Campaign, recipients []model.Recipient) ([]model.OutboundMessage, error) {
	if len(recipients) == 0 {
		return []model.OutboundMessage{}, nil
	}

	ids := make([]string, len(recipients))
	phones := make([]string, len(recipients))
	for i, rc := range recipients {
		ids[i] = uuid.NewString()
		phones[i] = rc.Phone
	}

	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO messages (id, campaign_id, tenant_id, phone, status, created_at, updated_at)
        SELECT t.id::uuid, $1, $2, t.phone, 'pending', NOW(), NOW()
        FROM unnest($3::text[], $4::text[]) AS t(id, phone)
        ON CONFLICT (campaign_id, phone) DO NOTHING
    `, c.ID, c.TenantID, pq.Array(ids), pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("insert pending messages: %w", err)
	}

	var rows []model.OutboundMessage
	err = r.DB.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE campaign_id = $1 AND phone = ANY($2)`,
		c.ID, pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("select batch messages: %w", err)
	}

	byPhone := make(map[string]model.OutboundMessage, len(rows))
	for _, m := range rows {
		byPhone[m.Phone] = m
	}
	out := make([]model.OutboundMessage, len(recipients))
	for i, rc := range recipients {
		m, ok := byPhone[rc.Phone]
		if !ok {
			return nil, fmt.Errorf("message for %s missing after insert", rc.Phone)
		}
		out[i] = m
	}
	return out, nil
}

// Finalize only touches pending rows, so a terminal state is never overwritten.
func (r *OutboundMessageRepository) Finalize(ctx context.Context, msg *model.OutboundMessage) error {
	msg.UpdatedAt = time.Now()
	_, err := r.DB.NamedExecContext(ctx, `
        UPDATE messages
        SET status = :status,
            attempts = :attempts,
            last_error = :last_error,
            provider_message_id = :provider_message_id,
            sent_at = :sent_at,
            updated_at = :updated_at
        WHERE id = :id AND status = 'pending'
    `, msg)
	if err != nil {
		return fmt.Errorf("finalize message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *OutboundMessageRepository) ListByCampaign(ctx context.Context, campaignID, status string, offset, limit int) ([]model.OutboundMessage, int, error) {
	where := ` WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages`+where, args...); err != nil {
		return nil, 0, err
	}

	msgs := []model.OutboundMessage{}
	query := `SELECT ` + messageColumns + ` FROM messages` + where +
		fmt.Sprintf(" ORDER BY created_at, phone LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	if err := r.DB.SelectContext(ctx, &msgs, query, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}
