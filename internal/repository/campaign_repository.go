package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

const campaignColumns = `id, tenant_id, name, message, template_ref, variables, filter, batch_size,
	inter_batch_delay_ns, status, total_targeted, total_sent, total_failed, cursor_position,
	estimated_cost, failure_reason, scheduled_at, created_at, started_at, completed_at, updated_at`

type CampaignRepository struct {
	DB *sqlx.DB
}

// ====================== Campaign CRUD ======================

// Create stores the campaign and its resolved recipient list in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.CampaignPending
	}

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
        INSERT INTO campaigns (` + campaignColumns + `)
        VALUES (:id, :tenant_id, :name, :message, :template_ref, :variables, :filter, :batch_size,
            :inter_batch_delay_ns, :status, :total_targeted, :total_sent, :total_failed, :cursor_position,
            :estimated_cost, :failure_reason, :scheduled_at, :created_at, :started_at, :completed_at, :updated_at)
    `
	if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	if len(recipients) > 0 {
		rows := make([]model.Recipient, len(recipients))
		for i, rc := range recipients {
			rc.CampaignID = c.ID
			rc.Position = i
			if rc.Variables == nil {
				rc.Variables = model.Vars{}
			}
			rows[i] = rc
		}
		// Chunked to stay under the 65535 bind parameter limit.
		const chunk = 5000
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			_, err := tx.NamedExecContext(ctx, `
                INSERT INTO campaign_recipients (campaign_id, position, phone, name, points, variables)
                VALUES (:campaign_id, :position, :phone, :name, :points, :variables)
            `, rows[start:end])
			if err != nil {
				return fmt.Errorf("insert recipients: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) Get(ctx context.Context, id string) (*model.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID, status string, offset, limit int) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if tenantID != "" {
		where += fmt.Sprintf(" AND tenant_id=$%d", argPos)
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return nil, 0, err
	}

	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	if err := r.DB.SelectContext(ctx, &campaigns, query, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ====================== Dispatch state ======================

// TransitionStatus is a compare-and-set on the status column.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, reason string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, appErrors.NewCampaignNotFound(id)
	}
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns
        SET status = $1,
            updated_at = NOW(),
            started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
            completed_at = CASE WHEN $1 IN ('completed', 'cancelled', 'failed') THEN NOW() ELSE completed_at END,
            failure_reason = CASE WHEN $2 <> '' THEN $2 ELSE failure_reason END
        WHERE id = $3 AND status = ANY($4)
    `, string(to), reason, id, pq.Array(fromStr))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id=$1)`, id); err != nil {
		return false, err
	}
	if !exists {
		return false, appErrors.NewCampaignNotFound(id)
	}
	return false, nil
}

func (r *CampaignRepository) UpdateProgress(ctx context.Context, id string, cursor, sentDelta, failedDelta int) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns
        SET cursor_position = LEAST(GREATEST(cursor_position, $1), total_targeted),
            total_sent = total_sent + $2,
            total_failed = total_failed + $3,
            updated_at = NOW()
        WHERE id = $4
    `, cursor, sentDelta, failedDelta, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.DB.SelectContext(ctx, &campaigns,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY created_at`, string(status))
	return campaigns, err
}

// ListDue returns pending campaigns whose scheduled start has passed.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.DB.SelectContext(ctx, &campaigns, `
        SELECT `+campaignColumns+` FROM campaigns
        WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
        ORDER BY scheduled_at
    `, now)
	return campaigns, err
}

func (r *CampaignRepository) Recipients(ctx context.Context, id string, offset, limit int) ([]model.Recipient, error) {
	recipients := []model.Recipient{}
	err := r.DB.SelectContext(ctx, &recipients, `
        SELECT campaign_id, position, phone, name, points, variables
        FROM campaign_recipients
        WHERE campaign_id = $1 AND position >= $2
        ORDER BY position
        LIMIT $3
    `, id, offset, limit)
	return recipients, err
}
