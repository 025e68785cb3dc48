package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// RateLimitRepository persists ratelimit state in Postgres.
type RateLimitRepository struct {
	DB *sqlx.DB
}

func (r *RateLimitRepository) Load(ctx context.Context, tenantID string) (*model.RateLimitState, error) {
	var st model.RateLimitState
	err := r.DB.GetContext(ctx, &st, `
        SELECT tenant_id, tier_id, daily_used, daily_reserved, monthly_used, monthly_reserved,
               previous_month_used, window_day, window_month, reserved_by, updated_at
        FROM rate_limit_state WHERE tenant_id = $1
    `, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RateLimitRepository) Save(ctx context.Context, st *model.RateLimitState) error {
	_, err := r.DB.NamedExecContext(ctx, `
        INSERT INTO rate_limit_state (tenant_id, tier_id, daily_used, daily_reserved, monthly_used,
            monthly_reserved, previous_month_used, window_day, window_month, reserved_by, updated_at)
        VALUES (:tenant_id, :tier_id, :daily_used, :daily_reserved, :monthly_used,
            :monthly_reserved, :previous_month_used, :window_day, :window_month, :reserved_by, :updated_at)
        ON CONFLICT (tenant_id) DO UPDATE SET
            tier_id = EXCLUDED.tier_id,
            daily_used = EXCLUDED.daily_used,
            daily_reserved = EXCLUDED.daily_reserved,
            monthly_used = EXCLUDED.monthly_used,
            monthly_reserved = EXCLUDED.monthly_reserved,
            previous_month_used = EXCLUDED.previous_month_used,
            window_day = EXCLUDED.window_day,
            window_month = EXCLUDED.window_month,
            reserved_by = EXCLUDED.reserved_by,
            updated_at = EXCLUDED.updated_at
    `, st)
	return err
}
