package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// CustomerRepository reads the customer base, opt-outs and send history
// used to resolve campaign recipients.
type CustomerRepository struct {
	DB *sqlx.DB
}

// FindCandidates applies the point and recency parts of the filter. Phone
// allow-lists are matched after normalization, outside SQL.
func (r *CustomerRepository) FindCandidates(ctx context.Context, tenantID string, filter model.Filter) ([]model.Candidate, error) {
	query := `SELECT id, phone, name, points, last_visit_at FROM customers WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if filter.MinPoints != nil {
		args = append(args, *filter.MinPoints)
		query += fmt.Sprintf(" AND points >= $%d", len(args))
	}
	if filter.LastVisitWithinDays != nil {
		args = append(args, time.Now().AddDate(0, 0, -*filter.LastVisitWithinDays))
		query += fmt.Sprintf(" AND last_visit_at >= $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	candidates := []model.Candidate{}
	if err := r.DB.SelectContext(ctx, &candidates, query, args...); err != nil {
		return nil, err
	}
	return candidates, nil
}

// OptedOut returns phones with an opt-out that was not followed by an opt-in.
func (r *CustomerRepository) OptedOut(ctx context.Context, tenantID string, phones []string) (map[string]bool, error) {
	var rows []string
	err := r.DB.SelectContext(ctx, &rows, `
        SELECT phone FROM opt_outs
        WHERE tenant_id = $1 AND phone = ANY($2)
          AND (opted_in_at IS NULL OR opted_in_at < opted_out_at)
    `, tenantID, pq.Array(phones))
	if err != nil {
		return nil, err
	}
	return toSet(rows), nil
}

// SentSince returns phones that received a delivered message at or after since.
func (r *CustomerRepository) SentSince(ctx context.Context, tenantID string, phones []string, since time.Time) (map[string]bool, error) {
	var rows []string
	err := r.DB.SelectContext(ctx, &rows, `
        SELECT DISTINCT phone FROM messages
        WHERE tenant_id = $1 AND phone = ANY($2) AND status = 'sent' AND sent_at >= $3
    `, tenantID, pq.Array(phones), since)
	if err != nil {
		return nil, err
	}
	return toSet(rows), nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
