package model

import "time"

// RateLimitState is the per-tenant usage record owned by the rate limiter.
type RateLimitState struct {
	TenantID          string    `db:"tenant_id" json:"tenant_id"`
	TierID            string    `db:"tier_id" json:"tier_id"`
	DailyUsed         int       `db:"daily_used" json:"daily_used"`
	DailyReserved     int       `db:"daily_reserved" json:"daily_reserved"`
	MonthlyUsed       int       `db:"monthly_used" json:"monthly_used"`
	MonthlyReserved   int       `db:"monthly_reserved" json:"monthly_reserved"`
	PreviousMonthUsed int       `db:"previous_month_used" json:"previous_month_used"`
	WindowDay         string    `db:"window_day" json:"window_day"`
	WindowMonth       string    `db:"window_month" json:"window_month"`
	ReservedBy        string    `db:"reserved_by" json:"reserved_by,omitempty"` // limiter instance holding the reservations
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}
