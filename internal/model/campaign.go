// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no control operation can move the campaign again.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignPending, CampaignRunning, CampaignPaused,
		CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

type Campaign struct {
	ID              string          `db:"id" json:"id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	Name            string          `db:"name" json:"name"`
	Message         string          `db:"message" json:"message,omitempty"`
	TemplateRef     string          `db:"template_ref" json:"template_ref,omitempty"`
	Variables       Vars            `db:"variables" json:"variables,omitempty"`
	Filter          Filter          `db:"filter" json:"filter"`
	BatchSize       int             `db:"batch_size" json:"batch_size"`
	InterBatchDelay time.Duration   `db:"inter_batch_delay_ns" json:"inter_batch_delay"`
	Status          CampaignStatus  `db:"status" json:"status"`
	TotalTargeted   int             `db:"total_targeted" json:"total_targeted"`
	TotalSent       int             `db:"total_sent" json:"total_sent"`
	TotalFailed     int             `db:"total_failed" json:"total_failed"`
	Cursor          int             `db:"cursor_position" json:"cursor"`
	EstimatedCost   decimal.Decimal `db:"estimated_cost" json:"estimated_cost"`
	FailureReason   string          `db:"failure_reason" json:"failure_reason,omitempty"`
	ScheduledAt     *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Remaining is the number of targeted recipients with no terminal outcome yet.
func (c *Campaign) Remaining() int {
	r := c.TotalTargeted - c.TotalSent - c.TotalFailed
	if r < 0 {
		return 0
	}
	return r
}

// Filter selects candidate recipients for a tenant.
type Filter struct {
	MinPoints           *int     `json:"min_points,omitempty"`
	LastVisitWithinDays *int     `json:"last_visit_within_days,omitempty"`
	Phones              []string `json:"phones,omitempty"`
	MaxRecipients       int      `json:"max_recipients,omitempty"`
}

// Value encodes as text; lib/pq would send []byte as bytea.
func (f Filter) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	return string(b), err
}

func (f *Filter) Scan(src any) error {
	return scanJSON(src, f)
}

// Vars are template variables keyed by placeholder name.
type Vars map[string]string

func (v Vars) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(v))
	return string(b), err
}

func (v *Vars) Scan(src any) error {
	return scanJSON(src, v)
}

func scanJSON(src any, dst any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(s, dst)
	case string:
		return json.Unmarshal([]byte(s), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
