// internal/model/customer.go
package model

import "time"

// Candidate is a raw customer row before phone normalization and filtering.
type Candidate struct {
	ID          string     `db:"id" json:"id"`
	Phone       string     `db:"phone" json:"phone"`
	Name        string     `db:"name" json:"name"`
	Points      int        `db:"points" json:"points"`
	LastVisitAt *time.Time `db:"last_visit_at" json:"last_visit_at,omitempty"`
}

// Recipient is an eligible, normalized entry of a campaign's list.
type Recipient struct {
	CampaignID string `db:"campaign_id" json:"-"`
	Position   int    `db:"position" json:"position"`
	Phone      string `db:"phone" json:"phone"`
	Name       string `db:"name" json:"name"`
	Points     int    `db:"points" json:"points"`
	Variables  Vars   `db:"variables" json:"variables,omitempty"`
}
