package repository

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error
	Get(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID, status string, offset, limit int) ([]*model.Campaign, int, error)

	// Dispatch state
	TransitionStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, reason string) (bool, error)
	UpdateProgress(ctx context.Context, id string, cursor, sentDelta, failedDelta int) error
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	Recipients(ctx context.Context, id string, offset, limit int) ([]model.Recipient, error)
}

type OutboundMessageRepositoryInterface interface {
	EnsurePending(ctx context.Context, c *model.Campaign, recipients []model.Recipient) ([]model.OutboundMessage, error)
	Finalize(ctx context.Context, msg *model.OutboundMessage) error
	ListByCampaign(ctx context.Context, campaignID, status string, offset, limit int) ([]model.OutboundMessage, int, error)
}

// CustomerRepositoryInterface backs recipient resolution.
type CustomerRepositoryInterface interface {
	FindCandidates(ctx context.Context, tenantID string, filter model.Filter) ([]model.Candidate, error)
	OptedOut(ctx context.Context, tenantID string, phones []string) (map[string]bool, error)
	SentSince(ctx context.Context, tenantID string, phones []string, since time.Time) (map[string]bool, error)
}
