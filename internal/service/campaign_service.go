// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/progress"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/resolver"
)

// Controller runs the campaign state machine.
type Controller interface {
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID string, filter model.Filter) (*resolver.Resolution, error)
}

type QuotaSource interface {
	Snapshot(ctx context.Context, tenantID string) (model.RateLimitState, ratelimit.Tier, error)
}

type PricingConfig struct {
	CostPerMessage string `koanf:"cost_per_message"`
}

func (c *PricingConfig) SetDefaults() {
	if c.CostPerMessage == "" {
		c.CostPerMessage = "0.055"
	}
}

func (c *PricingConfig) Validate() error {
	d, err := decimal.NewFromString(c.CostPerMessage)
	if err != nil {
		return fmt.Errorf("pricing.cost_per_message: %w", err)
	}
	if d.IsNegative() {
		return fmt.Errorf("pricing.cost_per_message must not be negative")
	}
	return nil
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	OutboundRepo repository.OutboundMessageRepositoryInterface
	Resolver     RecipientResolver
	Dispatcher   Controller
	Limiter      QuotaSource
	CostPerMsg   decimal.Decimal
	Log          zerolog.Logger
	Now          func() time.Time
}

func NewCampaignService(campaigns repository.CampaignRepositoryInterface, messages repository.OutboundMessageRepositoryInterface,
	res RecipientResolver, ctrl Controller, limiter QuotaSource, pricing PricingConfig, log zerolog.Logger) (*CampaignService, error) {
	pricing.SetDefaults()
	cost, err := decimal.NewFromString(pricing.CostPerMessage)
	if err != nil {
		return nil, fmt.Errorf("parse cost per message: %w", err)
	}
	return &CampaignService{
		CampaignRepo: campaigns,
		OutboundRepo: messages,
		Resolver:     res,
		Dispatcher:   ctrl,
		Limiter:      limiter,
		CostPerMsg:   cost,
		Log:          log.With().Str("component", "campaign_service").Logger(),
		Now:          time.Now,
	}, nil
}

// CreateCampaignInput carries a creation request. BatchSize and
// InterBatchDelay override the preset when set.
type CreateCampaignInput struct {
	TenantID        string
	Name            string
	Message         string
	TemplateRef     string
	Variables       model.Vars
	Filter          model.Filter
	Preset          string
	BatchSize       *int
	InterBatchDelay *time.Duration
	ScheduledAt     *time.Time
	AutoStart       bool
}

// CampaignStatus is a campaign with its derived progress.
type CampaignStatus struct {
	Campaign *model.Campaign   `json:"campaign"`
	Progress progress.Progress `json:"progress"`
}

// Preview is a dry resolution of a filter.
type Preview struct {
	Eligible          int                 `json:"eligible"`
	Candidates        int                 `json:"candidates"`
	Exclusions        resolver.Exclusions `json:"exclusions"`
	Recommended       model.BatchPreset   `json:"recommended"`
	EstimatedCost     decimal.Decimal     `json:"estimated_cost"`
	EstimatedDuration string              `json:"estimated_duration"`
	Sample            []model.Recipient   `json:"sample"`
}

type Quota struct {
	TenantID         string `json:"tenant_id"`
	TierID           string `json:"tier_id"`
	DailyUsed        int    `json:"daily_used"`
	DailyReserved    int    `json:"daily_reserved"`
	DailyLimit       int    `json:"daily_limit"`
	DailyRemaining   int    `json:"daily_remaining"`
	MonthlyUsed      int    `json:"monthly_used"`
	MonthlyReserved  int    `json:"monthly_reserved"`
	MonthlyLimit     int    `json:"monthly_limit"`
	MonthlyRemaining int    `json:"monthly_remaining"`
	WindowDay        string `json:"window_day"`
	WindowMonth      string `json:"window_month"`
}

const previewSample = 10

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateCampaign resolves the audience once and stores the campaign as
// pending. With AutoStart and no future ScheduledAt it is started right away.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, resolver.Exclusions, error) {
	var none resolver.Exclusions

	if strings.TrimSpace(in.TenantID) == "" {
		return nil, none, appErrors.InvalidConfig("tenant_id is required")
	}
	if strings.TrimSpace(in.Message) == "" && strings.TrimSpace(in.TemplateRef) == "" {
		return nil, none, appErrors.InvalidConfig("message or template_ref is required")
	}

	preset := model.PresetNormal
	if in.Preset != "" {
		p, ok := model.PresetByName(in.Preset)
		if !ok {
			return nil, none, appErrors.InvalidConfig("unknown preset %q", in.Preset)
		}
		preset = p
	}
	batchSize, delay := preset.BatchSize, preset.InterBatchDelay
	if in.BatchSize != nil {
		batchSize = *in.BatchSize
	}
	if in.InterBatchDelay != nil {
		delay = *in.InterBatchDelay
	}
	if batchSize < 1 {
		return nil, none, appErrors.InvalidConfig("batch_size must be at least 1, got %d", batchSize)
	}
	if delay < 0 {
		return nil, none, appErrors.InvalidConfig("inter_batch_delay must not be negative, got %s", delay)
	}

	res, err := s.Resolver.Resolve(ctx, in.TenantID, in.Filter)
	if err != nil {
		return nil, none, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(res.Recipients) == 0 {
		return nil, res.Exclusions, appErrors.InvalidFilter("no eligible recipients (%d candidates, %d excluded)",
			res.Candidates, res.Exclusions.Total())
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("Campaign %s", s.now().Format("2006-01-02 15:04"))
	}
	vars := in.Variables
	if vars == nil {
		vars = model.Vars{}
	}

	c := &model.Campaign{
		TenantID:        in.TenantID,
		Name:            name,
		Message:         in.Message,
		TemplateRef:     in.TemplateRef,
		Variables:       vars,
		Filter:          in.Filter,
		BatchSize:       batchSize,
		InterBatchDelay: delay,
		Status:          model.CampaignPending,
		TotalTargeted:   len(res.Recipients),
		EstimatedCost:   s.estimate(len(res.Recipients)),
		ScheduledAt:     in.ScheduledAt,
	}
	if err := s.CampaignRepo.Create(ctx, c, res.Recipients); err != nil {
		return nil, res.Exclusions, fmt.Errorf("create campaign: %w", err)
	}

	s.Log.Info().
		Str("campaign_id", c.ID).
		Str("tenant_id", c.TenantID).
		Int("recipients", c.TotalTargeted).
		Int("excluded", res.Exclusions.Total()).
		Int("batch_size", c.BatchSize).
		Dur("inter_batch_delay", c.InterBatchDelay).
		Msg("campaign created")

	if in.AutoStart && (c.ScheduledAt == nil || !c.ScheduledAt.After(s.now())) {
		if err := s.Dispatcher.Start(ctx, c.ID); err != nil {
			return c, res.Exclusions, fmt.Errorf("start campaign: %w", err)
		}
		if fresh, err := s.CampaignRepo.Get(ctx, c.ID); err == nil {
			c = fresh
		}
	}
	return c, res.Exclusions, nil
}

func (s *CampaignService) estimate(recipients int) decimal.Decimal {
	return s.CostPerMsg.Mul(decimal.NewFromInt(int64(recipients)))
}

func (s *CampaignService) GetStatus(ctx context.Context, id string) (*CampaignStatus, error) {
	c, err := s.CampaignRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignStatus{Campaign: c, Progress: progress.Compute(c)}, nil
}

func (s *CampaignService) Start(ctx context.Context, id string) error {
	return s.Dispatcher.Start(ctx, id)
}

func (s *CampaignService) Pause(ctx context.Context, id string) error {
	return s.Dispatcher.Pause(ctx, id)
}

func (s *CampaignService) Resume(ctx context.Context, id string) error {
	return s.Dispatcher.Resume(ctx, id)
}

func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	return s.Dispatcher.Cancel(ctx, id)
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID, status string, page, pageSize int) ([]model.Campaign, map[string]int, error) {
	if status != "" && !model.CampaignStatus(status).Valid() {
		return nil, nil, appErrors.InvalidConfig("unknown status %q", status)
	}
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// ListMessages pages through the message records of one campaign.
func (s *CampaignService) ListMessages(ctx context.Context, campaignID, status string, page, pageSize int) ([]model.OutboundMessage, map[string]int, error) {
	if status != "" && status != string(model.MessagePending) && !model.MessageStatus(status).Terminal() {
		return nil, nil, appErrors.InvalidConfig("unknown message status %q", status)
	}
	if _, err := s.CampaignRepo.Get(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := paginate(page, pageSize)

	msgs, total, err := s.OutboundRepo.ListByCampaign(ctx, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return msgs, pagination(page, pageSize, total), nil
}

// PreviewRecipients resolves a filter without creating anything.
func (s *CampaignService) PreviewRecipients(ctx context.Context, tenantID string, filter model.Filter) (*Preview, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, appErrors.InvalidConfig("tenant_id is required")
	}
	res, err := s.Resolver.Resolve(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	n := len(res.Recipients)
	preset := model.RecommendPreset(n)
	p := progress.Compute(&model.Campaign{
		Status:          model.CampaignPending,
		TotalTargeted:   n,
		BatchSize:       preset.BatchSize,
		InterBatchDelay: preset.InterBatchDelay,
	})

	sample := res.Recipients
	if len(sample) > previewSample {
		sample = sample[:previewSample]
	}
	return &Preview{
		Eligible:          n,
		Candidates:        res.Candidates,
		Exclusions:        res.Exclusions,
		Recommended:       preset,
		EstimatedCost:     s.estimate(n),
		EstimatedDuration: p.RemainingHuman,
		Sample:            sample,
	}, nil
}

func (s *CampaignService) Quota(ctx context.Context, tenantID string) (*Quota, error) {
	st, tier, err := s.Limiter.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rate limit snapshot: %w", err)
	}
	return &Quota{
		TenantID:         tenantID,
		TierID:           tier.ID,
		DailyUsed:        st.DailyUsed,
		DailyReserved:    st.DailyReserved,
		DailyLimit:       tier.DailyLimit,
		DailyRemaining:   max(0, tier.DailyLimit-st.DailyUsed-st.DailyReserved),
		MonthlyUsed:      st.MonthlyUsed,
		MonthlyReserved:  st.MonthlyReserved,
		MonthlyLimit:     tier.MonthlyLimit,
		MonthlyRemaining: max(0, tier.MonthlyLimit-st.MonthlyUsed-st.MonthlyReserved),
		WindowDay:        st.WindowDay,
		WindowMonth:      st.WindowMonth,
	}, nil
}

// StartDue starts pending campaigns whose scheduled time has passed. A
// campaign started or cancelled concurrently is skipped.
func (s *CampaignService) StartDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.CampaignRepo.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	started := 0
	var errs []error
	for _, c := range due {
		err := s.Dispatcher.Start(ctx, c.ID)
		switch {
		case err == nil:
			started++
			s.Log.Info().Str("campaign_id", c.ID).Time("scheduled_at", *c.ScheduledAt).Msg("scheduled campaign started")
		case errors.Is(err, appErrors.ErrInvalidTransitionKind), errors.Is(err, appErrors.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("start %s: %w", c.ID, err))
		}
	}
	return started, errors.Join(errs...)
}
