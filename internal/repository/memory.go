package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// MemoryStore implements every repository interface in process. It backs
// tests and `store.kind: memory` runs.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign
	order      []string
	recipients map[string][]model.Recipient
	messages   map[string][]*model.OutboundMessage // by campaign, creation order
	customers  map[string][]model.Candidate
	optOuts    map[string]map[string]bool
	history    map[string]map[string]time.Time
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[string]*model.Campaign),
		recipients: make(map[string][]model.Recipient),
		messages:   make(map[string][]*model.OutboundMessage),
		customers:  make(map[string][]model.Candidate),
		optOuts:    make(map[string]map[string]bool),
		history:    make(map[string]map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces time.Now, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ====================== Seeding ======================

func (s *MemoryStore) AddCustomer(tenantID string, c model.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[tenantID] = append(s.customers[tenantID], c)
}

// OptOut registers an already normalized phone as opted out.
func (s *MemoryStore) OptOut(tenantID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.optOuts[tenantID] == nil {
		s.optOuts[tenantID] = make(map[string]bool)
	}
	s.optOuts[tenantID][phone] = true
}

// RecordSend registers a message delivered outside of any campaign here.
func (s *MemoryStore) RecordSend(tenantID, phone string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history[tenantID] == nil {
		s.history[tenantID] = make(map[string]time.Time)
	}
	if at.After(s.history[tenantID][phone]) {
		s.history[tenantID][phone] = at
	}
}

// ====================== Campaign CRUD ======================

func (s *MemoryStore) Create(_ context.Context, c *model.Campaign, recipients []model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.CampaignPending
	}

	cp := *c
	s.campaigns[c.ID] = &cp
	s.order = append(s.order, c.ID)

	list := make([]model.Recipient, len(recipients))
	for i, r := range recipients {
		r.CampaignID = c.ID
		r.Position = i
		list[i] = r
	}
	s.recipients[c.ID] = list
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context, tenantID, status string, offset, limit int) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []*model.Campaign
	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.campaigns[s.order[i]]
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	return page(filtered, offset, limit), len(filtered), nil
}

// ====================== Dispatch state ======================

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(from, c.Status) {
		return false, nil
	}

	now := s.now()
	c.Status = to
	c.UpdatedAt = now
	if to == model.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to.Terminal() {
		c.CompletedAt = &now
	}
	if reason != "" {
		c.FailureReason = reason
	}
	return true, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, cursor, sentDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if cursor > c.Cursor {
		c.Cursor = min(cursor, c.TotalTargeted)
	}
	c.TotalSent += sentDelta
	c.TotalFailed += failedDelta
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Campaign
	for _, id := range s.order {
		if c := s.campaigns[id]; c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Campaign
	for _, id := range s.order {
		c := s.campaigns[id]
		if c.Status == model.CampaignPending && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Recipients(_ context.Context, id string, offset, limit int) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.recipients[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return slices.Clone(page(list, offset, limit)), nil
}

// ====================== Outbound messages ======================

func (s *MemoryStore) EnsurePending(_ context.Context, c *model.Campaign, recipients []model.Recipient) ([]model.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPhone := make(map[string]*model.OutboundMessage, len(s.messages[c.ID]))
	for _, m := range s.messages[c.ID] {
		byPhone[m.Phone] = m
	}

	now := s.now()
	out := make([]model.OutboundMessage, 0, len(recipients))
	for _, r := range recipients {
		m, ok := byPhone[r.Phone]
		if !ok {
			m = &model.OutboundMessage{
				ID:         uuid.NewString(),
				CampaignID: c.ID,
				TenantID:   c.TenantID,
				Phone:      r.Phone,
				Status:     model.MessagePending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			s.messages[c.ID] = append(s.messages[c.ID], m)
			byPhone[r.Phone] = m
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) Finalize(_ context.Context, msg *model.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages[msg.CampaignID] {
		if m.ID != msg.ID {
			continue
		}
		if m.Status.Terminal() {
			return nil
		}
		m.Status = msg.Status
		m.Attempts = msg.Attempts
		m.LastError = msg.LastError
		m.ProviderMessageID = msg.ProviderMessageID
		m.SentAt = msg.SentAt
		m.UpdatedAt = s.now()
		return nil
	}
	return fmt.Errorf("message %s not found", msg.ID)
}

func (s *MemoryStore) ListByCampaign(_ context.Context, campaignID, status string, offset, limit int) ([]model.OutboundMessage, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []model.OutboundMessage
	for _, m := range s.messages[campaignID] {
		if status != "" && string(m.Status) != status {
			continue
		}
		filtered = append(filtered, *m)
	}
	return page(filtered, offset, limit), len(filtered), nil
}

// ====================== Customers ======================

func (s *MemoryStore) FindCandidates(_ context.Context, tenantID string, filter model.Filter) ([]model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var since time.Time
	if filter.LastVisitWithinDays != nil {
		since = s.now().AddDate(0, 0, -*filter.LastVisitWithinDays)
	}

	var out []model.Candidate
	for _, c := range s.customers[tenantID] {
		if filter.MinPoints != nil && c.Points < *filter.MinPoints {
			continue
		}
		if filter.LastVisitWithinDays != nil && (c.LastVisitAt == nil || c.LastVisitAt.Before(since)) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) OptedOut(_ context.Context, tenantID string, phones []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, p := range phones {
		if s.optOuts[tenantID][p] {
			out[p] = true
		}
	}
	return out, nil
}

// SentSince looks at both delivered campaign messages and recorded history.
func (s *MemoryStore) SentSince(_ context.Context, tenantID string, phones []string, since time.Time) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(phones))
	for _, p := range phones {
		wanted[p] = true
	}

	out := make(map[string]bool)
	for p, at := range s.history[tenantID] {
		if wanted[p] && !at.Before(since) {
			out[p] = true
		}
	}
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.TenantID == tenantID && wanted[m.Phone] && m.Status == model.MessageSent &&
				m.SentAt != nil && !m.SentAt.Before(since) {
				out[m.Phone] = true
			}
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
