package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
)

// RecipientStore returns raw candidates matching the non-phone parts of a filter.
type RecipientStore interface {
	FindCandidates(ctx context.Context, tenantID string, filter model.Filter) ([]model.Candidate, error)
}

// OptOutStore returns the subset of phones that opted out and did not opt back in.
type OptOutStore interface {
	OptedOut(ctx context.Context, tenantID string, phones []string) (map[string]bool, error)
}

// SendHistoryStore returns the subset of phones messaged at or after since.
type SendHistoryStore interface {
	SentSince(ctx context.Context, tenantID string, phones []string, since time.Time) (map[string]bool, error)
}

// Exclusions counts why candidates were left out.
type Exclusions struct {
	InvalidPhone int `json:"invalid_phone"`
	OptedOut     int `json:"opted_out"`
	Cooldown     int `json:"cooldown"`
	NotAllowed   int `json:"not_allowed"`
	Duplicates   int `json:"duplicates"`
	Capped       int `json:"capped"`
}

func (e Exclusions) Total() int {
	return e.InvalidPhone + e.OptedOut + e.Cooldown + e.NotAllowed + e.Duplicates + e.Capped
}

type Resolution struct {
	Candidates int               `json:"candidates"`
	Recipients []model.Recipient `json:"recipients"`
	Exclusions Exclusions        `json:"exclusions"`
}

type Config struct {
	Cooldown time.Duration `koanf:"cooldown"`
}

func (c *Config) SetDefaults() {
	if c.Cooldown == 0 {
		c.Cooldown = 24 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("resolver.cooldown must not be negative")
	}
	return nil
}

type Resolver struct {
	recipients RecipientStore
	optOuts    OptOutStore
	history    SendHistoryStore
	normalizer *phone.Normalizer
	cooldown   time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func New(cfg Config, recipients RecipientStore, optOuts OptOutStore, history SendHistoryStore, normalizer *phone.Normalizer, log zerolog.Logger) *Resolver {
	cfg.SetDefaults()
	return &Resolver{
		recipients: recipients,
		optOuts:    optOuts,
		history:    history,
		normalizer: normalizer,
		cooldown:   cfg.Cooldown,
		now:        time.Now,
		log:        log.With().Str("component", "resolver").Logger(),
	}
}

// SetClock replaces time.Now, for tests.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

type normalized struct {
	model.Candidate
	phone string
}

// Resolve computes the eligible recipient list for a filter. Opt-out and
// cooldown exclusions always apply, an allow-list only narrows the result,
// and the first occurrence of a phone wins.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, filter model.Filter) (*Resolution, error) {
	candidates, err := r.recipients.FindCandidates(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	res := &Resolution{Candidates: len(candidates), Recipients: []model.Recipient{}}

	rows := make([]normalized, 0, len(candidates))
	distinct := make([]string, 0, len(candidates))
	seenPhone := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		p, err := r.normalizer.Normalize(c.Phone)
		if err != nil {
			res.Exclusions.InvalidPhone++
			continue
		}
		rows = append(rows, normalized{Candidate: c, phone: p})
		if !seenPhone[p] {
			seenPhone[p] = true
			distinct = append(distinct, p)
		}
	}

	optedOut := map[string]bool{}
	cooling := map[string]bool{}
	if len(distinct) > 0 {
		optedOut, err = r.optOuts.OptedOut(ctx, tenantID, distinct)
		if err != nil {
			return nil, fmt.Errorf("load opt-outs: %w", err)
		}
		cooling, err = r.history.SentSince(ctx, tenantID, distinct, r.now().Add(-r.cooldown))
		if err != nil {
			return nil, fmt.Errorf("load send history: %w", err)
		}
	}

	var allowed map[string]bool
	if len(filter.Phones) > 0 {
		allowed = make(map[string]bool, len(filter.Phones))
		for _, raw := range filter.Phones {
			if p, err := r.normalizer.Normalize(raw); err == nil {
				allowed[p] = true
			}
		}
	}

	counted := make(map[string]bool)
	taken := make(map[string]bool)
	for _, row := range rows {
		switch {
		case optedOut[row.phone]:
			if !counted[row.phone] {
				counted[row.phone] = true
				res.Exclusions.OptedOut++
			}
			continue
		case cooling[row.phone]:
			if !counted[row.phone] {
				counted[row.phone] = true
				res.Exclusions.Cooldown++
			}
			continue
		case allowed != nil && !allowed[row.phone]:
			res.Exclusions.NotAllowed++
			continue
		case taken[row.phone]:
			res.Exclusions.Duplicates++
			continue
		}

		taken[row.phone] = true
		res.Recipients = append(res.Recipients, model.Recipient{
			Position: len(res.Recipients),
			Phone:    row.phone,
			Name:     row.Name,
			Points:   row.Points,
		})
	}

	if allowed == nil && filter.MaxRecipients > 0 && len(res.Recipients) > filter.MaxRecipients {
		res.Exclusions.Capped = len(res.Recipients) - filter.MaxRecipients
		res.Recipients = res.Recipients[:filter.MaxRecipients]
	}

	r.log.Debug().
		Str("tenant_id", tenantID).
		Int("candidates", res.Candidates).
		Int("eligible", len(res.Recipients)).
		Int("opted_out", res.Exclusions.OptedOut).
		Int("cooldown", res.Exclusions.Cooldown).
		Msg("recipients resolved")

	return res, nil
}
