package ratelimit

import "sort"

// Tier is a provider messaging tier with daily and monthly ceilings.
// MinPreviousMonth is the usage a tenant must have sent in the previous
// calendar month to be placed in this tier.
type Tier struct {
	ID               string `koanf:"id" json:"id"`
	DailyLimit       int    `koanf:"daily_limit" json:"daily_limit"`
	MonthlyLimit     int    `koanf:"monthly_limit" json:"monthly_limit"`
	MinPreviousMonth int    `koanf:"min_previous_month" json:"min_previous_month"`
}

const DefaultTierID = "TIER_1"

func DefaultTiers() []Tier {
	return []Tier{
		{ID: "TIER_1", DailyLimit: 1000, MonthlyLimit: 1000, MinPreviousMonth: 0},
		{ID: "TIER_2", DailyLimit: 10000, MonthlyLimit: 10000, MinPreviousMonth: 1000},
		{ID: "TIER_3", DailyLimit: 100000, MonthlyLimit: 100000, MinPreviousMonth: 10000},
	}
}

type tierTable struct {
	byID     map[string]Tier
	ordered  []Tier // ascending MinPreviousMonth
	fallback Tier
}

func newTierTable(tiers []Tier) tierTable {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	t := tierTable{byID: make(map[string]Tier, len(tiers))}
	for _, tier := range tiers {
		t.byID[tier.ID] = tier
		t.ordered = append(t.ordered, tier)
	}
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return t.ordered[i].MinPreviousMonth < t.ordered[j].MinPreviousMonth
	})
	if tier, ok := t.byID[DefaultTierID]; ok {
		t.fallback = tier
	} else {
		t.fallback = t.ordered[0]
	}
	return t
}

func (t tierTable) get(id string) Tier {
	if tier, ok := t.byID[id]; ok {
		return tier
	}
	return t.fallback
}

// forUsage returns the highest tier whose threshold previousMonth reaches.
func (t tierTable) forUsage(previousMonth int) Tier {
	tier := t.fallback
	for _, candidate := range t.ordered {
		if previousMonth >= candidate.MinPreviousMonth {
			tier = candidate
		}
	}
	return tier
}
