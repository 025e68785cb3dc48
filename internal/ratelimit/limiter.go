package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Store persists one RateLimitState per tenant. Load returns (nil, nil)
// for a tenant that has never sent.
type Store interface {
	Load(ctx context.Context, tenantID string) (*model.RateLimitState, error)
	Save(ctx context.Context, st *model.RateLimitState) error
}

type Config struct {
	Timezone        string            `koanf:"timezone"`
	Tiers           []Tier            `koanf:"tiers"`
	TenantTimezones map[string]string `koanf:"tenant_timezones"`
	TenantTiers     map[string]string `koanf:"tenant_tiers"`
	Store           string            `koanf:"store"`
	RedisPrefix     string            `koanf:"redis_prefix"`
}

func (c *Config) SetDefaults() {
	if c.Timezone == "" {
		c.Timezone = "America/Guayaquil"
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Store == "" {
		c.Store = "postgres"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "dispatcher:ratelimit:"
	}
}

func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("ratelimit.timezone: %w", err)
	}
	for tenant, tz := range c.TenantTimezones {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("ratelimit.tenant_timezones[%s]: %w", tenant, err)
		}
	}
	for _, t := range c.Tiers {
		if t.ID == "" || t.DailyLimit <= 0 || t.MonthlyLimit <= 0 {
			return fmt.Errorf("ratelimit.tiers: tier %q needs an id and positive limits", t.ID)
		}
	}
	switch c.Store {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("ratelimit.store: unknown store %q", c.Store)
	}
	return nil
}

// Decision is the outcome of a CheckAndReserve call.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	TierID       string        `json:"tier_id"`
	DailyUsed    int           `json:"daily_used"`
	DailyLimit   int           `json:"daily_limit"`
	MonthlyUsed  int           `json:"monthly_used"`
	MonthlyLimit int           `json:"monthly_limit"`
	WaitTime     time.Duration `json:"wait_time"`
}

// Usage is what a finished batch reports back. Reserved is released in
// full; Sent and Failed (provider-attempted only) count against the quota.
type Usage struct {
	Sent     int
	Failed   int
	Reserved int
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log.With().Str("component", "ratelimit").Logger() }
}

// Limiter gates batches against per-tenant daily and monthly quotas.
// Every read-check-write for a tenant runs under that tenant's mutex.
//
// Reservations are tagged with the limiter's instance id. A state loaded
// with reservations from another instance belongs to a process that died
// before releasing them, so they are dropped. One dispatcher process per
// store is assumed.
type Limiter struct {
	instance  string
	store     Store
	tiers     tierTable
	loc       *time.Location
	tenantLoc map[string]*time.Location
	pins      map[string]string
	now       func() time.Time
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg Config, store Store, opts ...Option) (*Limiter, error) {
	cfg.SetDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}

	l := &Limiter{
		instance:  uuid.NewString(),
		store:     store,
		tiers:     newTierTable(cfg.Tiers),
		loc:       loc,
		tenantLoc: make(map[string]*time.Location, len(cfg.TenantTimezones)),
		pins:      cfg.TenantTiers,
		now:       time.Now,
		log:       zerolog.Nop(),
		locks:     make(map[string]*sync.Mutex),
	}
	for tenant, tz := range cfg.TenantTimezones {
		tl, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s for tenant %s: %w", tz, tenant, err)
		}
		l.tenantLoc[tenant] = tl
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CheckAndReserve admits a batch of requested messages when both windows
// have room for it, counting outstanding reservations. It never blocks
// waiting for quota; a denied Decision carries the time until the blocking
// window resets.
func (l *Limiter) CheckAndReserve(ctx context.Context, tenantID string, requested int) (Decision, error) {
	unlock := l.lock(tenantID)
	defer unlock()

	now := l.now()
	st, err := l.load(ctx, tenantID, now)
	if err != nil {
		return Decision{}, err
	}
	tier := l.tierOf(st)

	dailyOK := st.DailyUsed+st.DailyReserved+requested <= tier.DailyLimit
	monthlyOK := st.MonthlyUsed+st.MonthlyReserved+requested <= tier.MonthlyLimit

	d := Decision{
		Allowed:      dailyOK && monthlyOK,
		TierID:       tier.ID,
		DailyUsed:    st.DailyUsed,
		DailyLimit:   tier.DailyLimit,
		MonthlyUsed:  st.MonthlyUsed,
		MonthlyLimit: tier.MonthlyLimit,
	}

	if !d.Allowed {
		local := now.In(l.location(tenantID))
		if !dailyOK {
			d.WaitTime = nextDay(local).Sub(local)
		}
		if !monthlyOK {
			if w := nextMonth(local).Sub(local); w > d.WaitTime {
				d.WaitTime = w
			}
		}
		// The rolled-over windows are still worth persisting.
		if err := l.save(ctx, st, now); err != nil {
			return Decision{}, err
		}
		l.log.Debug().
			Str("tenant_id", tenantID).
			Int("requested", requested).
			Dur("wait", d.WaitTime).
			Msg("batch deferred by quota")
		return d, nil
	}

	st.DailyReserved += requested
	st.MonthlyReserved += requested
	if err := l.save(ctx, st, now); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// RecordUsage releases a batch's reservation and charges what the provider
// actually saw.
func (l *Limiter) RecordUsage(ctx context.Context, tenantID string, u Usage) error {
	unlock := l.lock(tenantID)
	defer unlock()

	now := l.now()
	st, err := l.load(ctx, tenantID, now)
	if err != nil {
		return err
	}

	st.DailyReserved = max(0, st.DailyReserved-u.Reserved)
	st.MonthlyReserved = max(0, st.MonthlyReserved-u.Reserved)
	used := u.Sent + u.Failed
	st.DailyUsed += used
	st.MonthlyUsed += used

	return l.save(ctx, st, now)
}

// Snapshot returns the tenant's current state and tier without reserving.
func (l *Limiter) Snapshot(ctx context.Context, tenantID string) (model.RateLimitState, Tier, error) {
	unlock := l.lock(tenantID)
	defer unlock()

	st, err := l.load(ctx, tenantID, l.now())
	if err != nil {
		return model.RateLimitState{}, Tier{}, err
	}
	return *st, l.tierOf(st), nil
}

func (l *Limiter) lock(tenantID string) func() {
	l.mu.Lock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Limiter) location(tenantID string) *time.Location {
	if loc, ok := l.tenantLoc[tenantID]; ok {
		return loc
	}
	return l.loc
}

// load reads the tenant state and applies any pending window rollover.
func (l *Limiter) load(ctx context.Context, tenantID string, now time.Time) (*model.RateLimitState, error) {
	st, err := l.store.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state for %s: %w", tenantID, err)
	}
	if st == nil {
		st = &model.RateLimitState{TenantID: tenantID}
	}

	local := now.In(l.location(tenantID))
	day := local.Format(dayLayout)
	month := local.Format(monthLayout)

	if st.WindowMonth != month {
		st.PreviousMonthUsed = 0
		if st.WindowMonth != "" && precedes(st.WindowMonth, month) {
			st.PreviousMonthUsed = st.MonthlyUsed
		}
		st.MonthlyUsed = 0
		st.MonthlyReserved = 0
		st.WindowMonth = month
	}
	if st.WindowDay != day {
		st.DailyUsed = 0
		st.DailyReserved = 0
		st.WindowDay = day
	}

	if st.ReservedBy != l.instance {
		if st.DailyReserved > 0 || st.MonthlyReserved > 0 {
			l.log.Warn().
				Str("tenant_id", tenantID).
				Str("reserved_by", st.ReservedBy).
				Int("daily_reserved", st.DailyReserved).
				Int("monthly_reserved", st.MonthlyReserved).
				Msg("dropping reservations left by a previous process")
		}
		st.DailyReserved = 0
		st.MonthlyReserved = 0
		st.ReservedBy = l.instance
	}

	st.TierID = l.tierOf(st).ID
	return st, nil
}

func (l *Limiter) save(ctx context.Context, st *model.RateLimitState, now time.Time) error {
	st.UpdatedAt = now
	if err := l.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save rate limit state for %s: %w", st.TenantID, err)
	}
	return nil
}

func (l *Limiter) tierOf(st *model.RateLimitState) Tier {
	if pinned, ok := l.pins[st.TenantID]; ok {
		return l.tiers.get(pinned)
	}
	return l.tiers.forUsage(st.PreviousMonthUsed)
}

// precedes reports whether prev is the calendar month right before cur.
func precedes(prev, cur string) bool {
	p, err := time.Parse(monthLayout, prev)
	if err != nil {
		return false
	}
	c, err := time.Parse(monthLayout, cur)
	if err != nil {
		return false
	}
	return p.AddDate(0, 1, 0).Equal(c)
}

func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

func nextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
}
