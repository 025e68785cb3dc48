package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/metrics"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
)

// CampaignStore is the dispatcher's view of campaign persistence.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of `from`. It reports whether the update happened.
	TransitionStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, reason string) (bool, error)
	// UpdateProgress sets the cursor and adds the batch outcome to the
	// counters in one write. It never changes status.
	UpdateProgress(ctx context.Context, id string, cursor, sentDelta, failedDelta int) error
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
	Recipients(ctx context.Context, id string, offset, limit int) ([]model.Recipient, error)
}

// MessageStore persists per-recipient message records.
type MessageStore interface {
	// EnsurePending returns one message per recipient, in recipient order,
	// creating pending records for recipients that have none yet.
	EnsurePending(ctx context.Context, c *model.Campaign, recipients []model.Recipient) ([]model.OutboundMessage, error)
	// Finalize writes a terminal outcome. Records already terminal are left untouched.
	Finalize(ctx context.Context, msg *model.OutboundMessage) error
}

type Limiter interface {
	CheckAndReserve(ctx context.Context, tenantID string, requested int) (ratelimit.Decision, error)
	RecordUsage(ctx context.Context, tenantID string, u ratelimit.Usage) error
}

type MessageSender interface {
	Send(ctx context.Context, out model.Outbound) sender.Result
}

type Config struct {
	MaxRateLimitWait time.Duration `koanf:"max_rate_limit_wait"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	StoreRetries     int           `koanf:"store_retries"`
	StoreRetryDelay  time.Duration `koanf:"store_retry_delay"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

func (c *Config) SetDefaults() {
	if c.MaxRateLimitWait == 0 {
		c.MaxRateLimitWait = 5 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.StoreRetries == 0 {
		c.StoreRetries = 3
	}
	if c.StoreRetryDelay == 0 {
		c.StoreRetryDelay = time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.MaxRateLimitWait <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("dispatcher: max_rate_limit_wait and poll_interval must be positive")
	}
	if c.StoreRetries < 1 {
		return fmt.Errorf("dispatcher.store_retries must be at least 1")
	}
	return nil
}

var (
	errCampaignCancelled = errors.New("campaign cancelled")
	errShutdown          = errors.New("dispatcher shutting down")
)

// run is the in-process handle of one campaign loop.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Dispatcher owns one loop per running campaign. Control operations and the
// loop's status check are serialized by mu; status writes go through
// compare-and-set in the store.
type Dispatcher struct {
	campaigns CampaignStore
	messages  MessageStore
	limiter   Limiter
	sender    MessageSender
	cfg       Config
	metrics   metrics.Recorder
	log       zerolog.Logger
	now       func() time.Time

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	pacing map[string]time.Time
}

func New(cfg Config, campaigns CampaignStore, messages MessageStore, limiter Limiter, snd MessageSender, rec metrics.Recorder, log zerolog.Logger) *Dispatcher {
	cfg.SetDefaults()
	if rec == nil {
		rec = metrics.Nop{}
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Dispatcher{
		campaigns: campaigns,
		messages:  messages,
		limiter:   limiter,
		sender:    snd,
		cfg:       cfg,
		metrics:   rec,
		log:       log.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
		base:      base,
		stop:      stop,
		runs:      make(map[string]*run),
		pacing:    make(map[string]time.Time),
	}
}

// Start moves a pending campaign to running and launches its loop.
func (d *Dispatcher) Start(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transition(ctx, id, "start", []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning); err != nil {
		return err
	}
	d.spawnLocked(id)
	d.log.Info().Str("campaign_id", id).Msg("campaign started")
	return nil
}

// Pause stops the loop before its next batch. Pausing a paused campaign is a no-op.
func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.transition(ctx, id, "pause", []model.CampaignStatus{model.CampaignRunning}, model.CampaignPaused)
	var invalid *appErrors.ErrInvalidTransition
	if errors.As(err, &invalid) && invalid.From == string(model.CampaignPaused) {
		return nil
	}
	if err != nil {
		return err
	}
	if r, ok := d.runs[id]; ok {
		r.signal()
	}
	d.log.Info().Str("campaign_id", id).Msg("campaign paused")
	return nil
}

// Resume continues a paused campaign from its cursor.
func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transition(ctx, id, "resume", []model.CampaignStatus{model.CampaignPaused}, model.CampaignRunning); err != nil {
		return err
	}
	if r, ok := d.runs[id]; ok {
		r.signal()
	} else {
		d.spawnLocked(id)
	}
	d.log.Info().Str("campaign_id", id).Msg("campaign resumed")
	return nil
}

// Cancel stops the campaign for good. Messages of the in-flight batch that
// were not yet attempted stay pending.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := []model.CampaignStatus{model.CampaignPending, model.CampaignRunning, model.CampaignPaused}
	if err := d.transition(ctx, id, "cancel", from, model.CampaignCancelled); err != nil {
		return err
	}
	if r, ok := d.runs[id]; ok {
		r.cancel(errCampaignCancelled)
		r.signal()
	}
	delete(d.pacing, id)
	d.log.Info().Str("campaign_id", id).Msg("campaign cancelled")
	return nil
}

// Recover relaunches loops for campaigns persisted as running, e.g. after a
// restart. Batches interrupted by the previous process are re-run; messages
// that already reached a terminal state are not sent again.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	running, err := d.campaigns.ListByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return 0, fmt.Errorf("list running campaigns: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range running {
		if _, ok := d.runs[c.ID]; ok {
			continue
		}
		d.spawnLocked(c.ID)
		n++
	}
	if n > 0 {
		d.log.Info().Int("campaigns", n).Msg("recovered running campaigns")
	}
	return n, nil
}

// Active returns the number of campaign loops in this process.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

// Shutdown interrupts every loop and waits for in-flight batches to persist.
// Campaigns stay running in the store so Recover can pick them up.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// transition runs a compare-and-set and turns a lost race into ErrInvalidTransition.
func (d *Dispatcher) transition(ctx context.Context, id, action string, from []model.CampaignStatus, to model.CampaignStatus) error {
	ok, err := d.campaigns.TransitionStatus(ctx, id, from, to, "")
	if err != nil {
		return fmt.Errorf("%s campaign %s: %w", action, id, err)
	}
	if ok {
		return nil
	}

	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s campaign %s: %w", action, id, err)
	}
	return appErrors.NewInvalidTransition(id, string(c.Status), action)
}

func (d *Dispatcher) spawnLocked(id string) {
	ctx, cancel := context.WithCancelCause(d.base)
	r := &run{id: id, ctx: ctx, cancel: cancel, wake: make(chan struct{}, 1)}
	d.runs[id] = r
	d.metrics.ActiveCampaigns(len(d.runs))

	d.wg.Add(1)
	go d.loop(r, d.pacing[id])
}

func (d *Dispatcher) removeLocked(r *run, nextBatchAt time.Time) {
	if cur, ok := d.runs[r.id]; ok && cur == r {
		delete(d.runs, r.id)
	}
	if !nextBatchAt.IsZero() && !errors.Is(context.Cause(r.ctx), errCampaignCancelled) {
		d.pacing[r.id] = nextBatchAt
	}
	r.cancel(nil)
	d.metrics.ActiveCampaigns(len(d.runs))
}
