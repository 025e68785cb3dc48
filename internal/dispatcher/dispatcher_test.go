package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatcher"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/metrics"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]string
	calls atomic.Int32
	delay time.Duration // provider latency; the call gives up if ctx ends first
}

func (t *recordingTransport) Deliver(ctx context.Context, out model.Outbound) (string, error) {
	t.calls.Add(1)
	if t.delay > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("provider request: %w", ctx.Err())
		case <-time.After(t.delay):
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg, ok := t.fail[out.Phone]; ok {
		return "", errors.New(msg)
	}
	t.sent = append(t.sent, out.Phone)
	return "wamid." + out.Phone, nil
}

func (t *recordingTransport) phones() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

type countingRecorder struct {
	metrics.Nop
	deferrals atomic.Int32
}

func (r *countingRecorder) RateLimitDeferred() { r.deferrals.Add(1) }

type harness struct {
	store     *repository.MemoryStore
	transport *recordingTransport
	recorder  *countingRecorder
	d         *dispatcher.Dispatcher
}

type harnessOpts struct {
	throttle *rate.Limiter
	tiers    []ratelimit.Tier
	cfg      dispatcher.Config
	wrap     func(dispatcher.CampaignStore) dispatcher.CampaignStore
	latency  time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	limiter, err := ratelimit.New(ratelimit.Config{Tiers: opts.tiers}, ratelimit.NewMemoryStore())
	require.NoError(t, err)

	throttle := opts.throttle
	if throttle == nil {
		throttle = rate.NewLimiter(rate.Inf, 1)
	}
	tr := &recordingTransport{fail: map[string]string{}, delay: opts.latency}
	snd := sender.New(sender.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, tr, throttle, nil, zerolog.Nop())

	cfg := opts.cfg
	if cfg.StoreRetryDelay == 0 {
		cfg.StoreRetryDelay = time.Millisecond
	}
	var campaigns dispatcher.CampaignStore = store
	if opts.wrap != nil {
		campaigns = opts.wrap(store)
	}

	rec := &countingRecorder{}
	d := dispatcher.New(cfg, campaigns, store, limiter, snd, rec, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &harness{store: store, transport: tr, recorder: rec, d: d}
}

func (h *harness) createCampaign(t *testing.T, n, batchSize int, delay time.Duration) *model.Campaign {
	t.Helper()
	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{Phone: fmt.Sprintf("+5939%08d", i), Name: fmt.Sprintf("r%d", i)}
	}
	c := &model.Campaign{
		TenantID:        "tenant-a",
		Name:            "promo",
		Message:         "Hola {{nombre}}",
		BatchSize:       batchSize,
		InterBatchDelay: delay,
		TotalTargeted:   n,
	}
	require.NoError(t, h.store.Create(context.Background(), c, recipients))
	return c
}

func (h *harness) campaign(t *testing.T, id string) *model.Campaign {
	t.Helper()
	c, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) statusIs(t *testing.T, id string, want model.CampaignStatus) func() bool {
	return func() bool { return h.campaign(t, id).Status == want }
}

func TestDispatcher_RunsToCompletion(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 25, 10, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignCompleted), waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Equal(t, 25, got.TotalSent)
	assert.Zero(t, got.TotalFailed)
	assert.Equal(t, 25, got.Cursor)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, h.transport.phones(), 25)

	msgs, total, err := h.store.ListByCampaign(context.Background(), c.ID, string(model.MessageSent), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Equal(t, "wamid."+msgs[0].Phone, msgs[0].ProviderMessageID)
	assert.Equal(t, 1, msgs[0].Attempts)

	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)
}

func TestDispatcher_PermanentAndTransientFailuresCount(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 4, 2, 0)
	h.transport.fail["+593900000001"] = "recipient blocked"
	h.transport.fail["+593900000002"] = "timeout"

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignCompleted), waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Equal(t, 2, got.TotalSent)
	assert.Equal(t, 2, got.TotalFailed)

	failed, _, err := h.store.ListByCampaign(context.Background(), c.ID, string(model.MessageFailed), 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	attempts := map[string]int{}
	for _, m := range failed {
		attempts[m.Phone] = m.Attempts
	}
	assert.Equal(t, 1, attempts["+593900000001"])
	assert.Equal(t, 2, attempts["+593900000002"])
}

func TestDispatcher_ResumeCompletedIsInvalidTransition(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 3, 10, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignCompleted), waitFor, tick)

	err := h.d.Resume(context.Background(), c.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransitionKind)

	var invalid *appErrors.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "completed", invalid.From)
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, c.ID).Status)
}

func TestDispatcher_StartTwiceAndUnknownCampaign(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 20, 10, time.Hour)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	assert.ErrorIs(t, h.d.Start(context.Background(), c.ID), appErrors.ErrInvalidTransitionKind)
	assert.ErrorIs(t, h.d.Start(context.Background(), "missing"), appErrors.ErrNotFound)
	assert.ErrorIs(t, h.d.Pause(context.Background(), "missing"), appErrors.ErrNotFound)
}

func TestDispatcher_PauseIsIdempotentAndResumeContinues(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 20, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, h.d.Start(ctx, c.ID))
	require.Eventually(t, func() bool { return h.campaign(t, c.ID).Cursor == 10 }, waitFor, tick)

	require.NoError(t, h.d.Pause(ctx, c.ID))
	require.NoError(t, h.d.Pause(ctx, c.ID))
	assert.Equal(t, model.CampaignPaused, h.campaign(t, c.ID).Status)
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)

	require.NoError(t, h.d.Resume(ctx, c.ID))
	assert.Equal(t, model.CampaignRunning, h.campaign(t, c.ID).Status)
	assert.Equal(t, 1, h.d.Active())

	// The inter-batch delay still applies after resuming.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, h.campaign(t, c.ID).Cursor)

	require.NoError(t, h.d.Cancel(ctx, c.ID))
	assert.Equal(t, model.CampaignCancelled, h.campaign(t, c.ID).Status)
	assert.ErrorIs(t, h.d.Pause(ctx, c.ID), appErrors.ErrInvalidTransitionKind)
}

func TestDispatcher_CancelMidBatchLeavesUnattemptedPending(t *testing.T) {
	h := newHarness(t, harnessOpts{throttle: rate.NewLimiter(rate.Every(time.Hour), 1)})
	c := h.createCampaign(t, 10, 10, 0)
	ctx := context.Background()

	require.NoError(t, h.d.Start(ctx, c.ID))
	require.Eventually(t, func() bool { return h.transport.calls.Load() == 1 }, waitFor, tick)

	require.NoError(t, h.d.Cancel(ctx, c.ID))
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCancelled, got.Status)
	assert.Equal(t, 1, got.TotalSent)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, 9, got.Remaining())

	_, pending, err := h.store.ListByCampaign(ctx, c.ID, string(model.MessagePending), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 9, pending)
	assert.Equal(t, int32(1), h.transport.calls.Load())
}

func TestDispatcher_CancelDuringProviderCallKeepsOutcome(t *testing.T) {
	h := newHarness(t, harnessOpts{
		throttle: rate.NewLimiter(rate.Every(time.Hour), 1),
		latency:  150 * time.Millisecond,
	})
	c := h.createCampaign(t, 3, 3, 0)
	ctx := context.Background()

	require.NoError(t, h.d.Start(ctx, c.ID))
	require.Eventually(t, func() bool { return h.transport.calls.Load() == 1 }, waitFor, tick)

	require.NoError(t, h.d.Cancel(ctx, c.ID))
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCancelled, got.Status)
	assert.Equal(t, 1, got.TotalSent)
	assert.Zero(t, got.TotalFailed)

	sent, n, err := h.store.ListByCampaign(ctx, c.ID, string(model.MessageSent), 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "wamid."+sent[0].Phone, sent[0].ProviderMessageID)
	assert.Empty(t, sent[0].LastError)
}

func TestDispatcher_ShutdownDuringProviderCallKeepsOutcome(t *testing.T) {
	h := newHarness(t, harnessOpts{
		throttle: rate.NewLimiter(rate.Every(time.Hour), 1),
		latency:  150 * time.Millisecond,
	})
	c := h.createCampaign(t, 3, 3, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, func() bool { return h.transport.calls.Load() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	_, sent, err := h.store.ListByCampaign(ctx, c.ID, string(model.MessageSent), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	_, failed, err := h.store.ListByCampaign(ctx, c.ID, string(model.MessageFailed), 0, 10)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestDispatcher_CancelPendingCampaign(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 5, 5, 0)

	require.NoError(t, h.d.Cancel(context.Background(), c.ID))
	assert.Equal(t, model.CampaignCancelled, h.campaign(t, c.ID).Status)
	assert.ErrorIs(t, h.d.Start(context.Background(), c.ID), appErrors.ErrInvalidTransitionKind)
	assert.Zero(t, h.transport.calls.Load())
}

func TestDispatcher_RateLimitDefersWithoutMovingCursor(t *testing.T) {
	h := newHarness(t, harnessOpts{
		tiers: []ratelimit.Tier{{ID: "TIER_1", DailyLimit: 5, MonthlyLimit: 100}},
		cfg:   dispatcher.Config{MaxRateLimitWait: 10 * time.Millisecond},
	})
	c := h.createCampaign(t, 20, 10, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, func() bool { return h.recorder.deferrals.Load() >= 2 }, waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Equal(t, model.CampaignRunning, got.Status)
	assert.Zero(t, got.Cursor)
	assert.Zero(t, h.transport.calls.Load())
}

func TestDispatcher_RecoverSkipsTerminalMessages(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.createCampaign(t, 3, 10, 0)

	// Simulate a process that died mid-batch: running, first message sent,
	// cursor not yet advanced.
	ok, err := h.store.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, "")
	require.NoError(t, err)
	require.True(t, ok)
	recipients, err := h.store.Recipients(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	msgs, err := h.store.EnsurePending(ctx, c, recipients[:1])
	require.NoError(t, err)
	sentAt := time.Now()
	msgs[0].Status = model.MessageSent
	msgs[0].Attempts = 1
	msgs[0].SentAt = &sentAt
	require.NoError(t, h.store.Finalize(ctx, &msgs[0]))

	n, err := h.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignCompleted), waitFor, tick)
	got := h.campaign(t, c.ID)
	assert.Equal(t, 3, got.TotalSent)
	assert.NotContains(t, h.transport.phones(), recipients[0].Phone)
	assert.Len(t, h.transport.phones(), 2)
}

type failingProgress struct {
	dispatcher.CampaignStore
}

func (failingProgress) UpdateProgress(context.Context, string, int, int, int) error {
	return errors.New("connection refused")
}

func TestDispatcher_CampaignStoreFailureFailsCampaign(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: dispatcher.Config{StoreRetries: 2},
		wrap: func(s dispatcher.CampaignStore) dispatcher.CampaignStore {
			return failingProgress{CampaignStore: s}
		},
	})
	c := h.createCampaign(t, 5, 5, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignFailed), waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Contains(t, got.FailureReason, "connection refused")
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)
}

type failingCompletion struct {
	dispatcher.CampaignStore
}

func (f failingCompletion) TransitionStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, reason string) (bool, error) {
	if to == model.CampaignCompleted {
		return false, errors.New("disk full")
	}
	return f.CampaignStore.TransitionStatus(ctx, id, from, to, reason)
}

func TestDispatcher_CompletionWriteFailureFailsCampaign(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: dispatcher.Config{StoreRetries: 2},
		wrap: func(s dispatcher.CampaignStore) dispatcher.CampaignStore {
			return failingCompletion{CampaignStore: s}
		},
	})
	c := h.createCampaign(t, 4, 2, 0)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, h.statusIs(t, c.ID, model.CampaignFailed), waitFor, tick)
	require.Eventually(t, func() bool { return h.d.Active() == 0 }, waitFor, tick)

	got := h.campaign(t, c.ID)
	assert.Contains(t, got.FailureReason, "disk full")
	assert.Equal(t, 4, got.TotalSent)
	assert.Equal(t, 4, got.Cursor)
}

func TestDispatcher_ShutdownKeepsCampaignRunning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.createCampaign(t, 20, 10, time.Hour)

	require.NoError(t, h.d.Start(context.Background(), c.ID))
	require.Eventually(t, func() bool { return h.campaign(t, c.ID).Cursor == 10 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	assert.Equal(t, model.CampaignRunning, h.campaign(t, c.ID).Status)
	assert.Zero(t, h.d.Active())
}
