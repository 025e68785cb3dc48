package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
	"github.com/unclebandit/campaign-dispatcher/internal/template"
)

func (d *Dispatcher) loop(r *run, nextBatchAt time.Time) {
	defer d.wg.Done()
	log := d.log.With().Str("campaign_id", r.id).Logger()

	for {
		c, err := d.checkRunning(r, nextBatchAt)
		if err != nil {
			d.fail(r, err)
			return
		}
		if c == nil {
			return
		}

		if c.Cursor >= c.TotalTargeted {
			d.complete(r, c)
			continue
		}

		if wait := nextBatchAt.Sub(d.now()); wait > 0 {
			d.sleep(r, wait)
			continue
		}

		next, err := d.runBatch(r, c)
		if err != nil {
			log.Error().Err(err).Msg("campaign store unavailable")
			d.fail(r, err)
			return
		}
		nextBatchAt = next
	}
}

// checkRunning re-reads the campaign under the dispatcher lock. It returns
// nil, nil when the loop must exit, after removing the run.
func (d *Dispatcher) checkRunning(r *run, nextBatchAt time.Time) (*model.Campaign, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.ctx.Err() != nil {
		d.removeLocked(r, nextBatchAt)
		return nil, nil
	}

	var c *model.Campaign
	err := d.retry(r.ctx, func(ctx context.Context) error {
		var err error
		c, err = d.campaigns.Get(ctx, r.id)
		return err
	})
	if err != nil {
		if r.ctx.Err() != nil {
			d.removeLocked(r, nextBatchAt)
			return nil, nil
		}
		return nil, fmt.Errorf("read campaign: %w", err)
	}

	if c.Status != model.CampaignRunning {
		d.removeLocked(r, nextBatchAt)
		if c.Status.Terminal() {
			delete(d.pacing, r.id)
		}
		return nil, nil
	}
	return c, nil
}

func (d *Dispatcher) complete(r *run, c *model.Campaign) {
	ctx := context.WithoutCancel(r.ctx)
	err := d.retry(ctx, func(ctx context.Context) error {
		_, err := d.campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted, "")
		return err
	})
	if err != nil {
		d.fail(r, fmt.Errorf("mark completed: %w", err))
		return
	}
	// A lost race leaves the status to whoever won it; the next check sees it.
	d.log.Info().
		Str("campaign_id", c.ID).
		Int("sent", c.TotalSent).
		Int("failed", c.TotalFailed).
		Msg("campaign completed")
}

// fail marks the campaign failed after its own record became unreadable or
// unwritable, and stops the loop.
func (d *Dispatcher) fail(r *run, cause error) {
	ctx := context.WithoutCancel(r.ctx)
	from := []model.CampaignStatus{model.CampaignRunning, model.CampaignPaused}
	if _, err := d.campaigns.TransitionStatus(ctx, r.id, from, model.CampaignFailed, cause.Error()); err != nil {
		d.log.Error().Err(err).Str("campaign_id", r.id).Msg("could not record campaign failure")
	} else {
		d.log.Error().Err(cause).Str("campaign_id", r.id).Msg("campaign failed")
	}

	d.mu.Lock()
	d.removeLocked(r, time.Time{})
	delete(d.pacing, r.id)
	d.mu.Unlock()
}

// sleep waits for d, a control signal, or the end of the run.
func (d *Dispatcher) sleep(r *run, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.wake:
	case <-r.ctx.Done():
	}
}

// runBatch sends one batch and returns when the next one may start. An
// error means the campaign's own record could not be read or written.
func (d *Dispatcher) runBatch(r *run, c *model.Campaign) (time.Time, error) {
	ctx := r.ctx
	persist := context.WithoutCancel(ctx)
	log := d.log.With().Str("campaign_id", c.ID).Int("cursor", c.Cursor).Logger()

	size := min(c.BatchSize, c.TotalTargeted-c.Cursor)

	decision, err := d.limiter.CheckAndReserve(ctx, c.TenantID, size)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, retrying later")
		}
		return d.now().Add(d.cfg.PollInterval), nil
	}
	if !decision.Allowed {
		wait := min(decision.WaitTime, d.cfg.MaxRateLimitWait)
		d.metrics.RateLimitDeferred()
		log.Info().
			Str("tier", decision.TierID).
			Int("daily_used", decision.DailyUsed).
			Int("daily_limit", decision.DailyLimit).
			Int("monthly_used", decision.MonthlyUsed).
			Int("monthly_limit", decision.MonthlyLimit).
			Dur("wait", wait).
			Msg("batch deferred by rate limit")
		return d.now().Add(wait), nil
	}
	release := func(u ratelimit.Usage) {
		u.Reserved = size
		if err := d.limiter.RecordUsage(persist, c.TenantID, u); err != nil {
			log.Error().Err(err).Msg("failed to record rate limit usage")
		}
	}

	var recipients []model.Recipient
	err = d.retry(persist, func(ctx context.Context) error {
		var err error
		recipients, err = d.campaigns.Recipients(ctx, c.ID, c.Cursor, size)
		return err
	})
	if err != nil {
		release(ratelimit.Usage{})
		return time.Time{}, fmt.Errorf("load recipients: %w", err)
	}
	if len(recipients) == 0 {
		release(ratelimit.Usage{})
		return time.Time{}, fmt.Errorf("recipient list ends at %d of %d", c.Cursor, c.TotalTargeted)
	}

	if ctx.Err() != nil {
		release(ratelimit.Usage{})
		return time.Time{}, nil
	}

	started := d.now()

	var msgs []model.OutboundMessage
	err = d.retry(persist, func(ctx context.Context) error {
		var err error
		msgs, err = d.messages.EnsurePending(ctx, c, recipients)
		return err
	})
	if err != nil {
		// Nothing was sent; the whole batch counts as failed.
		log.Error().Err(err).Int("batch", len(recipients)).Msg("could not create message records")
		release(ratelimit.Usage{})
		if err := d.retry(persist, func(ctx context.Context) error {
			return d.campaigns.UpdateProgress(ctx, c.ID, c.Cursor+len(recipients), 0, len(recipients))
		}); err != nil {
			return time.Time{}, fmt.Errorf("update progress: %w", err)
		}
		return d.now().Add(c.InterBatchDelay), nil
	}

	results := d.send(ctx, c, recipients, msgs)

	var out batchOutcome
	for i := range msgs {
		m := &msgs[i]
		if m.Status.Terminal() {
			// Finished by an interrupted earlier run of this batch.
			out.count(m.Status)
			continue
		}
		res := results[i]
		if res.Status == model.MessagePending {
			continue
		}
		out.count(res.Status)
		if res.ProviderAttempted {
			if res.Status == model.MessageSent {
				out.providerSent++
			} else {
				out.providerFailed++
			}
		}

		m.Status = res.Status
		m.Attempts = res.Attempts
		m.LastError = res.LastError
		m.ProviderMessageID = res.ProviderMessageID
		m.SentAt = res.SentAt
		if err := d.messages.Finalize(persist, m); err != nil {
			log.Error().Err(err).Str("phone", m.Phone).Msg("failed to persist message outcome")
		}
	}

	release(ratelimit.Usage{Sent: out.providerSent, Failed: out.providerFailed})

	advance := len(msgs)
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errShutdown) && out.attempted() < len(msgs) {
			// Leave the cursor so the batch is re-run after restart.
			log.Info().Int("attempted", out.attempted()).Msg("batch interrupted by shutdown")
			return time.Time{}, nil
		}
		advance = out.attempted()
	}

	err = d.retry(persist, func(ctx context.Context) error {
		return d.campaigns.UpdateProgress(ctx, c.ID, c.Cursor+advance, out.sent, out.failed)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("update progress: %w", err)
	}

	elapsed := d.now().Sub(started)
	d.metrics.BatchCompleted(elapsed)
	log.Info().
		Int("batch", len(msgs)).
		Int("sent", out.sent).
		Int("failed", out.failed).
		Dur("elapsed", elapsed).
		Msg("batch dispatched")

	return d.now().Add(c.InterBatchDelay), nil
}

// send runs every non-terminal message of the batch concurrently.
func (d *Dispatcher) send(ctx context.Context, c *model.Campaign, recipients []model.Recipient, msgs []model.OutboundMessage) []sender.Result {
	results := make([]sender.Result, len(msgs))
	var wg sync.WaitGroup
	for i := range msgs {
		if msgs[i].Status.Terminal() {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.sender.Send(ctx, template.Personalize(c, recipients[i], msgs[i].ID))
		}(i)
	}
	wg.Wait()
	return results
}

type batchOutcome struct {
	sent, failed                 int
	providerSent, providerFailed int
}

func (o *batchOutcome) count(s model.MessageStatus) {
	switch s {
	case model.MessageSent:
		o.sent++
	case model.MessageFailed:
		o.failed++
	}
}

func (o *batchOutcome) attempted() int {
	return o.sent + o.failed
}

// retry calls fn up to StoreRetries times, pausing StoreRetryDelay between
// calls. Not-found errors are returned at once.
func (d *Dispatcher) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.cfg.StoreRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == d.cfg.StoreRetries || isNotFound(err) {
			break
		}
		timer := time.NewTimer(d.cfg.StoreRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, appErrors.ErrNotFound)
}
