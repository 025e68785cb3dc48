package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// newTestDB migrates the database named by DISPATCHER_TEST_DATABASE_URL and
// empties every table. Tests are skipped when it is unset.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("DISPATCHER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DISPATCHER_TEST_DATABASE_URL not set")
	}

	_, file, _, _ := runtime.Caller(0)
	migrations := filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	m, err := migrate.New("file://"+migrations, dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	m.Close()

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	db.MustExec(`TRUNCATE messages, campaign_recipients, campaigns, customers, opt_outs, rate_limit_state`)
	return db
}

func TestPostgres_CampaignLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	campaigns := &CampaignRepository{DB: db}
	messages := &OutboundMessageRepository{DB: db}

	minPoints := 10
	c := &model.Campaign{
		TenantID:        "t1",
		Name:            "octubre",
		Message:         "Hola {{nombre}}",
		Variables:       model.Vars{"promo": "2x1"},
		Filter:          model.Filter{MinPoints: &minPoints},
		BatchSize:       2,
		InterBatchDelay: 3 * time.Minute,
		TotalTargeted:   3,
		EstimatedCost:   decimal.RequireFromString("0.165"),
	}
	recipients := []model.Recipient{
		{Phone: "+593987000001", Name: "Ana", Points: 20},
		{Phone: "+593987000002", Name: "Bruno", Points: 15},
		{Phone: "+593987000003", Name: "Carla", Points: 11},
	}
	require.NoError(t, campaigns.Create(ctx, c, recipients))

	got, err := campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPending, got.Status)
	assert.Equal(t, 3*time.Minute, got.InterBatchDelay)
	assert.Equal(t, "2x1", got.Variables["promo"])
	assert.Equal(t, 10, *got.Filter.MinPoints)
	assert.True(t, got.EstimatedCost.Equal(decimal.RequireFromString("0.165")))

	ok, err := campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, "")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, "")
	require.NoError(t, err)
	assert.False(t, ok, "status already moved")

	batch, err := campaigns.Recipients(ctx, c.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "Ana", batch[0].Name)

	msgs, err := messages.EnsurePending(ctx, c, batch)
	require.NoError(t, err)
	again, err := messages.EnsurePending(ctx, c, batch)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, again[0].ID, "pending records are reused")

	now := time.Now()
	msgs[0].Status, msgs[0].Attempts, msgs[0].SentAt = model.MessageSent, 1, &now
	require.NoError(t, messages.Finalize(ctx, &msgs[0]))
	overwrite := msgs[0]
	overwrite.Status = model.MessageFailed
	require.NoError(t, messages.Finalize(ctx, &overwrite))

	sent, total, err := messages.ListByCampaign(ctx, c.ID, "sent", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "+593987000001", sent[0].Phone)

	require.NoError(t, campaigns.UpdateProgress(ctx, c.ID, 2, 1, 0))
	require.NoError(t, campaigns.UpdateProgress(ctx, c.ID, 1, 0, 0))
	got, err = campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cursor, "cursor never moves back")
	assert.NotNil(t, got.StartedAt)

	running, err := campaigns.ListByStatus(ctx, model.CampaignRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = campaigns.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestPostgres_CustomerQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	customers := &CustomerRepository{DB: db}

	db.MustExec(`INSERT INTO customers (id, tenant_id, phone, name, points, last_visit_at) VALUES
		('c1', 't1', '0987000001', 'Ana', 50, NOW() - INTERVAL '2 days'),
		('c2', 't1', '0987000002', 'Bruno', 5, NOW() - INTERVAL '2 days'),
		('c3', 't1', '0987000003', 'Carla', 80, NOW() - INTERVAL '90 days'),
		('c4', 't2', '0987000004', 'Diego', 99, NOW())`)
	db.MustExec(`INSERT INTO opt_outs (tenant_id, phone, opted_out_at, opted_in_at) VALUES
		('t1', '+593987000001', NOW() - INTERVAL '5 days', NULL),
		('t1', '+593987000002', NOW() - INTERVAL '5 days', NOW() - INTERVAL '1 day')`)

	minPoints, days := 10, 30
	cands, err := customers.FindCandidates(ctx, "t1", model.Filter{MinPoints: &minPoints, LastVisitWithinDays: &days})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "c1", cands[0].ID)

	out, err := customers.OptedOut(ctx, "t1", []string{"+593987000001", "+593987000002"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"+593987000001": true}, out)
}

func TestPostgres_RateLimitState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RateLimitRepository{DB: db}

	st, err := repo.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, st)

	state := &model.RateLimitState{TenantID: "t1", TierID: "TIER_1", DailyUsed: 4, WindowDay: "2026-10-15", WindowMonth: "2026-10", ReservedBy: "limiter-1", UpdatedAt: time.Now()}
	require.NoError(t, repo.Save(ctx, state))
	state.DailyReserved = 6
	require.NoError(t, repo.Save(ctx, state))

	st, err = repo.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.DailyUsed)
	assert.Equal(t, 6, st.DailyReserved)
	assert.Equal(t, "2026-10", st.WindowMonth)
	assert.Equal(t, "limiter-1", st.ReservedBy)
}
