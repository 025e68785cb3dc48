package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

func TestCompute_TotalBatches(t *testing.T) {
	cases := []struct {
		total, batch, want int
	}{
		{100, 10, 10},
		{95, 10, 10},
		{101, 10, 11},
		{1, 10, 1},
		{10, 1, 10},
	}
	for _, tc := range cases {
		p := Compute(&model.Campaign{TotalTargeted: tc.total, BatchSize: tc.batch, Status: model.CampaignRunning})
		assert.Equal(t, tc.want, p.TotalBatches, "total=%d batch=%d", tc.total, tc.batch)
	}
}

func TestCompute_MidCampaign(t *testing.T) {
	c := &model.Campaign{
		TotalTargeted:   95,
		TotalSent:       28,
		TotalFailed:     2,
		Cursor:          30,
		BatchSize:       10,
		InterBatchDelay: 3 * time.Minute,
		Status:          model.CampaignRunning,
	}

	p := Compute(c)

	assert.Equal(t, 3, p.CurrentBatch)
	assert.Equal(t, 10, p.TotalBatches)
	assert.Equal(t, 65, p.Pending)
	assert.Equal(t, 32, p.PercentComplete)
	assert.Equal(t, 21*time.Minute, p.EstimatedTimeRemaining)
	assert.Equal(t, "21m 0s", p.RemainingHuman)
}

func TestCompute_EmptyCampaignIsComplete(t *testing.T) {
	p := Compute(&model.Campaign{BatchSize: 10, Status: model.CampaignCompleted})

	assert.Equal(t, 100, p.PercentComplete)
	assert.Zero(t, p.Pending)
	assert.Zero(t, p.EstimatedTimeRemaining)
}

func TestCompute_TerminalHasNoETA(t *testing.T) {
	p := Compute(&model.Campaign{
		TotalTargeted:   20,
		TotalSent:       5,
		Cursor:          10,
		BatchSize:       10,
		InterBatchDelay: time.Minute,
		Status:          model.CampaignCancelled,
	})

	assert.Zero(t, p.EstimatedTimeRemaining)
	assert.Equal(t, 15, p.Pending)
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "0s", FormatRemaining(0))
	assert.Equal(t, "45s", FormatRemaining(45*time.Second))
	assert.Equal(t, "3m 20s", FormatRemaining(200*time.Second))
	assert.Equal(t, "2h 5m", FormatRemaining(2*time.Hour+5*time.Minute+10*time.Second))
}
