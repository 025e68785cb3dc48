package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// Progress is derived from a campaign snapshot on every status read.
type Progress struct {
	TotalTargeted          int           `json:"total_targeted"`
	Sent                   int           `json:"sent"`
	Failed                 int           `json:"failed"`
	Pending                int           `json:"pending"`
	PercentComplete        int           `json:"percent_complete"`
	CurrentBatch           int           `json:"current_batch"`
	TotalBatches           int           `json:"total_batches"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	RemainingHuman         string        `json:"remaining_human"`
}

func Compute(c *model.Campaign) Progress {
	p := Progress{
		TotalTargeted: c.TotalTargeted,
		Sent:          c.TotalSent,
		Failed:        c.TotalFailed,
		Pending:       c.Remaining(),
	}

	if c.TotalTargeted == 0 {
		p.PercentComplete = 100
		p.Pending = 0
		p.RemainingHuman = FormatRemaining(0)
		return p
	}

	batchSize := c.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	p.TotalBatches = (c.TotalTargeted + batchSize - 1) / batchSize
	p.CurrentBatch = c.Cursor / batchSize
	p.PercentComplete = int(math.Round(100 * float64(c.TotalSent+c.TotalFailed) / float64(c.TotalTargeted)))

	if !c.Status.Terminal() {
		left := p.TotalBatches - p.CurrentBatch
		if left > 0 {
			p.EstimatedTimeRemaining = time.Duration(left) * c.InterBatchDelay
		}
	}
	p.RemainingHuman = FormatRemaining(p.EstimatedTimeRemaining)
	return p
}

// FormatRemaining renders a duration as "45s", "3m 20s" or "2h 5m".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
