// Package monitoring gathers run health metrics from the store and raises
// threshold alerts in serve mode.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/refine"
	"github.com/sells-group/csm-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsQueued   int     `json:"runs_queued"`
	RunFailRate  float64 `json:"run_fail_rate"`
	CostUSD      float64 `json:"cost_usd"`
	AvgTokens    int     `json:"avg_tokens"`

	// Record metrics (within lookback window).
	RecordsExtracted    int     `json:"records_extracted"`
	ReviewFlagged       int     `json:"review_flagged"`
	RefinementExhausted int     `json:"refinement_exhausted"`
	AvgCriticScore      float64 `json:"avg_critic_score"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of extraction metrics over the given lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalCost float64
	var totalScore float64
	var totalTokens int
	var criticRuns int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued:
			snap.RunsQueued++
		}
		if r.Result == nil {
			continue
		}
		totalCost += r.Result.TotalCost
		totalTokens += r.Result.TotalTokens
		snap.RecordsExtracted += len(r.Result.Records)
		snap.ReviewFlagged += r.Result.ReviewFlagged
		if r.Result.Refinement.State == string(refine.StateExhausted) {
			snap.RefinementExhausted++
		}
		if r.Result.Refinement.FinalScore > 0 {
			totalScore += r.Result.Refinement.FinalScore
			criticRuns++
		}
	}

	snap.CostUSD = totalCost
	if snap.RunsTotal > 0 {
		finished := snap.RunsComplete + snap.RunsFailed
		if finished > 0 {
			snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
		}
		snap.AvgTokens = totalTokens / snap.RunsTotal
	}
	if criticRuns > 0 {
		snap.AvgCriticScore = totalScore / float64(criticRuns)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
