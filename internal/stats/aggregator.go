package stats

import (
	"context"
	"log/slog"

	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/pkg/schema"
)

// Summary is the operator-facing view of queue health: the raw counts plus
// the derived success rate over finished jobs.
type Summary struct {
	store.JobStats
	SuccessRate float64 `json:"success_rate"`
}

// Aggregator computes job statistics over a store.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: s, logger: logger}
}

// Summarize aggregates job counts for the filter scope. The success rate is
// completed / (completed + failed); with no finished jobs it is zero, not NaN.
func (a *Aggregator) Summarize(ctx context.Context, filter store.StatsFilter) (*Summary, error) {
	raw, err := a.store.JobStats(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := &Summary{JobStats: *raw}
	completed := raw.ByStatus[schema.JobStatusCompleted]
	failed := raw.ByStatus[schema.JobStatusFailed]
	if finished := completed + failed; finished > 0 {
		summary.SuccessRate = float64(completed) / float64(finished)
	}
	return summary, nil
}
