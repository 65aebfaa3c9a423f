package usecase

import (
	"context"
	"errors"
	"time"
)

// ErrStatsUnavailable is returned when an audit-log query needs a durable
// store and none is configured.
var ErrStatsUnavailable = errors.New("stats require a configured store")

// StatsSummary aggregates the identification audit log for the dashboard.
type StatsSummary struct {
	RegistrySize         int     `json:"registry_size"`
	TotalIdentifications int64   `json:"total_identifications"`
	Approved             int64   `json:"approved"`
	ManualReview         int64   `json:"manual_review"`
	LocationMismatches   int64   `json:"location_mismatches"`
	Rejected             int64   `json:"rejected"`
	AverageSimilarity    float64 `json:"average_similarity"`
	ApprovalRate         float64 `json:"approval_rate"`
}

// ActivityEntry is one audit-log row shaped for the dashboard.
type ActivityEntry struct {
	RequestID  string    `json:"request_id"`
	CattleID   string    `json:"cattle_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	Similarity float64   `json:"similarity"`
	DistanceKm float64   `json:"distance_km"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Stats summarizes every persisted identification decision.
func (uc *IdentificationUseCase) Stats(ctx context.Context) (*StatsSummary, error) {
	if uc.store == nil {
		return nil, ErrStatsUnavailable
	}

	agg, err := uc.store.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}

	summary := &StatsSummary{
		RegistrySize:         uc.registry.Size(),
		TotalIdentifications: agg.TotalCount,
		Approved:             agg.ApprovedCount,
		ManualReview:         agg.ReviewCount,
		LocationMismatches:   agg.LocationMismatchCount,
		Rejected:             agg.RejectedCount,
		AverageSimilarity:    agg.AverageSimilarity,
	}
	if agg.TotalCount > 0 {
		summary.ApprovalRate = float64(agg.ApprovedCount) / float64(agg.TotalCount)
	}
	return summary, nil
}

// RecentActivity returns the newest identification decisions, newest first.
func (uc *IdentificationUseCase) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if uc.store == nil {
		return nil, ErrStatsUnavailable
	}

	logs, err := uc.store.RecentIdentifications(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]ActivityEntry, 0, len(logs))
	for _, entry := range logs {
		entries = append(entries, ActivityEntry{
			RequestID:  entry.RequestID,
			CattleID:   entry.CattleID,
			Name:       entry.CattleName,
			Status:     entry.Status,
			Similarity: entry.Similarity,
			DistanceKm: entry.DistanceKm,
			DecidedAt:  entry.CreatedAt,
		})
	}
	return entries, nil
}
