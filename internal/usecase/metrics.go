package usecase

import (
	"context"

	"github.com/example/face-attendance/internal/repository"
)

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	AcceptedRequests           int64   `json:"accepted_requests"`
	AcceptanceRate             float64 `json:"acceptance_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
	Threshold                  float64 `json:"threshold"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return &MetricsSummary{Threshold: uc.Threshold()}, nil
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return summarize(aggregation, uc.Threshold()), nil
}

func summarize(agg *repository.MetricsAggregation, threshold float64) *MetricsSummary {
	summary := &MetricsSummary{
		TotalRequests:              agg.TotalCount,
		AcceptedRequests:           agg.AcceptedCount,
		AverageScore:               agg.AverageScore,
		AverageProcessingLatencyMs: agg.AverageDurationMs,
		Threshold:                  threshold,
	}

	if agg.TotalCount > 0 {
		summary.AcceptanceRate = float64(agg.AcceptedCount) / float64(agg.TotalCount)
	}

	return summary
}
