package database

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// Analytics Repository Methods

// GetUsageStats aggregates quota and usage over all usage records
func (r *Repository) GetUsageStats(ctx context.Context) (*models.UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(total_quota), 0),
			COALESCE(SUM(used_data), 0),
			COALESCE(AVG(total_quota), 0),
			COALESCE(AVG(used_data), 0),
			COALESCE(MAX(total_quota), 0),
			COALESCE(MIN(total_quota), 0),
			COUNT(DISTINCT user_id)
		FROM usage_records
	`

	var stats models.UsageStats
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&stats.TotalQuota, &stats.TotalUsedData, &stats.AvgQuota, &stats.AvgUsedData,
		&stats.MaxQuota, &stats.MinQuota, &stats.UserCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage stats: %w", err)
	}

	if stats.UserCount == 0 {
		return nil, ErrRecordNotFound
	}

	stats.TotalRemaining = stats.TotalQuota - stats.TotalUsedData
	return &stats, nil
}

// trendBuckets maps a range to the label expression its rows are grouped by
var trendBuckets = map[models.TrendRange]string{
	models.TrendDaily:   `TO_CHAR(created_at, 'YYYY-MM-DD')`,
	models.TrendWeekly:  `TO_CHAR(created_at, 'IYYY-"W"IW')`,
	models.TrendMonthly: `TO_CHAR(created_at, 'YYYY-MM')`,
}

// GetUsageTrends sums used data per day, ISO week or month of record creation
func (r *Repository) GetUsageTrends(ctx context.Context, rng models.TrendRange) ([]models.UsageTrendPoint, error) {
	bucket, ok := trendBuckets[rng]
	if !ok {
		return nil, fmt.Errorf("unsupported trend range %q", rng)
	}

	query := fmt.Sprintf(`
		SELECT %s AS bucket, COALESCE(SUM(used_data), 0)
		FROM usage_records
		GROUP BY bucket
		ORDER BY bucket
	`, bucket)

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage trends: %w", err)
	}
	defer rows.Close()

	points := []models.UsageTrendPoint{}
	for rows.Next() {
		var p models.UsageTrendPoint
		if err := rows.Scan(&p.Date, &p.UsedData); err != nil {
			return nil, fmt.Errorf("failed to scan usage trend: %w", err)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage trends: %w", err)
	}

	return points, nil
}
