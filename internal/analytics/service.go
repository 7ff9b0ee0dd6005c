package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/usage"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

const (
	statsKey        = "analytics:stats"
	trendsKeyPrefix = "analytics:trends:"
)

// Repository provides the aggregate queries behind the admin reports
type Repository interface {
	GetUsageStats(ctx context.Context) (*models.UsageStats, error)
	GetUsageTrends(ctx context.Context, rng models.TrendRange) ([]models.UsageTrendPoint, error)
	ListActiveUsageRecords(ctx context.Context) ([]*models.UsageRecord, error)
}

// Cache holds serialized reports between requests
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Service handles usage reporting and aggregation
type Service struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// NewService creates a new analytics service. A zero ttl disables caching.
func NewService(repo Repository, c Cache, ttl time.Duration, logger *logging.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  c,
		ttl:    ttl,
		logger: logger.WithComponent("analytics"),
		now:    time.Now,
	}
}

// GetUsageStats returns totals over all usage records
func (s *Service) GetUsageStats(ctx context.Context) (*models.UsageStats, error) {
	var stats models.UsageStats
	if s.cached(ctx, statsKey, &stats) {
		return &stats, nil
	}

	fresh, err := s.repo.GetUsageStats(ctx)
	if err != nil {
		return nil, err
	}

	s.store(ctx, statsKey, fresh)
	return fresh, nil
}

// GetUsageTrends returns used data grouped by day, week or month
func (s *Service) GetUsageTrends(ctx context.Context, rng models.TrendRange) ([]models.UsageTrendPoint, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("%w: unsupported trend range %q", usage.ErrInvalidInput, rng)
	}

	key := trendsKeyPrefix + string(rng)

	var points []models.UsageTrendPoint
	if s.cached(ctx, key, &points) {
		return points, nil
	}

	points, err := s.repo.GetUsageTrends(ctx, rng)
	if err != nil {
		return nil, err
	}

	s.store(ctx, key, points)
	return points, nil
}

// Breakdown counts current records by the notification tier they sit in.
// It is computed live since tiers move with every consumption.
func (s *Service) Breakdown(ctx context.Context) (*models.UsageBreakdown, error) {
	records, err := s.repo.ListActiveUsageRecords(ctx)
	if err != nil {
		return nil, err
	}
	return Aggregate(records, s.now()), nil
}

// Aggregate computes a breakdown over records
func Aggregate(records []*models.UsageRecord, at time.Time) *models.UsageBreakdown {
	breakdown := &models.UsageBreakdown{
		TotalRecords: int64(len(records)),
		Levels:       make(map[models.AlertLevel]int64),
		GeneratedAt:  at,
	}

	var percentSum float64
	var measured int64

	for _, rec := range records {
		if rec.IsExhausted() {
			breakdown.Exhausted++
		}

		percent, ok := rec.PercentUsed()
		if !ok {
			breakdown.NoQuota++
			continue
		}

		percentSum += percent
		measured++

		level, _ := usage.Classify(percent)
		if level == models.AlertNone {
			breakdown.BelowNotice++
			continue
		}
		breakdown.Levels[level]++
	}

	if measured > 0 {
		breakdown.AveragePercentUsed = percentSum / float64(measured)
	}

	return breakdown
}

// cached decodes key into dst. Cache failures and corrupt entries count as
// misses.
func (s *Service) cached(ctx context.Context, key string, dst interface{}) bool {
	if s.cache == nil || s.ttl <= 0 {
		return false
	}

	data, err := s.cache.Get(ctx, key)
	if err != nil {
		metrics.RecordError("analytics", "cache_read")
		s.logger.LogCacheOperation("get", key, err)
		return false
	}
	if data == nil {
		metrics.RecordCacheAccess("analytics", false)
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.LogCacheOperation("decode", key, err)
		return false
	}

	metrics.RecordCacheAccess("analytics", true)
	return true
}

func (s *Service) store(ctx context.Context, key string, value interface{}) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		metrics.RecordError("analytics", "cache_encode")
		s.logger.LogCacheOperation("encode", key, err)
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		metrics.RecordError("analytics", "cache_write")
		s.logger.LogCacheOperation("set", key, err)
	}
}
