package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/cache"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/tracing"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// Store is the durable source of truth for usage records. Lookups that
// match nothing return an error wrapping models.ErrNotFound.
type Store interface {
	FindActiveUsage(ctx context.Context, userID string) (*models.UsageRecord, error)
	FindLatestUsage(ctx context.Context, userID string) (*models.UsageRecord, error)
	IncrementUsedData(ctx context.Context, userID string, delta float64) (*models.UsageRecord, error)
	// ExpireUsage and MarkExhausted only change the current record when it
	// still meets the condition, and report whether they did
	ExpireUsage(ctx context.Context, userID string, at time.Time) (bool, error)
	MarkExhausted(ctx context.Context, userID string) (bool, error)
}

// Cache holds usage snapshots. Get returns nil without error on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Notifier delivers an alert message to a user
type Notifier interface {
	Send(ctx context.Context, contact models.Contact, message string) error
}

// Directory resolves a user's alert channels
type Directory interface {
	GetContact(ctx context.Context, userID string) (*models.Contact, error)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker answers quota queries from the cache and applies consumption
// to the store first, mirroring the result into the cache.
type Tracker struct {
	cfg       config.UsageConfig
	store     Store
	cache     Cache
	directory Directory
	notifier  Notifier
	logger    *logging.Logger
	now       func() time.Time
}

// NewTracker creates a tracker. directory and notifier may be nil, in which
// case threshold alerts are classified but not delivered.
func NewTracker(cfg config.UsageConfig, store Store, c Cache, directory Directory, notifier Notifier, logger *logging.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tracker{
		cfg:       cfg,
		store:     store,
		cache:     c,
		directory: directory,
		notifier:  notifier,
		logger:    logger.WithComponent("usage"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConsumeResult is the state of a record after a consumption
type ConsumeResult struct {
	UserID        string             `json:"user_id"`
	UsedData      float64            `json:"used_data"`
	RemainingData float64            `json:"remaining_data"`
	Exhausted     bool               `json:"exhausted"`
	Status        models.UsageStatus `json:"status"`
}

// QuotaCheck reports whether a user can keep consuming
type QuotaCheck struct {
	UserID        string  `json:"user_id"`
	Available     bool    `json:"available"`
	TotalQuota    float64 `json:"total_quota"`
	UsedData      float64 `json:"used_data"`
	RemainingData float64 `json:"remaining_data"`
	PercentUsed   float64 `json:"percent_used"`
}

// GetStatus returns the user's current usage record
func (t *Tracker) GetStatus(ctx context.Context, userID string) (*models.UsageRecord, error) {
	span, ctx := tracing.StartUserSpan(ctx, "usage.status", userID)
	defer tracing.FinishSpan(span)

	rec, err := t.load(ctx, userID, t.cfg.StatusTTL)
	t.record("status", err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}
	return rec, nil
}

// Consume adds amount megabytes to the user's usage. The store is updated
// with an atomic increment and the cache is rewritten from the row the
// store returns. A store failure leaves the cache untouched.
func (t *Tracker) Consume(ctx context.Context, userID string, amount float64) (*ConsumeResult, error) {
	span, ctx := tracing.StartUserSpan(ctx, "usage.consume", userID)
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "usage.amount", amount)

	result, err := t.consume(ctx, userID, amount)
	t.record("consume", err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}
	return result, nil
}

func (t *Tracker) consume(ctx context.Context, userID string, amount float64) (*ConsumeResult, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if err := models.ValidateConsumption(amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := t.now()

	// The expected total only detects divergence; the store increment is
	// what actually applies the delta.
	var (
		current *models.UsageRecord
		cached  bool
	)
	if snap, ok := t.readCache(ctx, userID); ok {
		current, cached = snap.Record(), true
	} else {
		rec, err := t.findActive(ctx, userID)
		if err != nil {
			return nil, err
		}
		current = rec
	}
	expected, err := current.Track(amount, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	updated, err := t.increment(ctx, userID, amount)
	if err != nil {
		if cached && errors.Is(err, ErrNotFound) {
			t.deleteCache(ctx, userID)
		}
		return nil, err
	}

	if math.Abs(updated.UsedData-expected) > 1e-9 {
		metrics.CacheDivergenceTotal.Inc()
		t.logger.WithUserID(userID).WithFields(map[string]interface{}{
			"cached":        cached,
			"expected_used": expected,
			"store_used":    updated.UsedData,
		}).Warn("Usage mirror diverged from store")
	}

	exhausted := updated.IsExhausted()
	if exhausted && updated.Status == models.UsageStatusActive {
		changed, err := t.markExhausted(ctx, userID)
		if err != nil {
			t.logger.WithUserID(userID).WarnWithErr("Failed to flag exhausted usage record", err)
		} else if changed {
			updated.Status = models.UsageStatusExhausted
		}
	}

	overrun := updated.UsedData > updated.TotalQuota
	if overrun {
		t.logger.LogUsageEvent(userID, "quota_overrun", map[string]interface{}{
			"total_quota": updated.TotalQuota,
			"used_data":   updated.UsedData,
		})
	}
	metrics.RecordConsumption(amount, overrun)

	t.writeCache(ctx, updated, t.cfg.StatusTTL)

	return &ConsumeResult{
		UserID:        userID,
		UsedData:      updated.UsedData,
		RemainingData: updated.RemainingData(),
		Exhausted:     exhausted,
		Status:        updated.Status,
	}, nil
}

// CheckQuota reports whether the user has quota left. Exhaustion is a
// result, not an error.
func (t *Tracker) CheckQuota(ctx context.Context, userID string) (*QuotaCheck, error) {
	span, ctx := tracing.StartUserSpan(ctx, "usage.check_quota", userID)
	defer tracing.FinishSpan(span)

	rec, err := t.load(ctx, userID, t.cfg.QuotaTTL)
	t.record("check_quota", err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	percent, _ := rec.PercentUsed()
	return &QuotaCheck{
		UserID:        userID,
		Available:     !rec.IsExhausted(),
		TotalQuota:    rec.TotalQuota,
		UsedData:      rec.UsedData,
		RemainingData: math.Max(rec.RemainingData(), 0),
		PercentUsed:   percent,
	}, nil
}

// Invalidate drops the user's cached snapshot so the next read goes to
// the store. Used after the current record is replaced.
func (t *Tracker) Invalidate(ctx context.Context, userID string) {
	t.deleteCache(ctx, userID)
}

// load reads the user's record through the cache, populating it from the
// store on a miss
func (t *Tracker) load(ctx context.Context, userID string, ttl time.Duration) (*models.UsageRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	if snap, ok := t.readCache(ctx, userID); ok {
		return snap.Record(), nil
	}

	rec, err := t.findActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	t.writeCache(ctx, rec, ttl)
	return rec, nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}

// withTimeout bounds ctx by d. Non-positive durations leave ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (t *Tracker) record(operation string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrInvalidInput):
		outcome = "invalid_input"
	case errors.Is(err, ErrStore):
		outcome = "store_error"
		metrics.RecordError("usage", "store")
	default:
		outcome = "error"
	}
	metrics.RecordUsageOperation(operation, outcome)
}

// Cache access. Every failure here is recovered: reads degrade to a miss
// and writes are logged.

func (t *Tracker) readCache(ctx context.Context, userID string) (*models.UsageSnapshot, bool) {
	if t.cache == nil {
		return nil, false
	}

	ctx, cancel := withTimeout(ctx, t.cfg.CacheTimeout)
	defer cancel()

	key := cache.UsageKey(userID)
	data, err := t.cache.Get(ctx, key)
	if err != nil {
		t.cacheFailure("get", key, err)
		return nil, false
	}
	if data == nil {
		metrics.RecordCacheAccess("usage", false)
		return nil, false
	}

	var snap models.UsageSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.cacheFailure("decode", key, err)
		return nil, false
	}

	metrics.RecordCacheAccess("usage", true)
	return &snap, true
}

func (t *Tracker) writeCache(ctx context.Context, rec *models.UsageRecord, ttl time.Duration) {
	if t.cache == nil {
		return
	}

	key := cache.UsageKey(rec.UserID)
	data, err := json.Marshal(rec.Snapshot())
	if err != nil {
		t.cacheFailure("encode", key, err)
		return
	}

	ctx, cancel := withTimeout(ctx, t.cfg.CacheTimeout)
	defer cancel()

	if err := t.cache.Set(ctx, key, data, ttl); err != nil {
		t.cacheFailure("set", key, err)
		return
	}
	t.logger.LogCacheOperation("set", key, nil)
}

func (t *Tracker) deleteCache(ctx context.Context, userID string) {
	if t.cache == nil {
		return
	}

	ctx, cancel := withTimeout(ctx, t.cfg.CacheTimeout)
	defer cancel()

	key := cache.UsageKey(userID)
	if err := t.cache.Delete(ctx, key); err != nil {
		t.cacheFailure("delete", key, err)
		return
	}
	t.logger.LogCacheOperation("delete", key, nil)
}

func (t *Tracker) cacheFailure(operation, key string, err error) {
	metrics.RecordError("usage", "cache")
	t.logger.LogCacheOperation(operation, key, fmt.Errorf("%w: %w", ErrCache, err))
}

// Store access

func (t *Tracker) findActive(ctx context.Context, userID string) (*models.UsageRecord, error) {
	var rec *models.UsageRecord
	err := t.storeCall(ctx, "find_active_usage", func(ctx context.Context) error {
		var err error
		rec, err = t.store.FindActiveUsage(ctx, userID)
		return err
	})
	return rec, err
}

func (t *Tracker) findLatest(ctx context.Context, userID string) (*models.UsageRecord, error) {
	var rec *models.UsageRecord
	err := t.storeCall(ctx, "find_latest_usage", func(ctx context.Context) error {
		var err error
		rec, err = t.store.FindLatestUsage(ctx, userID)
		return err
	})
	return rec, err
}

func (t *Tracker) increment(ctx context.Context, userID string, delta float64) (*models.UsageRecord, error) {
	var rec *models.UsageRecord
	err := t.storeCall(ctx, "increment_used_data", func(ctx context.Context) error {
		var err error
		rec, err = t.store.IncrementUsedData(ctx, userID, delta)
		return err
	})
	return rec, err
}

func (t *Tracker) expire(ctx context.Context, userID string, at time.Time) (bool, error) {
	var changed bool
	err := t.storeCall(ctx, "expire_usage", func(ctx context.Context) error {
		var err error
		changed, err = t.store.ExpireUsage(ctx, userID, at)
		return err
	})
	return changed, err
}

func (t *Tracker) markExhausted(ctx context.Context, userID string) (bool, error) {
	var changed bool
	err := t.storeCall(ctx, "mark_exhausted", func(ctx context.Context) error {
		var err error
		changed, err = t.store.MarkExhausted(ctx, userID)
		return err
	})
	return changed, err
}

// storeCall runs fn under the store timeout and maps its error onto the
// tracker's error kinds
func (t *Tracker) storeCall(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, cancel := withTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, duration.Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return ErrNotFound
	default:
		t.logger.LogDatabaseOperation(operation, duration, err)
		return fmt.Errorf("%w: %s: %w", ErrStore, operation, err)
	}
}
