package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/cache"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// LockName is the distributed lock held while a reset runs
const LockName = "daily-reset"

// ErrRunInProgress is returned when another reset is already running in
// this process or on another replica
var ErrRunInProgress = errors.New("daily reset already in progress")

// Store is the durable side of the reset
type Store interface {
	ListActiveUsageRecords(ctx context.Context) ([]*models.UsageRecord, error)
	ResetUsedData(ctx context.Context, userID string) error
}

// Cache is the cached side of the reset
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Replace(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}

// Locker provides mutual exclusion across replicas
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Archiver keeps a copy of the records before they are zeroed
type Archiver interface {
	Archive(ctx context.Context, at time.Time, records []*models.UsageRecord) (string, error)
}

// ResetReport summarizes one run
type ResetReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Skipped       bool          `json:"skipped"`
	LastReset     time.Time     `json:"last_reset"`
	Archive       string        `json:"archive,omitempty"`
	StoreResets   int           `json:"store_resets"`
	StoreFailures int           `json:"store_failures"`
	CacheResets   int           `json:"cache_resets"`
	CacheFailures int           `json:"cache_failures"`
	Duration      time.Duration `json:"duration"`
}

// Failures is the number of records or entries left un-reset
func (r *ResetReport) Failures() int {
	return r.StoreFailures + r.CacheFailures
}

// Option configures a DailyReset
type Option func(*DailyReset)

// WithLocker adds cross-replica locking
func WithLocker(locker Locker) Option {
	return func(d *DailyReset) {
		d.locker = locker
	}
}

// WithArchiver archives records before each reset
func WithArchiver(archiver Archiver) Option {
	return func(d *DailyReset) {
		d.archiver = archiver
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *DailyReset) {
		d.now = now
	}
}

// DailyReset zeroes every user's used data once per window, in the store
// and in the cache
type DailyReset struct {
	cfg      config.ResetConfig
	store    Store
	cache    Cache
	marker   Marker
	locker   Locker
	archiver Archiver
	logger   *logging.Logger
	now      func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDailyReset creates a reset job
func NewDailyReset(cfg config.ResetConfig, store Store, c Cache, marker Marker, logger *logging.Logger, opts ...Option) *DailyReset {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	d := &DailyReset{
		cfg:    cfg,
		store:  store,
		cache:  c,
		marker: marker,
		logger: logger.WithComponent("daily-reset"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the reset immediately and then on every interval tick until
// Stop is called or ctx is done. Ticks inside the window are no-ops.
func (d *DailyReset) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.scheduleLoop(ctx, d.done)

	d.logger.WithField("interval", d.cfg.Interval.String()).Info("Daily reset scheduler started")
}

// Stop stops the scheduler and waits for a run in progress to finish
func (d *DailyReset) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	d.logger.Info("Daily reset scheduler stopped")
}

func (d *DailyReset) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *DailyReset) tick(ctx context.Context) {
	if _, err := d.Run(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			d.logger.Debug("Skipping tick, reset already running")
			return
		}
		d.logger.ErrorWithErr("Daily reset failed", err)
	}
}

// ErrMarkerNotRecorded is returned with the report when the reset was
// applied but the marker could not be written
var ErrMarkerNotRecorded = errors.New("reset applied but marker not recorded")

// Run performs one reset unless the last one is younger than the window.
// Per-user failures are counted in the report and never abort the run;
// resets already applied are not rolled back.
//
// Cancelling ctx does not interrupt a run: once started it always
// finishes and records the marker, each step bounded by the op timeout.
func (d *DailyReset) Run(ctx context.Context) (*ResetReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer d.running.Store(false)

	ctx = context.WithoutCancel(ctx)

	if d.locker != nil {
		acquired, err := d.locker.AcquireLock(ctx, LockName, d.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire reset lock: %w", err)
		}
		if !acquired {
			return nil, ErrRunInProgress
		}
		defer func() {
			ctx, cancel := d.opContext(context.Background())
			defer cancel()
			if err := d.locker.ReleaseLock(ctx, LockName); err != nil {
				d.logger.WarnWithErr("Failed to release reset lock", err)
			}
		}()
	}

	began := time.Now()
	start := d.now()
	report := &ResetReport{StartedAt: start}

	last, err := d.lastReset(ctx)
	if err != nil {
		metrics.RecordResetRun("failed", 0)
		return nil, err
	}
	report.LastReset = last

	if !last.IsZero() && start.Sub(last) < d.cfg.Window {
		report.Skipped = true
		metrics.RecordResetRun("skipped", 0)
		d.logger.LogResetRun(true, 0, 0, 0, 0)
		return report, nil
	}

	records, err := d.listRecords(ctx)
	if err != nil {
		metrics.RecordResetRun("failed", 0)
		return nil, err
	}

	if d.archiver != nil {
		report.Archive = d.archive(ctx, start, records)
	}

	d.resetStore(ctx, records, report)
	d.resetCache(ctx, start, report)

	// The marker is written even after partial failures so a retry does
	// not zero the users that were already reset.
	report.LastReset = start
	markErr := d.setLastReset(ctx, start)

	report.Duration = time.Since(began)

	outcome := "completed"
	if report.Failures() > 0 || markErr != nil {
		outcome = "partial"
	}
	metrics.RecordResetRun(outcome, report.Duration.Seconds())
	d.logger.LogResetRun(false, report.StoreResets, report.CacheResets, report.Failures(), report.Duration)

	if markErr != nil {
		return report, markErr
	}
	return report, nil
}

// Running reports whether a run is in progress in this process
func (d *DailyReset) Running() bool {
	return d.running.Load()
}

func (d *DailyReset) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.OpTimeout)
}

func (d *DailyReset) lastReset(ctx context.Context) (time.Time, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	last, err := d.marker.LastReset(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read reset marker: %w", err)
	}
	return last, nil
}

func (d *DailyReset) setLastReset(ctx context.Context, at time.Time) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	if err := d.marker.SetLastReset(ctx, at); err != nil {
		d.logger.ErrorWithErr("Failed to record reset marker", err)
		return fmt.Errorf("%w: %w", ErrMarkerNotRecorded, err)
	}
	return nil
}

func (d *DailyReset) listRecords(ctx context.Context) ([]*models.UsageRecord, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	records, err := d.store.ListActiveUsageRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active usage records: %w", err)
	}
	return records, nil
}

func (d *DailyReset) archive(ctx context.Context, at time.Time, records []*models.UsageRecord) string {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	name, err := d.archiver.Archive(ctx, at, records)
	if err != nil {
		metrics.RecordError("scheduler", "archive")
		d.logger.WarnWithErr("Failed to archive usage before reset", err)
		return ""
	}
	return name
}

func (d *DailyReset) resetStore(ctx context.Context, records []*models.UsageRecord, report *ResetReport) {
	for _, rec := range records {
		opCtx, cancel := d.opContext(ctx)
		err := d.store.ResetUsedData(opCtx, rec.UserID)
		cancel()

		if err != nil {
			report.StoreFailures++
			metrics.RecordResetRecord("store", "error")
			d.logger.WithUserID(rec.UserID).WarnWithErr("Failed to reset stored usage", err)
			continue
		}
		report.StoreResets++
		metrics.RecordResetRecord("store", "success")
	}
}

func (d *DailyReset) resetCache(ctx context.Context, now time.Time, report *ResetReport) {
	scanCtx, cancel := d.opContext(ctx)
	keys, err := d.cache.ScanKeys(scanCtx, cache.UsageKeyPrefix)
	cancel()

	if err != nil {
		report.CacheFailures++
		metrics.RecordResetRecord("cache", "error")
		d.logger.WarnWithErr("Failed to enumerate cached usage", err)
		return
	}

	for _, key := range keys {
		reset, err := d.resetEntry(ctx, key, now)
		if err != nil {
			report.CacheFailures++
			metrics.RecordResetRecord("cache", "error")
			d.logger.LogCacheOperation("reset", key, err)
			continue
		}
		if reset {
			report.CacheResets++
			metrics.RecordResetRecord("cache", "success")
		}
	}
}

// resetEntry zeroes the used data of one cached snapshot, keeping its TTL.
// Entries that vanished in the meantime are skipped; undecodable ones are
// dropped so the next read repopulates them from the store.
func (d *DailyReset) resetEntry(ctx context.Context, key string, now time.Time) (bool, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	data, err := d.cache.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}

	var snap models.UsageSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if delErr := d.cache.Delete(ctx, key); delErr != nil {
			return false, delErr
		}
		return false, fmt.Errorf("dropped undecodable snapshot: %w", err)
	}

	rec := snap.Record()
	rec.UsedData = 0
	if rec.Status == models.UsageStatusExhausted && !rec.IsExpired(now) {
		rec.Status = models.UsageStatusActive
	}

	updated, err := json.Marshal(rec.Snapshot())
	if err != nil {
		return false, err
	}

	return d.cache.Replace(ctx, key, updated)
}
