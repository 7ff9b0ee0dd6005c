package usage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

func cachedSnapshot(t *testing.T, mr *miniredis.Miniredis, userID string) *models.UsageSnapshot {
	t.Helper()

	raw, err := mr.Get("usage:" + userID)
	require.NoError(t, err)

	var snap models.UsageSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	return &snap
}

func TestGetStatus_CacheAside(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 300))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)
	ctx := context.Background()

	rec, err := tracker.GetStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 300.0, rec.UsedData)
	assert.Equal(t, 700.0, rec.RemainingData())

	finds, _, _ := store.counts()
	assert.Equal(t, 1, finds, "a miss reads the store once")
	assert.True(t, mr.Exists("usage:user-1"), "a miss populates the cache")
	assert.Equal(t, testConfig.StatusTTL, mr.TTL("usage:user-1"))

	again, err := tracker.GetStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, rec.UsedData, again.UsedData)

	finds, _, _ = store.counts()
	assert.Equal(t, 1, finds, "a hit never reads the store")
}

func TestGetStatus_Errors(t *testing.T) {
	store := newMemoryStore()
	c, _ := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	_, err := tracker.GetStatus(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tracker.GetStatus(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	store.findErr = errors.New("connection reset")
	_, err = tracker.GetStatus(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrStore)
}

func TestCheckQuota_UsesQuotaTTL(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 850))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	check, err := tracker.CheckQuota(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, check.Available)
	assert.Equal(t, 150.0, check.RemainingData)
	assert.InDelta(t, 85.0, check.PercentUsed, 1e-9)
	assert.Equal(t, testConfig.QuotaTTL, mr.TTL("usage:user-1"))

	_, increments, statusWrites := store.counts()
	assert.Zero(t, increments)
	assert.Zero(t, statusWrites)
}

func TestScenario_WarningThenOverrun(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 850))
	c, mr := setupTestCache(t)

	contact := &models.Contact{UserID: "user-1", Phone: "+94771234567", Email: "user-1@example.com"}
	directory := &mockDirectory{}
	directory.On("GetContact", mock.Anything, "user-1").Return(contact, nil).Once()
	notifier := &mockNotifier{}
	notifier.On("Send", mock.Anything, *contact, MessageWarning80).Return(nil).Once()

	tracker := newTestTracker(store, c, directory, notifier)
	ctx := context.Background()

	check, err := tracker.CheckQuota(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, check.Available)
	assert.Equal(t, 150.0, check.RemainingData)
	assert.InDelta(t, 85.0, check.PercentUsed, 1e-9)

	note, err := tracker.EvaluateNotification(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertWarning80, note.Level)
	assert.Equal(t, MessageWarning80, note.Message)
	assert.True(t, note.Sent)

	consumed, err := tracker.Consume(ctx, "user-1", 200)
	require.NoError(t, err)
	assert.Equal(t, 1050.0, consumed.UsedData)
	assert.Equal(t, -50.0, consumed.RemainingData)
	assert.True(t, consumed.Exhausted)
	assert.Equal(t, models.UsageStatusExhausted, consumed.Status)
	assert.Equal(t, models.UsageStatusExhausted, store.get("user-1").Status)
	assert.Equal(t, 1050.0, cachedSnapshot(t, mr, "user-1").UsedData)

	check, err = tracker.CheckQuota(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, 0.0, check.RemainingData, "remaining is clamped for availability")

	directory.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestConsume_StoreAndCacheAgree(t *testing.T) {
	amounts := []float64{0.5, 1, 12.25, 100, 333.3}

	for _, cachedFirst := range []bool{false, true} {
		store := newMemoryStore(testRecord("user-1", 10000, 10))
		c, mr := setupTestCache(t)
		tracker := newTestTracker(store, c, nil, nil)
		ctx := context.Background()

		if cachedFirst {
			_, err := tracker.GetStatus(ctx, "user-1")
			require.NoError(t, err)
		}

		prior := store.get("user-1").UsedData
		for _, amount := range amounts {
			result, err := tracker.Consume(ctx, "user-1", amount)
			require.NoError(t, err)

			want := prior + amount
			assert.Equal(t, want, store.get("user-1").UsedData)
			assert.Equal(t, want, result.UsedData)
			assert.Equal(t, want, cachedSnapshot(t, mr, "user-1").UsedData)
			assert.Equal(t, 10000-want, result.RemainingData)
			prior = want
		}
	}
}

func TestConsume_InvalidAmount(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 0))
	c, _ := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := tracker.Consume(context.Background(), "user-1", amount)
		assert.ErrorIs(t, err, ErrInvalidInput, "amount %v", amount)
	}

	_, err := tracker.Consume(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, increments, _ := store.counts()
	assert.Zero(t, increments)
}

func TestConsume_StoreFailureLeavesCacheUntouched(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 100))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)
	ctx := context.Background()

	_, err := tracker.GetStatus(ctx, "user-1")
	require.NoError(t, err)
	before, err := mr.Get("usage:user-1")
	require.NoError(t, err)

	store.incrementErr = errors.New("deadlock detected")
	_, err = tracker.Consume(ctx, "user-1", 50)
	assert.ErrorIs(t, err, ErrStore)

	after, err := mr.Get("usage:user-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 100.0, store.get("user-1").UsedData)
}

// activatingStore swaps in a new package right after an increment lands
type activatingStore struct {
	*memoryStore
	next *models.UsageRecord
}

func (s *activatingStore) IncrementUsedData(ctx context.Context, userID string, delta float64) (*models.UsageRecord, error) {
	rec, err := s.memoryStore.IncrementUsedData(ctx, userID, delta)
	if err == nil {
		s.replace(s.next)
	}
	return rec, err
}

func TestConsume_ExhaustedFlagSkipsReplacementRecord(t *testing.T) {
	next := testRecord("user-1", 5000, 0)
	next.ID = "rec-new"
	next.PackageID = "pkg-new"
	store := &activatingStore{memoryStore: newMemoryStore(testRecord("user-1", 1000, 950)), next: next}
	tracker := newTestTracker(store, brokenCache{}, nil, nil)

	result, err := tracker.Consume(context.Background(), "user-1", 100)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.Equal(t, models.UsageStatusActive, result.Status)

	assert.Equal(t, models.UsageStatusActive, store.get("user-1").Status)
	_, _, statusWrites := store.counts()
	assert.Zero(t, statusWrites)
}

func TestConsume_NoActiveRecord(t *testing.T) {
	rec := testRecord("user-1", 1000, 100)
	store := newMemoryStore(rec)
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)
	ctx := context.Background()

	_, err := tracker.GetStatus(ctx, "user-1")
	require.NoError(t, err)

	// The record expires behind the cache's back
	expired := *rec
	expired.Status = models.UsageStatusExpired
	store.replace(&expired)

	_, err = tracker.Consume(ctx, "user-1", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("usage:user-1"), "stale snapshot is dropped")

	_, err = tracker.Consume(ctx, "nobody", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_ReconcilesDivergentCache(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 300))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	stale := testRecord("user-1", 1000, 100).Snapshot()
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, mr.Set("usage:user-1", string(data)))

	before := testutil.ToFloat64(metrics.CacheDivergenceTotal)

	result, err := tracker.Consume(context.Background(), "user-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 350.0, result.UsedData, "the store row wins")
	assert.Equal(t, 350.0, cachedSnapshot(t, mr, "user-1").UsedData)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheDivergenceTotal)-before)
}

func TestConsume_ConcurrentIncrementsAreNotLost(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 100000, 0))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Consume(context.Background(), "user-1", 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, store.get("user-1").UsedData)

	// The cache holds some store row; it converges on the next write
	_, err := tracker.Consume(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 101.0, cachedSnapshot(t, mr, "user-1").UsedData)
}

func TestCacheFailureDegradesToStore(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 400))
	tracker := newTestTracker(store, brokenCache{}, nil, nil)
	ctx := context.Background()

	rec, err := tracker.GetStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 400.0, rec.UsedData)

	result, err := tracker.Consume(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, 500.0, result.UsedData)

	check, err := tracker.CheckQuota(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, check.RemainingData)

	finds, _, _ := store.counts()
	assert.Equal(t, 3, finds, "every read falls back to the store")
}

func TestCorruptSnapshotIsAMiss(t *testing.T) {
	store := newMemoryStore(testRecord("user-1", 1000, 400))
	c, mr := setupTestCache(t)
	tracker := newTestTracker(store, c, nil, nil)

	require.NoError(t, mr.Set("usage:user-1", "{not json"))

	rec, err := tracker.GetStatus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 400.0, rec.UsedData)
	assert.Equal(t, 400.0, cachedSnapshot(t, mr, "user-1").UsedData, "the entry is repaired")
}
