package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/cache"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

var testConfig = config.UsageConfig{
	StatusTTL:     time.Hour,
	QuotaTTL:      5 * time.Minute,
	CacheTimeout:  time.Second,
	StoreTimeout:  time.Second,
	NotifyTimeout: time.Second,
}

// memoryStore is an in-memory Store that counts calls
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*models.UsageRecord

	finds        int
	latestFinds  int
	increments   int
	statusWrites int

	incrementErr error
	findErr      error
}

func newMemoryStore(records ...*models.UsageRecord) *memoryStore {
	s := &memoryStore{records: make(map[string]*models.UsageRecord)}
	for _, rec := range records {
		s.records[rec.UserID] = rec
	}
	return s
}

func (s *memoryStore) FindActiveUsage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	rec, ok := s.records[userID]
	if !ok || !rec.Status.Current() {
		return nil, fmt.Errorf("find %s: %w", userID, models.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) FindLatestUsage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latestFinds++
	rec, ok := s.records[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) IncrementUsedData(ctx context.Context, userID string, delta float64) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.increments++
	if s.incrementErr != nil {
		return nil, s.incrementErr
	}
	rec, ok := s.records[userID]
	if !ok || !rec.Status.Current() {
		return nil, models.ErrNotFound
	}
	rec.UsedData += delta
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) ExpireUsage(ctx context.Context, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok || !rec.Status.Current() || !rec.IsExpired(at) {
		return false, nil
	}
	s.statusWrites++
	rec.Status = models.UsageStatusExpired
	return true, nil
}

func (s *memoryStore) MarkExhausted(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok || rec.Status != models.UsageStatusActive || !rec.IsExhausted() {
		return false, nil
	}
	s.statusWrites++
	rec.Status = models.UsageStatusExhausted
	return true, nil
}

// replace swaps the user's record behind the tracker's back
func (s *memoryStore) replace(rec *models.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
}

func (s *memoryStore) get(userID string) models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[userID]
}

func (s *memoryStore) counts() (finds, increments, statusWrites int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds, s.increments, s.statusWrites
}

// brokenCache fails every call
type brokenCache struct{}

var errCacheDown = errors.New("connection refused")

func (brokenCache) Get(ctx context.Context, key string) ([]byte, error) { return nil, errCacheDown }
func (brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errCacheDown
}
func (brokenCache) Delete(ctx context.Context, key string) error { return errCacheDown }

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, contact models.Contact, message string) error {
	args := m.Called(ctx, contact, message)
	return args.Error(0)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) GetContact(ctx context.Context, userID string) (*models.Contact, error) {
	args := m.Called(ctx, userID)
	contact, _ := args.Get(0).(*models.Contact)
	return contact, args.Error(1)
}

func setupTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, mr
}

func testRecord(userID string, quota, used float64) *models.UsageRecord {
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	return &models.UsageRecord{
		ID:         "rec-" + userID,
		UserID:     userID,
		PackageID:  "pkg-basic",
		TotalQuota: quota,
		UsedData:   used,
		Status:     models.UsageStatusActive,
		StartDate:  time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    &end,
	}
}

func fixedClock(at time.Time) Option {
	return WithClock(func() time.Time { return at })
}

func newTestTracker(store Store, c Cache, directory Directory, notifier Notifier, opts ...Option) *Tracker {
	opts = append([]Option{fixedClock(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))}, opts...)
	return NewTracker(testConfig, store, c, directory, notifier, logging.Nop(), opts...)
}
