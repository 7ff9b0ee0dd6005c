package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/database"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/middleware"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/usage"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

const testSecret = "test-secret"

type mockUsage struct {
	mock.Mock
}

func (m *mockUsage) GetStatus(ctx context.Context, userID string) (*models.UsageRecord, error) {
	args := m.Called(ctx, userID)
	rec, _ := args.Get(0).(*models.UsageRecord)
	return rec, args.Error(1)
}

func (m *mockUsage) Consume(ctx context.Context, userID string, amount float64) (*usage.ConsumeResult, error) {
	args := m.Called(ctx, userID, amount)
	res, _ := args.Get(0).(*usage.ConsumeResult)
	return res, args.Error(1)
}

func (m *mockUsage) CheckQuota(ctx context.Context, userID string) (*usage.QuotaCheck, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*usage.QuotaCheck)
	return res, args.Error(1)
}

func (m *mockUsage) EvaluateExpiry(ctx context.Context, userID string) (*usage.ExpiryResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*usage.ExpiryResult)
	return res, args.Error(1)
}

func (m *mockUsage) EvaluateNotification(ctx context.Context, userID string) (*usage.NotificationResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*usage.NotificationResult)
	return res, args.Error(1)
}

func (m *mockUsage) Invalidate(ctx context.Context, userID string) {
	m.Called(ctx, userID)
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Health(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRepository) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	args := m.Called(ctx, id)
	pkg, _ := args.Get(0).(*models.Package)
	return pkg, args.Error(1)
}

func (m *mockRepository) ActivatePackage(ctx context.Context, userID string, pkg *models.Package, start time.Time) (*models.UsageRecord, error) {
	args := m.Called(ctx, userID, pkg, start)
	rec, _ := args.Get(0).(*models.UsageRecord)
	return rec, args.Error(1)
}

type mockAnalytics struct {
	mock.Mock
}

func (m *mockAnalytics) GetUsageStats(ctx context.Context) (*models.UsageStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*models.UsageStats)
	return stats, args.Error(1)
}

func (m *mockAnalytics) GetUsageTrends(ctx context.Context, rng models.TrendRange) ([]models.UsageTrendPoint, error) {
	args := m.Called(ctx, rng)
	points, _ := args.Get(0).([]models.UsageTrendPoint)
	return points, args.Error(1)
}

func (m *mockAnalytics) Breakdown(ctx context.Context) (*models.UsageBreakdown, error) {
	args := m.Called(ctx)
	b, _ := args.Get(0).(*models.UsageBreakdown)
	return b, args.Error(1)
}

type resetFunc func(ctx context.Context) (*scheduler.ResetReport, error)

func (f resetFunc) Run(ctx context.Context) (*scheduler.ResetReport, error) { return f(ctx) }

type testAPI struct {
	router    *gin.Engine
	usage     *mockUsage
	repo      *mockRepository
	analytics *mockAnalytics
}

func setupTestAPI(t *testing.T, reset ResetRunner) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if reset == nil {
		reset = resetFunc(func(ctx context.Context) (*scheduler.ResetReport, error) {
			return &scheduler.ResetReport{}, nil
		})
	}

	ta := &testAPI{usage: &mockUsage{}, repo: &mockRepository{}, analytics: &mockAnalytics{}}
	api := &API{usage: ta.usage, repo: ta.repo, analytics: ta.analytics, reset: reset, logger: logging.Nop()}
	ta.router = setupRouter(api, testSecret, middleware.NewRateLimiter(1000, 1000))
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path string, role models.UserRole, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := middleware.GenerateToken(testSecret, "user-1", "user-1@example.com", role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.repo.On("Health", mock.Anything).Return(nil).Once()
	ta.repo.On("Health", mock.Anything).Return(errors.New("pool closed")).Once()

	assert.Equal(t, http.StatusOK, ta.do(t, "GET", "/health", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ta.do(t, "GET", "/health", "", nil).Code)
}

func TestRequiresAuthentication(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, "GET", "/api/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	ta.usage.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
}

func TestGetUsage(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.usage.On("GetStatus", mock.Anything, "user-1").Return(&models.UsageRecord{
		UserID: "user-1", TotalQuota: 1000, UsedData: 850, Status: models.UsageStatusActive,
	}, nil)

	w := ta.do(t, "GET", "/api/v1/usage", models.UserRoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, 150.0, body["remaining_data"])
	assert.Equal(t, 85.0, body["percent_used"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{usage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: user id is required", usage.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: increment: timeout", usage.ErrStore), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		ta := setupTestAPI(t, nil)
		ta.usage.On("GetStatus", mock.Anything, "user-1").Return(nil, tt.err)

		w := ta.do(t, "GET", "/api/v1/usage", models.UserRoleUser, nil)
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestConsume(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.usage.On("Consume", mock.Anything, "user-1", 200.0).Return(&usage.ConsumeResult{
		UserID: "user-1", UsedData: 1050, RemainingData: -50, Exhausted: true, Status: models.UsageStatusExhausted,
	}, nil)
	ta.usage.On("Consume", mock.Anything, "user-1", -5.0).Return(nil, fmt.Errorf("%w: negative", usage.ErrInvalidInput))

	w := ta.do(t, "POST", "/api/v1/usage/consume", models.UserRoleUser, map[string]float64{"amount": 200})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 1050.0, body["used_data"])
	assert.Equal(t, -50.0, body["remaining_data"])
	assert.Equal(t, true, body["exhausted"])

	w = ta.do(t, "POST", "/api/v1/usage/consume", models.UserRoleUser, map[string]float64{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, "POST", "/api/v1/usage/consume", models.UserRoleUser, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckQuota(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.usage.On("CheckQuota", mock.Anything, "user-1").Return(&usage.QuotaCheck{
		UserID: "user-1", Available: true, RemainingData: 150, PercentUsed: 85,
	}, nil).Once()
	ta.usage.On("CheckQuota", mock.Anything, "user-1").Return(&usage.QuotaCheck{
		UserID: "user-1", Available: false, RemainingData: 0, PercentUsed: 105,
	}, nil).Once()

	w := ta.do(t, "GET", "/api/v1/usage/check", models.UserRoleUser, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["available"])

	w = ta.do(t, "GET", "/api/v1/usage/check", models.UserRoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, false, decode(t, w)["available"])
}

func TestExpireAndNotify(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.usage.On("EvaluateExpiry", mock.Anything, "user-1").Return(&usage.ExpiryResult{
		UserID: "user-1", Status: usage.ExpiryExpired, Changed: true,
	}, nil)
	percent := 85.0
	ta.usage.On("EvaluateNotification", mock.Anything, "user-1").Return(&usage.NotificationResult{
		UserID: "user-1", PercentUsed: &percent, Level: models.AlertWarning80, Message: usage.MessageWarning80, Sent: true,
	}, nil)

	w := ta.do(t, "POST", "/api/v1/usage/expire", models.UserRoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "expired", decode(t, w)["status"])

	w = ta.do(t, "POST", "/api/v1/usage/notify", models.UserRoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, usage.MessageWarning80, decode(t, w)["message"])
}

func TestActivatePackage(t *testing.T) {
	ta := setupTestAPI(t, nil)
	pkg := &models.Package{ID: "pkg-1", Quota: 2048, ValidityDays: 30}
	ta.repo.On("GetPackage", mock.Anything, "pkg-1").Return(pkg, nil)
	ta.repo.On("GetPackage", mock.Anything, "missing").Return(nil, database.ErrRecordNotFound)
	ta.repo.On("ActivatePackage", mock.Anything, "user-1", pkg, mock.AnythingOfType("time.Time")).Return(&models.UsageRecord{
		UserID: "user-1", PackageID: "pkg-1", TotalQuota: 2048, Status: models.UsageStatusActive,
	}, nil)
	ta.usage.On("Invalidate", mock.Anything, "user-1").Return().Once()

	w := ta.do(t, "POST", "/api/v1/packages/pkg-1/activate", models.UserRoleUser, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2048.0, decode(t, w)["remaining_data"])
	ta.usage.AssertExpectations(t)

	w = ta.do(t, "POST", "/api/v1/packages/missing/activate", models.UserRoleUser, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	ta := setupTestAPI(t, nil)
	ta.analytics.On("GetUsageStats", mock.Anything).Return(&models.UsageStats{TotalQuota: 3000, TotalUsedData: 1200, UserCount: 2}, nil)
	ta.analytics.On("GetUsageTrends", mock.Anything, models.TrendWeekly).Return([]models.UsageTrendPoint{{Date: "2026-W42", UsedData: 1200}}, nil)
	ta.analytics.On("GetUsageTrends", mock.Anything, models.TrendRange("hourly")).Return(nil, fmt.Errorf("%w: unsupported trend range", usage.ErrInvalidInput))
	ta.analytics.On("Breakdown", mock.Anything).Return(&models.UsageBreakdown{
		TotalRecords: 2,
		Levels:       map[models.AlertLevel]int64{models.AlertWarning80: 1},
	}, nil)

	w := ta.do(t, "GET", "/api/v1/admin/usage/stats", models.UserRoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ta.do(t, "GET", "/api/v1/admin/usage/stats", models.UserRoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["user_count"])

	w = ta.do(t, "GET", "/api/v1/admin/usage/trends?range=weekly", models.UserRoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["trends"], 1)

	w = ta.do(t, "GET", "/api/v1/admin/usage/trends?range=hourly", models.UserRoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, "GET", "/api/v1/admin/usage/breakdown", models.UserRoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["total_records"])
}

func TestManualReset(t *testing.T) {
	calls := 0
	ta := setupTestAPI(t, resetFunc(func(ctx context.Context) (*scheduler.ResetReport, error) {
		calls++
		if calls > 1 {
			return nil, scheduler.ErrRunInProgress
		}
		return &scheduler.ResetReport{StoreResets: 3, CacheResets: 2}, nil
	}))

	w := ta.do(t, "POST", "/api/v1/admin/usage/reset", models.UserRoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.0, decode(t, w)["store_resets"])

	w = ta.do(t, "POST", "/api/v1/admin/usage/reset", models.UserRoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestManualReset_MarkerNotRecorded(t *testing.T) {
	var runCtx context.Context
	ta := setupTestAPI(t, resetFunc(func(ctx context.Context) (*scheduler.ResetReport, error) {
		runCtx = ctx
		return &scheduler.ResetReport{StoreResets: 3}, fmt.Errorf("%w: READONLY", scheduler.ErrMarkerNotRecorded)
	}))

	w := ta.do(t, "POST", "/api/v1/admin/usage/reset", models.UserRoleAdmin, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	report, ok := decode(t, w)["report"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3.0, report["store_resets"])

	require.NotNil(t, runCtx)
	assert.Nil(t, runCtx.Done(), "reset runs detached from the request")
}
