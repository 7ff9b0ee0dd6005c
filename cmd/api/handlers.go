package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/database"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/middleware"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/usage"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// UsageService is the quota tracker as seen by the handlers
type UsageService interface {
	GetStatus(ctx context.Context, userID string) (*models.UsageRecord, error)
	Consume(ctx context.Context, userID string, amount float64) (*usage.ConsumeResult, error)
	CheckQuota(ctx context.Context, userID string) (*usage.QuotaCheck, error)
	EvaluateExpiry(ctx context.Context, userID string) (*usage.ExpiryResult, error)
	EvaluateNotification(ctx context.Context, userID string) (*usage.NotificationResult, error)
	Invalidate(ctx context.Context, userID string)
}

// Repository is the subset of the database repository the API reads directly
type Repository interface {
	Health(ctx context.Context) error
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	ActivatePackage(ctx context.Context, userID string, pkg *models.Package, start time.Time) (*models.UsageRecord, error)
}

// Analytics serves the admin usage reports
type Analytics interface {
	GetUsageStats(ctx context.Context) (*models.UsageStats, error)
	GetUsageTrends(ctx context.Context, rng models.TrendRange) ([]models.UsageTrendPoint, error)
	Breakdown(ctx context.Context) (*models.UsageBreakdown, error)
}

// ResetRunner triggers the daily reset on demand
type ResetRunner interface {
	Run(ctx context.Context) (*scheduler.ResetReport, error)
}

type API struct {
	usage     UsageService
	repo      Repository
	analytics Analytics
	reset     ResetRunner
	logger    *logging.Logger
}

type consumeRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

func setupRouter(api *API, jwtSecret string, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(api.logger))

	// Health check
	router.GET("/health", api.healthCheck)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit(limiter))
	{
		// Own usage
		v1.GET("/usage", api.getUsage)
		v1.POST("/usage/consume", api.consume)
		v1.GET("/usage/check", api.checkQuota)
		v1.POST("/usage/expire", api.evaluateExpiry)
		v1.POST("/usage/notify", api.evaluateNotification)

		// Packages
		v1.POST("/packages/:id/activate", api.activatePackage)
	}

	admin := v1.Group("/admin", middleware.RequireRole(models.UserRoleAdmin))
	{
		admin.GET("/usage/stats", api.getUsageStats)
		admin.GET("/usage/trends", api.getUsageTrends)
		admin.GET("/usage/breakdown", api.getUsageBreakdown)
		admin.POST("/usage/reset", api.runDailyReset)
		admin.GET("/usage/users/:userId", api.getUserUsage)
	}

	return router
}

// respondError maps tracker and repository errors onto HTTP statuses
func (api *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usage.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No active usage found"})
	case errors.Is(err, database.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		api.logger.WithRequestID(c.GetString(middleware.RequestIDContextKey)).ErrorWithErr("Request failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func currentUser(c *gin.Context) string {
	userID, _ := middleware.GetUserID(c)
	return userID
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Check database health
	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

func (api *API) getUsage(c *gin.Context) {
	rec, err := api.usage.GetStatus(c.Request.Context(), currentUser(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usageResponse(rec))
}

func (api *API) getUserUsage(c *gin.Context) {
	rec, err := api.usage.GetStatus(c.Request.Context(), c.Param("userId"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usageResponse(rec))
}

func usageResponse(rec *models.UsageRecord) gin.H {
	resp := gin.H{
		"user_id":        rec.UserID,
		"package_id":     rec.PackageID,
		"status":         rec.Status,
		"total_quota":    rec.TotalQuota,
		"used_data":      rec.UsedData,
		"remaining_data": rec.RemainingData(),
		"end_date":       rec.EndDate,
	}
	if percent, ok := rec.PercentUsed(); ok {
		resp["percent_used"] = percent
	}
	return resp
}

func (api *API) consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}

	result, err := api.usage.Consume(c.Request.Context(), currentUser(c), req.Amount)
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *API) checkQuota(c *gin.Context) {
	check, err := api.usage.CheckQuota(c.Request.Context(), currentUser(c))
	if err != nil {
		api.respondError(c, err)
		return
	}

	if !check.Available {
		c.JSON(http.StatusForbidden, check)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (api *API) evaluateExpiry(c *gin.Context) {
	result, err := api.usage.EvaluateExpiry(c.Request.Context(), currentUser(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *API) evaluateNotification(c *gin.Context) {
	result, err := api.usage.EvaluateNotification(c.Request.Context(), currentUser(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *API) activatePackage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)

	pkg, err := api.repo.GetPackage(ctx, c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}

	rec, err := api.repo.ActivatePackage(ctx, userID, pkg, time.Now().UTC())
	if err != nil {
		api.respondError(c, err)
		return
	}

	// The cached snapshot still describes the replaced record
	api.usage.Invalidate(ctx, userID)

	api.logger.LogUsageEvent(userID, "package_activated", map[string]interface{}{
		"package_id":  pkg.ID,
		"total_quota": rec.TotalQuota,
	})
	c.JSON(http.StatusCreated, usageResponse(rec))
}

func (api *API) getUsageStats(c *gin.Context) {
	stats, err := api.analytics.GetUsageStats(c.Request.Context())
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (api *API) getUsageTrends(c *gin.Context) {
	rng := models.TrendRange(c.DefaultQuery("range", string(models.TrendDaily)))

	points, err := api.analytics.GetUsageTrends(c.Request.Context(), rng)
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": rng, "trends": points})
}

func (api *API) getUsageBreakdown(c *gin.Context) {
	breakdown, err := api.analytics.Breakdown(c.Request.Context())
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

func (api *API) runDailyReset(c *gin.Context) {
	// A client disconnect must not cut a reset short
	report, err := api.reset.Run(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, scheduler.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Daily reset already in progress"})
		return
	}
	if err != nil && report != nil {
		api.logger.ErrorWithErr("Daily reset incomplete", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Daily reset applied but not recorded",
			"report": report,
		})
		return
	}
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
