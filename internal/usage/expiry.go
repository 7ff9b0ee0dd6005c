package usage

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/tracing"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// ExpiryStatus is the outcome of an expiry evaluation
type ExpiryStatus string

const (
	ExpiryValid   ExpiryStatus = "valid"
	ExpiryExpired ExpiryStatus = "expired"
)

// ExpiryResult describes a user's package validity
type ExpiryResult struct {
	UserID  string       `json:"user_id"`
	Status  ExpiryStatus `json:"status"`
	EndDate *time.Time   `json:"end_date,omitempty"`
	// Changed is true only for the evaluation that moved the record to expired
	Changed bool `json:"changed"`
}

// EvaluateExpiry expires the user's package once its end date has passed
// and drops the cached snapshot. Evaluating an already expired package
// reports expired again without touching the store.
func (t *Tracker) EvaluateExpiry(ctx context.Context, userID string) (*ExpiryResult, error) {
	span, ctx := tracing.StartUserSpan(ctx, "usage.evaluate_expiry", userID)
	defer tracing.FinishSpan(span)

	result, err := t.evaluateExpiry(ctx, userID)
	t.record("evaluate_expiry", err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}
	tracing.SetTag(span, "usage.expiry", string(result.Status))
	return result, nil
}

func (t *Tracker) evaluateExpiry(ctx context.Context, userID string) (*ExpiryResult, error) {
	rec, err := t.load(ctx, userID, t.cfg.StatusTTL)
	if errors.Is(err, ErrNotFound) {
		return t.previousExpiry(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	now := t.now()
	if !rec.IsExpired(now) {
		return &ExpiryResult{UserID: userID, Status: ExpiryValid, EndDate: rec.EndDate}, nil
	}

	changed, err := t.expire(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	t.deleteCache(ctx, userID)

	if !changed {
		// The snapshot may describe a record that was already expired or
		// replaced; the store has the answer.
		return t.storedExpiry(ctx, userID, now)
	}

	metrics.PackagesExpiredTotal.Inc()
	t.logger.LogUsageEvent(userID, "package_expired", map[string]interface{}{
		"package_id": rec.PackageID,
		"end_date":   rec.EndDate,
	})

	return &ExpiryResult{UserID: userID, Status: ExpiryExpired, EndDate: rec.EndDate, Changed: true}, nil
}

// storedExpiry evaluates the user's latest stored record without changing it
func (t *Tracker) storedExpiry(ctx context.Context, userID string, now time.Time) (*ExpiryResult, error) {
	latest, err := t.findLatest(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := ExpiryValid
	if latest.Status == models.UsageStatusExpired || latest.IsExpired(now) {
		status = ExpiryExpired
	}
	return &ExpiryResult{UserID: userID, Status: status, EndDate: latest.EndDate}, nil
}

// previousExpiry answers for a user without a current record. A user
// whose latest record is expired gets the same terminal answer as the
// evaluation that expired it.
func (t *Tracker) previousExpiry(ctx context.Context, userID string) (*ExpiryResult, error) {
	latest, err := t.findLatest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest.Status != models.UsageStatusExpired {
		return nil, ErrNotFound
	}
	return &ExpiryResult{UserID: userID, Status: ExpiryExpired, EndDate: latest.EndDate}, nil
}
