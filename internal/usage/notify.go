package usage

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/tracing"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// Alert messages sent when a threshold is crossed
const (
	MessageFullyUsed = "Your package is fully used up."
	MessageWarning80 = "Warning: You've used 80% of your package."
	MessageNotice50  = "You've used 50% of your package."
)

// thresholds are ordered highest first; the first match wins
var thresholds = []struct {
	min     float64
	level   models.AlertLevel
	message string
}{
	{100, models.AlertFullyUsed, MessageFullyUsed},
	{80, models.AlertWarning80, MessageWarning80},
	{50, models.AlertNotice50, MessageNotice50},
}

// Classify maps a usage percentage to its alert level and message.
// Below 50% there is no alert.
func Classify(percentUsed float64) (models.AlertLevel, string) {
	for _, th := range thresholds {
		if percentUsed >= th.min {
			return th.level, th.message
		}
	}
	return models.AlertNone, ""
}

// NotificationResult is the outcome of a threshold evaluation
type NotificationResult struct {
	UserID      string            `json:"user_id"`
	PercentUsed *float64          `json:"percent_used,omitempty"`
	Level       models.AlertLevel `json:"level,omitempty"`
	Message     string            `json:"message,omitempty"`
	Sent        bool              `json:"sent"`
}

// EvaluateNotification classifies the user's usage and, when a threshold
// is crossed, sends exactly one alert. Nothing is remembered between calls,
// so polling a user above a threshold sends the alert again each time.
// Contact lookup and delivery failures are logged, never returned.
func (t *Tracker) EvaluateNotification(ctx context.Context, userID string) (*NotificationResult, error) {
	span, ctx := tracing.StartUserSpan(ctx, "usage.evaluate_notification", userID)
	defer tracing.FinishSpan(span)

	rec, err := t.load(ctx, userID, t.cfg.StatusTTL)
	t.record("evaluate_notification", err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	result := &NotificationResult{UserID: userID}

	percent, ok := rec.PercentUsed()
	if !ok {
		return result, nil
	}
	result.PercentUsed = &percent

	result.Level, result.Message = Classify(percent)
	if result.Level == models.AlertNone {
		return result, nil
	}
	tracing.SetTag(span, "usage.alert_level", string(result.Level))

	err = t.dispatch(ctx, userID, result.Message)
	t.logger.LogNotification(userID, string(result.Level), percent, err)
	if err != nil {
		metrics.RecordNotification(string(result.Level), "failed")
		metrics.RecordError("usage", "notifier")
		tracing.LogError(span, err)
		return result, nil
	}

	metrics.RecordNotification(string(result.Level), "sent")
	result.Sent = true
	return result, nil
}

func (t *Tracker) dispatch(ctx context.Context, userID, message string) error {
	if t.directory == nil || t.notifier == nil {
		return fmt.Errorf("%w: no notifier configured", ErrNotifier)
	}

	ctx, cancel := withTimeout(ctx, t.cfg.NotifyTimeout)
	defer cancel()

	contact, err := t.directory.GetContact(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve contact: %w", ErrNotifier, err)
	}

	if err := t.notifier.Send(ctx, *contact, message); err != nil {
		return fmt.Errorf("%w: failed to send alert: %w", ErrNotifier, err)
	}
	return nil
}
