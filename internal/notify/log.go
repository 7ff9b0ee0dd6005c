package notify

import (
	"context"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// LogNotifier writes alerts to the log. Used in development.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs one alert for contact
func (n *LogNotifier) Send(ctx context.Context, contact models.Contact, message string) error {
	alert, err := newAlert(contact, message)
	if err != nil {
		return err
	}

	n.logger.WithUserID(alert.UserID).WithFields(map[string]interface{}{
		"alert_id": alert.ID,
		"phone":    alert.Phone,
		"email":    alert.Email,
	}).Info(alert.Message)
	return nil
}
