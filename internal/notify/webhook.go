package notify

import (
	"context"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/webhook"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// WebhookNotifier posts alerts as usage.alert webhook events
type WebhookNotifier struct {
	client *webhook.Client
	logger *logging.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier
func NewWebhookNotifier(client *webhook.Client, logger *logging.Logger) *WebhookNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WebhookNotifier{client: client, logger: logger}
}

// Send delivers one alert for contact
func (n *WebhookNotifier) Send(ctx context.Context, contact models.Contact, message string) error {
	alert, err := newAlert(contact, message)
	if err != nil {
		return err
	}

	delivery, err := n.client.Deliver(ctx, models.WebhookEventUsageAlert, alert)
	if err != nil {
		return err
	}

	n.logger.WithUserID(contact.UserID).WithFields(map[string]interface{}{
		"alert_id":    alert.ID,
		"delivery_id": delivery.ID,
		"attempts":    delivery.Attempts,
	}).Debug("Usage alert webhook delivered")
	return nil
}
