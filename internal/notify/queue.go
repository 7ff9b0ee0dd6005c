package notify

import (
	"context"

	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// AlertPublisher publishes alerts to a message broker
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.UsageAlert) error
}

// QueueNotifier hands alerts to the SMS/email gateway through the queue
type QueueNotifier struct {
	publisher AlertPublisher
}

// NewQueueNotifier creates a queue-backed notifier
func NewQueueNotifier(publisher AlertPublisher) *QueueNotifier {
	return &QueueNotifier{publisher: publisher}
}

// Send publishes one alert for contact
func (n *QueueNotifier) Send(ctx context.Context, contact models.Contact, message string) error {
	alert, err := newAlert(contact, message)
	if err != nil {
		return err
	}
	return n.publisher.PublishAlert(ctx, alert)
}
