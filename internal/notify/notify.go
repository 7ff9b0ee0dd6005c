// Package notify delivers usage alerts to users through the configured
// transport: the RabbitMQ alert queue consumed by the SMS/email gateway,
// a signed HTTP webhook, or the log.
package notify

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/queue"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/usage"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/webhook"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// ErrUnreachable is returned when a contact has neither phone nor email
var ErrUnreachable = errors.New("contact has no phone or email")

func newAlert(contact models.Contact, message string) (*models.UsageAlert, error) {
	if !contact.Reachable() {
		return nil, fmt.Errorf("user %s: %w", contact.UserID, ErrUnreachable)
	}
	return &models.UsageAlert{
		ID:        uuid.New().String(),
		UserID:    contact.UserID,
		Message:   message,
		Phone:     contact.Phone,
		Email:     contact.Email,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the notifier selected by cfg.Driver. The returned closer
// releases the transport's connections.
func New(cfg config.NotifierConfig, queueCfg config.QueueConfig, logger *logging.Logger) (usage.Notifier, io.Closer, error) {
	switch cfg.Driver {
	case "queue":
		q, err := queue.New(queueCfg)
		if err != nil {
			return nil, nil, err
		}
		return NewQueueNotifier(q), q, nil
	case "webhook":
		client := webhook.NewClient(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout, cfg.WebhookRetries)
		return NewWebhookNotifier(client, logger), nopCloser{}, nil
	case "log", "":
		return NewLogNotifier(logger), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notifier driver %q", cfg.Driver)
	}
}
