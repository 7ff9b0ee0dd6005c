package models

import (
	"time"
)

// AlertLevel is the usage threshold tier a notification belongs to
type AlertLevel string

// AlertLevel constants, ordered highest first
const (
	AlertFullyUsed AlertLevel = "fully_used"
	AlertWarning80 AlertLevel = "warning_80"
	AlertNotice50  AlertLevel = "notice_50"
	AlertNone      AlertLevel = ""
)

// UsageAlert is the message handed to notifier transports
type UsageAlert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookEvent represents the payload sent to webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Webhook event types
const (
	WebhookEventUsageAlert = "usage.alert"
)
