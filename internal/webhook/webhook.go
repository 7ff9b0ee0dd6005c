package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// Client posts signed event payloads to a single endpoint
type Client struct {
	url         string
	secret      string
	client      *http.Client
	retries     int
	retryDelays []time.Duration
}

// Retry delays between attempts; the last one repeats
var defaultRetryDelays = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
}

// Delivery describes one delivered event
type Delivery struct {
	ID         string
	Attempts   int
	StatusCode int
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned %d: %s", e.StatusCode, e.Body)
}

// temporary reports whether the endpoint may accept a retry
func (e *StatusError) temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a webhook client. retries is the number of extra
// attempts after a failed delivery.
func NewClient(url, secret string, timeout time.Duration, retries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: timeout},
		retries:     retries,
		retryDelays: defaultRetryDelays,
	}
}

// Deliver posts event to the endpoint, retrying transport errors and
// 5xx/429 responses with backoff until ctx is done
func (c *Client) Deliver(ctx context.Context, event string, data interface{}) (*Delivery, error) {
	payload := models.WebhookEvent{
		Event:     event,
		Timestamp: time.Now(),
		Data:      data,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	delivery := &Delivery{ID: uuid.New().String()}

	for {
		delivery.Attempts++
		delivery.StatusCode, err = c.post(ctx, event, delivery.ID, payloadBytes)
		if err == nil {
			return delivery, nil
		}

		var se *StatusError
		if errors.As(err, &se) && !se.temporary() {
			return delivery, err
		}
		if delivery.Attempts > c.retries {
			return delivery, fmt.Errorf("webhook delivery failed after %d attempts: %w", delivery.Attempts, err)
		}

		select {
		case <-ctx.Done():
			return delivery, fmt.Errorf("webhook delivery abandoned: %w", ctx.Err())
		case <-time.After(c.retryDelay(delivery.Attempts)):
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	if len(c.retryDelays) == 0 {
		return 0
	}
	if attempt > len(c.retryDelays) {
		attempt = len(c.retryDelays)
	}
	return c.retryDelays[attempt-1]
}

// post sends one request and returns the response status
func (c *Client) post(ctx context.Context, event, deliveryID string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dataplan-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	// Add HMAC signature if secret is configured
	if c.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, nil
}

// Sign generates the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header against payload
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
