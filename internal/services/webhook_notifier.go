package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

const (
	webhookEventEntitlementUpdated = "entitlement.updated"
	webhookSignatureHeader         = "X-Receipt-Signature"
)

// WebhookNotifier posts entitlement changes to the app backend
type WebhookNotifier struct {
	callbackURL string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a new webhook notifier, or nil without a callback URL
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	if callbackURL == "" {
		return nil
	}
	return &WebhookNotifier{
		callbackURL: callbackURL,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Retry schedule: 1s, 5s, 30s (3 attempts total)
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// WebhookPayload represents the payload sent to the app backend
type WebhookPayload struct {
	Event         string `json:"event"`
	UserID        string `json:"user_id"`
	Platform      string `json:"platform"`
	ProductID     string `json:"product_id"`
	Level         string `json:"level"`
	Duration      string `json:"duration"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	ExpiresAt     string `json:"expires_at"`
	Timestamp     string `json:"timestamp"`
}

// NotifyEntitlement sends the entitlement with retries. It blocks until
// delivery succeeds or attempts run out; callers run it in a goroutine.
func (wn *WebhookNotifier) NotifyEntitlement(ctx context.Context, _ Identity, entitlement *models.Entitlement) error {
	if wn == nil {
		return nil
	}
	payload := WebhookPayload{
		Event:         webhookEventEntitlementUpdated,
		UserID:        entitlement.UserID,
		Platform:      entitlement.Platform,
		ProductID:     entitlement.ProductID,
		Level:         entitlement.Level,
		Duration:      entitlement.Duration,
		Status:        entitlement.Status,
		TransactionID: entitlement.TransactionID,
		ExpiresAt:     models.FormatTimestamp(entitlement.ExpiresAt),
		Timestamp:     models.FormatTimestamp(time.Now()),
	}
	return wn.sendWithRetry(ctx, payload)
}

// sendWithRetry sends webhook with retry mechanism
func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, payload WebhookPayload) error {
	maxRetries := len(wn.retryDelays)
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err = wn.sendWebhook(ctx, payload)
		if err == nil {
			logging.Infof("Webhook notification sent - user: %s, product: %s, attempt: %d",
				payload.UserID, payload.ProductID, attempt+1)
			return nil
		}

		logging.Errorf("Webhook notification failed - user: %s, attempt: %d, error: %v",
			payload.UserID, attempt+1, err)

		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wn.retryDelays[attempt]):
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, err)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ReceiptAPI-Webhook/1.0")
	if wn.secret != "" {
		req.Header.Set(webhookSignatureHeader, SignWebhookPayload(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// SignWebhookPayload returns the hex HMAC-SHA256 of payload under secret
func SignWebhookPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
