package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

// Apple verifyReceipt status codes
const (
	appleStatusOK              = 0
	appleStatusServerDown      = 21005
	appleStatusSandboxReceipt  = 21007
	appleStatusInternalMin     = 21100
	appleStatusInternalMax     = 21199
	maxAppleResponseBodyLength = 4 << 20
)

// AppleVerifierConfig configures the receipt verification endpoints
type AppleVerifierConfig struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string
	HTTPClient    *http.Client
}

// AppleReceiptVerifier verifies App Store receipts with verifyReceipt
type AppleReceiptVerifier struct {
	cfg        AppleVerifierConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewAppleReceiptVerifier creates a new Apple receipt verifier
func NewAppleReceiptVerifier(cfg AppleVerifierConfig) *AppleReceiptVerifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AppleReceiptVerifier{cfg: cfg, httpClient: client, now: time.Now}
}

// AppleReceiptResponse represents Apple receipt verification response
type AppleReceiptResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	IsRetryable bool   `json:"is-retryable"`
	Receipt     struct {
		BundleID string              `json:"bundle_id"`
		InApp    []AppleReceiptEntry `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []AppleReceiptEntry `json:"latest_receipt_info"`
}

// AppleReceiptEntry is one transaction of the receipt history
type AppleReceiptEntry struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDate          string `json:"purchase_date_ms"`
	ExpiresDate           string `json:"expires_date_ms"`
	CancellationDate      string `json:"cancellation_date_ms"`
}

// AppleStatusError represents a non-zero verifyReceipt status
type AppleStatusError struct {
	Status int
}

func (e *AppleStatusError) Error() string {
	return fmt.Sprintf("Apple verification failed with status: %d", e.Status)
}

// Verify checks receipt against production and, when Apple reports a
// sandbox receipt (21007), exactly once against the sandbox endpoint.
func (v *AppleReceiptVerifier) Verify(ctx context.Context, receipt, productID string) (*StorePurchase, error) {
	resp, err := v.verifyWith(ctx, v.cfg.ProductionURL, receipt)
	if err == nil && resp.Status == appleStatusSandboxReceipt {
		logging.Infof("Receipt is from sandbox, retrying with sandbox URL")
		resp, err = v.verifyWith(ctx, v.cfg.SandboxURL, receipt)
	}
	if err != nil {
		return nil, err
	}
	if resp.Status != appleStatusOK {
		return nil, classifyAppleStatus(resp)
	}
	return v.purchaseFromResponse(resp, productID)
}

// verifyWith posts the receipt to one verifyReceipt endpoint
func (v *AppleReceiptVerifier) verifyWith(ctx context.Context, url, receipt string) (*AppleReceiptResponse, error) {
	requestBody := map[string]interface{}{
		"receipt-data":             receipt,
		"password":                 v.cfg.SharedSecret,
		"exclude-old-transactions": true,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, newVerificationError(KindInternal, msgStoreUnavailable, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, newVerificationError(KindMisconfigured, msgStoreUnavailable, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, newVerificationError(KindStoreUnavailable, msgStoreUnavailable, fmt.Errorf("failed to verify receipt: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAppleResponseBodyLength))
	if err != nil {
		return nil, newVerificationError(KindStoreUnavailable, msgStoreUnavailable, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newVerificationError(KindStoreUnavailable, msgStoreUnavailable, fmt.Errorf("verifyReceipt returned HTTP %d", resp.StatusCode))
	}

	var appleResp AppleReceiptResponse
	if err := json.Unmarshal(body, &appleResp); err != nil {
		return nil, newVerificationError(KindStoreUnavailable, msgStoreUnavailable, fmt.Errorf("failed to parse response: %w", err))
	}
	return &appleResp, nil
}

// classifyAppleStatus turns a non-zero status into a verification error.
// Only Apple-side outages are transient; everything else is terminal.
func classifyAppleStatus(resp *AppleReceiptResponse) error {
	statusErr := &AppleStatusError{Status: resp.Status}
	if resp.IsRetryable || resp.Status == appleStatusServerDown ||
		(resp.Status >= appleStatusInternalMin && resp.Status <= appleStatusInternalMax) {
		return newVerificationError(KindStoreUnavailable, msgStoreUnavailable, statusErr)
	}
	return newVerificationError(KindInvalidReceipt, msgInvalidReceipt, statusErr)
}

// purchaseFromResponse picks the most recent entry for productID
func (v *AppleReceiptVerifier) purchaseFromResponse(resp *AppleReceiptResponse, productID string) (*StorePurchase, error) {
	entries := append(append([]AppleReceiptEntry{}, resp.LatestReceiptInfo...), resp.Receipt.InApp...)

	var (
		latest        *AppleReceiptEntry
		latestExpires time.Time
		sawRefund     bool
	)
	for i := range entries {
		entry := &entries[i]
		if entry.ProductID != productID {
			continue
		}
		if entry.CancellationDate != "" {
			sawRefund = true
			continue
		}
		expires, err := entryExpiry(entry)
		if err != nil {
			logging.Warnf("Skipping receipt entry %s without usable expiry: %v", entry.TransactionID, err)
			continue
		}
		if latest == nil || expires.After(latestExpires) {
			latest, latestExpires = entry, expires
		}
	}

	if latest == nil {
		if sawRefund {
			return nil, newVerificationError(KindSubscriptionNotActive, msgSubscriptionNotActive, fmt.Errorf("all entries for %s were cancelled", productID))
		}
		return nil, newVerificationError(KindProductNotInReceipt, msgProductNotInReceipt, fmt.Errorf("no entry for %s in receipt", productID))
	}
	if !latestExpires.After(v.now()) {
		return nil, newVerificationError(KindSubscriptionExpired, msgSubscriptionExpired, fmt.Errorf("expired at %s", latestExpires.UTC().Format(time.RFC3339)))
	}

	purchaseDate, _ := parseAppleTimestamp(latest.PurchaseDate)
	original := latest.OriginalTransactionID
	if original == "" {
		original = latest.TransactionID
	}
	return &StorePurchase{
		Platform:              models.PlatformIOS,
		ProductID:             latest.ProductID,
		TransactionID:         latest.TransactionID,
		OriginalTransactionID: original,
		StoreReference:        original,
		Environment:           resp.Environment,
		PurchasedAt:           purchaseDate,
		ExpiresAt:             latestExpires,
	}, nil
}

// entryExpiry returns the expiry of an entry. Non-renewing subscriptions
// carry no expires_date and run for the period named in the product id.
func entryExpiry(entry *AppleReceiptEntry) (time.Time, error) {
	if entry.ExpiresDate != "" {
		return parseAppleTimestamp(entry.ExpiresDate)
	}
	purchased, err := parseAppleTimestamp(entry.PurchaseDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("no expires_date and no purchase_date: %w", err)
	}
	info, err := models.ParseProductID(entry.ProductID, "")
	if err != nil {
		return time.Time{}, err
	}
	return purchased.Add(info.Duration.Period()), nil
}

// parseAppleTimestamp parses Apple timestamp (milliseconds since epoch)
func parseAppleTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ms, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
