package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"receipt-api/internal/models"
)

// Verifier obtains a verdict for a purchase from the verification service
type Verifier interface {
	Verify(ctx context.Context, req models.VerificationRequest) (models.VerificationResult, error)
}

// TokenSource returns the bearer token of the signed-in user
type TokenSource func(ctx context.Context) (string, error)

// HTTPVerifier calls POST /api/iap/verify
type HTTPVerifier struct {
	endpoint   string
	token      TokenSource
	httpClient *http.Client
}

// NewHTTPVerifier creates a client for the service at baseURL
func NewHTTPVerifier(baseURL string, token TokenSource, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}
	return &HTTPVerifier{
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/iap/verify",
		token:      token,
		httpClient: client,
	}
}

// Verify sends req. A returned result without error is a definitive
// verdict; ErrVerificationUnavailable and ErrUnauthenticated are not.
func (v *HTTPVerifier) Verify(ctx context.Context, req models.VerificationRequest) (models.VerificationResult, error) {
	token, err := v.token(ctx)
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if token == "" {
		return models.VerificationResult{}, fmt.Errorf("%w: no session token", ErrUnauthenticated)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	var result models.VerificationResult
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
		if decodeErr != nil {
			return models.VerificationResult{}, fmt.Errorf("%w: malformed response: %v", ErrVerificationUnavailable, decodeErr)
		}
		if resp.StatusCode == http.StatusBadRequest {
			result.Valid = false
		}
		return result, nil
	case http.StatusUnauthorized:
		return models.VerificationResult{}, ErrUnauthenticated
	default:
		return result, fmt.Errorf("%w: status %d", ErrVerificationUnavailable, resp.StatusCode)
	}
}
