package models

// VerificationRequest is the body of POST /api/iap/verify
type VerificationRequest struct {
	Platform           string `json:"platform"`
	ProductID          string `json:"productId"`
	TransactionReceipt string `json:"transactionReceipt"`
	TransactionID      string `json:"transactionId"`
}

// SubscriptionInfo describes the entitlement granted by a valid receipt
type SubscriptionInfo struct {
	ProductID string `json:"productId"`
	ExpiresAt string `json:"expiresAt"`
	Level     string `json:"level"`
	Duration  string `json:"duration"`
}

// VerificationResult is the response body of POST /api/iap/verify.
// Subscription is only set when Valid is true.
type VerificationResult struct {
	Valid        bool              `json:"valid"`
	Message      string            `json:"message"`
	Retryable    bool              `json:"retryable,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}
