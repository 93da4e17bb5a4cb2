package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies why a verification did not produce an entitlement
type ErrorKind string

const (
	KindUnauthenticated       ErrorKind = "unauthenticated"
	KindBadRequest            ErrorKind = "bad_request"
	KindInvalidReceipt        ErrorKind = "invalid_receipt"
	KindProductNotInReceipt   ErrorKind = "product_not_in_receipt"
	KindSubscriptionExpired   ErrorKind = "subscription_expired"
	KindSubscriptionNotActive ErrorKind = "subscription_not_active"
	KindReceiptOwned          ErrorKind = "receipt_owned_by_another_user"
	KindStoreUnavailable      ErrorKind = "store_unavailable"
	KindMisconfigured         ErrorKind = "misconfigured"
	KindInternal              ErrorKind = "internal"
)

// HTTPStatus maps a kind onto the response status of the verify endpoint.
// Transient kinds get 503 so clients can tell "retry later" apart from
// "this receipt will never verify".
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindStoreUnavailable, KindMisconfigured, KindInternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Retryable reports whether the same request may succeed later
func (k ErrorKind) Retryable() bool {
	return k.HTTPStatus() == http.StatusServiceUnavailable
}

// VerificationError carries a kind, a caller-safe message and the cause.
// Message never contains secrets or raw store responses; Err may, and is
// only logged.
type VerificationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func newVerificationError(kind ErrorKind, message string, err error) *VerificationError {
	return &VerificationError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err. Unclassified errors are treated as
// transient store failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindStoreUnavailable
}

// MessageOf returns the caller-safe message of err
func MessageOf(err error) string {
	var verr *VerificationError
	if errors.As(err, &verr) && verr.Message != "" {
		return verr.Message
	}
	return "Verification failed, please try again later"
}

// Caller-facing messages
const (
	msgVerified              = "Subscription verified"
	msgUnauthenticated       = "Unauthorized"
	msgMissingFields         = "Missing required fields"
	msgUnsupportedPlatform   = "Unsupported platform"
	msgInvalidProductID      = "Invalid product identifier"
	msgInvalidReceipt        = "Invalid receipt"
	msgProductNotInReceipt   = "Product not found in receipt"
	msgSubscriptionExpired   = "Subscription expired"
	msgSubscriptionNotActive = "Subscription not active"
	msgReceiptOwned          = "Receipt belongs to another account"
	msgStoreUnavailable      = "Store verification unavailable, please try again later"
	msgNotConfigured         = "Verification is not available for this platform"
	msgPersistenceFailed     = "Could not save subscription, please try again later"
)
