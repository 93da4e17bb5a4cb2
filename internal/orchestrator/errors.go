package orchestrator

import "errors"

var (
	// ErrStoreUnavailable means the store connection or a store call failed
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrProductNotFound means the product is not in the loaded catalog
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrNotInitialized  = errors.New("orchestrator not initialized")
	ErrClosed          = errors.New("orchestrator closed")
	// ErrUnauthenticated means the verification service rejected the caller
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrVerificationUnavailable means no verdict could be obtained; the
	// transaction stays unfinished so the store redelivers it
	ErrVerificationUnavailable = errors.New("verification unavailable")
	// ErrAlreadyFinished is returned by stores for transactions finished earlier
	ErrAlreadyFinished = errors.New("transaction already finished")
)

// IsRetryable reports whether the operation may succeed if tried again later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrVerificationUnavailable)
}
