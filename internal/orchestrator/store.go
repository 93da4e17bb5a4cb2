package orchestrator

import (
	"context"
	"time"
)

// PurchaseEvent is one store notification about a transaction
type PurchaseEvent struct {
	ProductID     string
	TransactionID string
	// Receipt is the platform encoded payload: the base64 app receipt on
	// iOS, the purchase token on Android.
	Receipt     string
	PurchasedAt time.Time
}

// StoreProduct is a product as returned by the store catalog API
type StoreProduct struct {
	ID           string
	Title        string
	Description  string
	DisplayPrice string
}

// PurchaseRequest asks the store to start the purchase UI
type PurchaseRequest struct {
	AttemptID string
	ProductID string
	Quantity  int
}

// StoreError is reported by the store outside of any call, such as a
// purchase sheet dismissed by the user.
type StoreError struct {
	ProductID string
	Code      string
	Message   string
}

func (e StoreError) Error() string {
	return e.Code + ": " + e.Message
}

// Store is the boundary to the platform billing library
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Products(ctx context.Context, ids []string) ([]StoreProduct, error)
	RequestPurchase(ctx context.Context, req PurchaseRequest) error
	// Updates and Errors deliver asynchronous store notifications. They
	// may be closed by the store on disconnect.
	Updates() <-chan PurchaseEvent
	Errors() <-chan StoreError
	// FinishTransaction acknowledges ev so the store stops redelivering it.
	// It is irreversible. Stores return ErrAlreadyFinished on repeats.
	FinishTransaction(ctx context.Context, ev PurchaseEvent) error
	PendingTransactions(ctx context.Context) ([]PurchaseEvent, error)
	AvailablePurchases(ctx context.Context) ([]PurchaseEvent, error)
}
