package services

import (
	"context"
	"time"

	"receipt-api/internal/models"
)

// StorePurchase is a purchase confirmed by the issuing store
type StorePurchase struct {
	Platform              models.Platform
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	// StoreReference is the handle the store uses for later lookups:
	// the purchase token on Google Play, the original transaction id on iOS.
	StoreReference string
	Environment    string
	PurchasedAt    time.Time
	ExpiresAt      time.Time
	Acknowledged   bool
}

// OwnershipKey identifies the purchase across renewals
func (p *StorePurchase) OwnershipKey() string {
	switch {
	case p.OriginalTransactionID != "":
		return p.OriginalTransactionID
	case p.StoreReference != "":
		return p.StoreReference
	default:
		return p.TransactionID
	}
}

// PurchaseVerifier is one platform's verification strategy
type PurchaseVerifier interface {
	Verify(ctx context.Context, receipt, productID string) (*StorePurchase, error)
}

// PurchaseAcknowledger confirms a verified purchase back to the store
type PurchaseAcknowledger interface {
	Acknowledge(ctx context.Context, purchase *StorePurchase) error
}
