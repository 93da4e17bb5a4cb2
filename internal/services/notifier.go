package services

import (
	"context"

	"receipt-api/internal/models"
)

// Notifier is told about every entitlement change. Failures never
// affect the verification result.
type Notifier interface {
	NotifyEntitlement(ctx context.Context, identity Identity, entitlement *models.Entitlement) error
}
