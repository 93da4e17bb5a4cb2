package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"receipt-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("record not found")

// EntitlementRepository persists entitlements and the verification audit trail
type EntitlementRepository struct {
	db *gorm.DB
}

// NewEntitlementRepository creates a repository over db
func NewEntitlementRepository(db *gorm.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// upsertColumns are overwritten when a user's row already exists
var upsertColumns = []string{
	"platform", "product_id", "level", "duration", "status", "expires_at",
	"transaction_id", "store_reference", "environment", "verified_at", "updated_at", "deleted_at",
}

// UpsertEntitlement writes the caller's single entitlement row.
// The write is one atomic INSERT ... ON CONFLICT (user_id) DO UPDATE, so
// concurrent verifications for the same user converge on the last writer.
func (r *EntitlementRepository) UpsertEntitlement(ctx context.Context, e *models.Entitlement) error {
	if e.UserID == "" {
		return fmt.Errorf("entitlement without user id")
	}
	if e.VerifiedAt.IsZero() {
		e.VerifiedAt = time.Now()
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(e).Error
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement returns the user's entitlement or ErrNotFound
func (r *EntitlementRepository) GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&entitlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entitlement, nil
}

// FindByStoreReference returns the entitlement bound to a store purchase token
func (r *EntitlementRepository) FindByStoreReference(ctx context.Context, platform models.Platform, reference string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.db.WithContext(ctx).
		Where("platform = ? AND store_reference = ?", string(platform), reference).
		First(&entitlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entitlement, nil
}

// MarkStatus changes only the status column of the user's entitlement, as
// long as it is still backed by storeReference. ErrNotFound means the row
// is gone or now belongs to another purchase.
func (r *EntitlementRepository) MarkStatus(ctx context.Context, userID, storeReference, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("user_id = ? AND store_reference = ?", userID, storeReference).
		Updates(map[string]interface{}{"status": status, "verified_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to update entitlement status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransaction appends an audit row
func (r *EntitlementRepository) RecordTransaction(ctx context.Context, t *models.Transaction) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the user's most recent audit rows, newest first
func (r *EntitlementRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var transactions []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}
