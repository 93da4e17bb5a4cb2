package models

import (
	"time"
)

// Entitlement status values
const (
	EntitlementStatusActive   = "active"
	EntitlementStatusExpired  = "expired"
	EntitlementStatusCanceled = "canceled"
)

// Entitlement is the single subscription state row kept per user.
// It is overwritten on every successful verification, never appended.
type Entitlement struct {
	BaseModel

	UserID   string `json:"user_id" gorm:"not null;size:64;uniqueIndex"`
	Platform string `json:"platform" gorm:"size:20"`

	ProductID string `json:"product_id" gorm:"not null;size:150"`
	Level     string `json:"level" gorm:"not null;size:20"`
	Duration  string `json:"duration" gorm:"not null;size:20"`

	Status    string    `json:"status" gorm:"not null;size:20;index"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`

	// Store side identifiers: the transaction id and, for Google Play, the
	// purchase token (used to route real-time notifications to the owner).
	TransactionID  string    `json:"transaction_id" gorm:"size:255"`
	StoreReference string    `json:"-" gorm:"size:512;index"`
	Environment    string    `json:"environment" gorm:"size:20"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// TableName 指定表名
func (Entitlement) TableName() string {
	return "entitlements"
}

// IsActive reports whether the entitlement grants access at now
func (e *Entitlement) IsActive(now time.Time) bool {
	return e.Status == EntitlementStatusActive && e.ExpiresAt.After(now)
}

// EffectiveStatus folds a lapsed expiry into the stored status
func (e *Entitlement) EffectiveStatus(now time.Time) string {
	if e.Status == EntitlementStatusActive && !e.ExpiresAt.After(now) {
		return EntitlementStatusExpired
	}
	return e.Status
}
