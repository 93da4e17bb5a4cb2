package models

import (
	"time"
)

// Transaction is the append-only audit record of one verification attempt.
// Writing it is best-effort and never decides the verification outcome.
type Transaction struct {
	BaseModel

	RequestID string `json:"request_id" gorm:"size:36;index"`
	UserID    string `json:"user_id" gorm:"not null;size:64;index"`
	Platform  string `json:"platform" gorm:"size:20"`

	ProductID             string `json:"product_id" gorm:"size:150"`
	TransactionID         string `json:"transaction_id" gorm:"size:255;index"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty" gorm:"size:255"`
	Environment           string `json:"environment,omitempty" gorm:"size:20"`

	Valid     bool       `json:"valid"`
	Message   string     `json:"message" gorm:"size:255"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// PurchasedAt is the store's purchase timestamp when known
	PurchasedAt *time.Time `json:"purchased_at,omitempty"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
