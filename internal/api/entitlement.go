package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/database"
	"receipt-api/internal/middleware"
	"receipt-api/internal/models"
	"receipt-api/internal/response"
	"receipt-api/pkg/logging"
)

// EntitlementView is the caller's current subscription
type EntitlementView struct {
	Active     bool   `json:"active"`
	Status     string `json:"status"`
	Platform   string `json:"platform,omitempty"`
	ProductID  string `json:"productId,omitempty"`
	Level      string `json:"level,omitempty"`
	Duration   string `json:"duration,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
	VerifiedAt string `json:"verifiedAt,omitempty"`
}

// TransactionView is one verification attempt of the caller
type TransactionView struct {
	RequestID     string `json:"requestId"`
	Platform      string `json:"platform"`
	ProductID     string `json:"productId"`
	TransactionID string `json:"transactionId"`
	Environment   string `json:"environment,omitempty"`
	Valid         bool   `json:"valid"`
	Message       string `json:"message"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// GetEntitlement returns the caller's entitlement
// GET /api/iap/entitlement
func (h *Handler) GetEntitlement(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	e, err := h.entitlements.GetEntitlement(c.Request.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.SuccessJSON(c, EntitlementView{Active: false, Status: "inactive"})
			return
		}
		logging.Errorf("Failed to load entitlement for user %s: %v", identity.UserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load subscription")
		return
	}

	now := h.now()
	response.SuccessJSON(c, EntitlementView{
		Active:     e.IsActive(now),
		Status:     e.EffectiveStatus(now),
		Platform:   e.Platform,
		ProductID:  e.ProductID,
		Level:      e.Level,
		Duration:   e.Duration,
		ExpiresAt:  models.FormatTimestamp(e.ExpiresAt),
		VerifiedAt: models.FormatTimestamp(e.VerifiedAt),
	})
}

// ListTransactions returns the caller's recent verification attempts
// GET /api/iap/transactions?limit=20
func (h *Handler) ListTransactions(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.ErrorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := h.entitlements.ListTransactions(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		logging.Errorf("Failed to list transactions for user %s: %v", identity.UserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load transactions")
		return
	}

	items := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		item := TransactionView{
			RequestID:     tx.RequestID,
			Platform:      tx.Platform,
			ProductID:     tx.ProductID,
			TransactionID: tx.TransactionID,
			Environment:   tx.Environment,
			Valid:         tx.Valid,
			Message:       tx.Message,
			CreatedAt:     models.FormatTimestamp(tx.CreatedAt),
		}
		if tx.ExpiresAt != nil {
			item.ExpiresAt = models.FormatTimestamp(*tx.ExpiresAt)
		}
		items = append(items, item)
	}
	response.SuccessJSON(c, items)
}
