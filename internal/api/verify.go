package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/middleware"
	"receipt-api/internal/models"
	"receipt-api/internal/response"
	"receipt-api/internal/services"
	"receipt-api/pkg/logging"
)

// VerifyPurchase verifies a store receipt and grants the entitlement
// POST /api/iap/verify
func (h *Handler) VerifyPurchase(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.VerificationJSON(c, http.StatusUnauthorized, models.VerificationResult{Valid: false, Message: "Unauthorized"})
		return
	}

	var req models.VerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Infof("Invalid verify body from user %s: %v", identity.UserID, err)
		response.VerificationJSON(c, http.StatusBadRequest, models.VerificationResult{Valid: false, Message: "Invalid request body"})
		return
	}

	result, err := h.verification.HandleVerificationRequest(c.Request.Context(), identity, req)
	if err != nil {
		response.VerificationJSON(c, services.KindOf(err).HTTPStatus(), result)
		return
	}
	response.VerificationJSON(c, http.StatusOK, result)
}
