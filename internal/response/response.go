package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/models"
)

// Response is the envelope of the read endpoints
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// MessageJSON sends a success response carrying only a message
func MessageJSON(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message})
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{Success: false, Message: message})
}

// VerificationJSON sends a verify-contract body. The verify endpoint
// answers without the envelope, so clients read valid/message directly.
func VerificationJSON(c *gin.Context, statusCode int, result models.VerificationResult) {
	c.JSON(statusCode, result)
}

// AbortVerification is VerificationJSON for middleware
func AbortVerification(c *gin.Context, statusCode int, result models.VerificationResult) {
	c.AbortWithStatusJSON(statusCode, result)
}
