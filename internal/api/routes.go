package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/metrics"
	"receipt-api/internal/middleware"
	"receipt-api/internal/models"
	"receipt-api/internal/services"
)

// VerificationService is the part of the services layer the handlers call
type VerificationService interface {
	HandleVerificationRequest(ctx context.Context, identity services.Identity, req models.VerificationRequest) (models.VerificationResult, error)
	RefreshFromPlayNotification(ctx context.Context, purchaseToken, productID string) (*models.Entitlement, error)
}

// EntitlementReader reads the caller's stored state
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}

// Dependencies wires the HTTP surface
type Dependencies struct {
	Verification   VerificationService
	Entitlements   EntitlementReader
	TokenVerifier  services.TokenVerifier
	RateLimiter    *middleware.RateLimiter
	Deduplicator   *services.NotificationDeduplicator
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	// PackageName filters Play notifications meant for other apps
	PackageName string
}

// Handler serves the receipt API
type Handler struct {
	verification VerificationService
	entitlements EntitlementReader
	dedup        *services.NotificationDeduplicator
	metrics      metrics.Recorder
	packageName  string
	now          func() time.Time
}

// NewHandler creates the handler set for deps
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		verification: deps.Verification,
		entitlements: deps.Entitlements,
		dedup:        deps.Deduplicator,
		metrics:      deps.Metrics,
		packageName:  deps.PackageName,
		now:          time.Now,
	}
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, deps Dependencies) {
	h := NewHandler(deps)
	auth := middleware.BearerAuthMiddleware(deps.TokenVerifier)

	api := r.Group("/api")
	{
		// Client routes (require a signed-in user)
		iap := api.Group("/iap")
		iap.Use(auth)
		{
			verify := []gin.HandlerFunc{}
			if deps.RateLimiter != nil {
				verify = append(verify, deps.RateLimiter.Middleware())
			}
			verify = append(verify, h.VerifyPurchase)
			iap.POST("/verify", verify...)
			iap.GET("/entitlement", h.GetEntitlement)
			iap.GET("/transactions", h.ListTransactions)
		}

		// Google Play notification routes (no user, Pub/Sub pushes these)
		api.POST("/iap/google/notifications", h.GooglePlayNotification)
	}

	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "receipt-api",
		})
	})
}
