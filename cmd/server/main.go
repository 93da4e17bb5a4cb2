package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"receipt-api/internal/api"
	"receipt-api/internal/config"
	"receipt-api/internal/database"
	"receipt-api/internal/metrics"
	"receipt-api/internal/middleware"
	"receipt-api/internal/models"
	"receipt-api/internal/services"
	"receipt-api/pkg/logging"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging()
	logging.Infof("Configuration loaded: %s", cfg.Redacted())

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	repo := database.NewEntitlementRepository(database.GetDB())
	verification := services.NewReceiptVerificationService(services.ReceiptVerificationConfig{
		Verifiers: buildVerifiers(ctx, cfg),
		Store:     repo,
		Ownership: services.NewOwnershipGuard(database.GetRedis()),
		Notifiers: []services.Notifier{
			services.NewBrevoService(cfg),
			services.NewWebhookNotifier(cfg.EntitlementWebhookURL, cfg.EntitlementWebhookSecret),
		},
		Metrics:      collector,
		Namespace:    cfg.ProductNamespace,
		StoreTimeout: cfg.StoreTimeout,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	defer limiter.Stop()
	dedup := services.NewNotificationDeduplicator(24 * time.Hour)
	defer dedup.Stop()

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, api.Dependencies{
		Verification:   verification,
		Entitlements:   repo,
		TokenVerifier:  services.NewTokenVerifier(cfg),
		RateLimiter:    limiter,
		Deduplicator:   dedup,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
		PackageName:    cfg.AndroidPackageName,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.NewCORS(cfg.CORSAllowedOrigins).Handler(r),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.StoreTimeout*2 + 10*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Errorf("Server shutdown failed: %v", err)
		}
	}()

	// Start server
	logging.Infof("Starting server on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}

	verification.WaitForNotifications()
	logging.Infof("Server stopped")
}

// buildVerifiers returns one strategy per configured platform. A platform
// without credentials is left out; its requests fail as misconfigured.
func buildVerifiers(ctx context.Context, cfg *config.Config) map[models.Platform]services.PurchaseVerifier {
	verifiers := make(map[models.Platform]services.PurchaseVerifier)

	if cfg.AppleEnabled() {
		verifiers[models.PlatformIOS] = services.NewAppleReceiptVerifier(services.AppleVerifierConfig{
			SharedSecret:  cfg.AppleSharedSecret,
			ProductionURL: cfg.AppleProductionURL,
			SandboxURL:    cfg.AppleSandboxURL,
		})
	} else {
		logging.Warnf("APPLE_SHARED_SECRET not set, iOS verification disabled")
	}

	if cfg.GooglePlayEnabled() {
		v, err := services.NewGooglePlayVerifier(ctx, services.GooglePlayConfig{
			PackageName:         cfg.AndroidPackageName,
			ServiceAccountEmail: cfg.GoogleServiceAccountEmail,
			PrivateKey:          cfg.GooglePrivateKey,
			Endpoint:            cfg.GooglePlayEndpoint,
		})
		if err != nil {
			logging.Errorf("Google Play verification disabled: %v", err)
		} else {
			verifiers[models.PlatformAndroid] = v
		}
	} else {
		logging.Warnf("Google Play credentials not set, Android verification disabled")
	}

	return verifiers
}
