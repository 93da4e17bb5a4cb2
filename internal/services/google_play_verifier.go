package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

// Derived Google Play purchase states
const (
	PlayPurchaseStatePurchased int64 = 0
	PlayPurchaseStateCanceled  int64 = 1
	PlayPurchaseStatePending   int64 = 2
)

// GooglePlayConfig configures access to the Play Developer API
type GooglePlayConfig struct {
	PackageName         string
	ServiceAccountEmail string
	PrivateKey          string
	// Endpoint overrides the API base URL; HTTPClient replaces the
	// service-account transport. Both exist for tests.
	Endpoint   string
	HTTPClient *http.Client
}

// GooglePlayVerifier verifies subscription purchase tokens
type GooglePlayVerifier struct {
	packageName string
	svc         *androidpublisher.Service
	now         func() time.Time
}

// NewGooglePlayVerifier creates a verifier authenticated as the service account
func NewGooglePlayVerifier(ctx context.Context, cfg GooglePlayConfig) (*GooglePlayVerifier, error) {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	if cfg.PackageName == "" {
		return nil, errors.New("ANDROID_PACKAGE_NAME is empty")
	}

	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		if cfg.ServiceAccountEmail == "" || cfg.PrivateKey == "" {
			return nil, errors.New("google service account credentials are empty")
		}
		opts = append(opts, option.WithTokenSource(serviceAccountTokenSource(ctx, cfg)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}
	return &GooglePlayVerifier{packageName: cfg.PackageName, svc: svc, now: time.Now}, nil
}

// serviceAccountTokenSource exchanges a signed JWT assertion for access
// tokens scoped to the publisher API. Tokens are cached until expiry.
func serviceAccountTokenSource(ctx context.Context, cfg GooglePlayConfig) oauth2.TokenSource {
	conf := &jwt.Config{
		Email:      cfg.ServiceAccountEmail,
		PrivateKey: []byte(cfg.PrivateKey),
		Scopes:     []string{androidpublisher.AndroidpublisherScope},
		TokenURL:   google.JWTTokenURL,
	}
	return conf.TokenSource(ctx)
}

// Verify looks up purchaseToken as a subscription of productID
func (v *GooglePlayVerifier) Verify(ctx context.Context, purchaseToken, productID string) (*StorePurchase, error) {
	purchaseToken = strings.TrimSpace(purchaseToken)
	resp, err := v.svc.Purchases.Subscriptions.Get(v.packageName, productID, purchaseToken).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyPlayError(fmt.Errorf("google subscriptions.get: %w", err))
	}

	if state := derivePurchaseState(resp, v.now()); state != PlayPurchaseStatePurchased {
		return nil, newVerificationError(KindSubscriptionNotActive, msgSubscriptionNotActive,
			fmt.Errorf("purchase state %d", state))
	}

	expiresAt := time.UnixMilli(resp.ExpiryTimeMillis)
	if resp.ExpiryTimeMillis <= 0 || !expiresAt.After(v.now()) {
		return nil, newVerificationError(KindSubscriptionExpired, msgSubscriptionExpired,
			fmt.Errorf("expired at %s", expiresAt.UTC().Format(time.RFC3339)))
	}

	environment := "Production"
	if resp.PurchaseType != nil && *resp.PurchaseType == 0 {
		environment = "Sandbox"
	}
	return &StorePurchase{
		Platform:              models.PlatformAndroid,
		ProductID:             productID,
		TransactionID:         resp.OrderId,
		OriginalTransactionID: originalOrderID(resp.OrderId),
		StoreReference:        purchaseToken,
		Environment:           environment,
		PurchasedAt:           time.UnixMilli(resp.StartTimeMillis),
		ExpiresAt:             expiresAt,
		Acknowledged:          resp.AcknowledgementState == 1,
	}, nil
}

// Acknowledge confirms the subscription to Google so it is not refunded.
// Already acknowledged purchases are skipped.
func (v *GooglePlayVerifier) Acknowledge(ctx context.Context, purchase *StorePurchase) error {
	if purchase.Acknowledged {
		return nil
	}
	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	if err := v.svc.Purchases.Subscriptions.Acknowledge(v.packageName, purchase.ProductID, purchase.StoreReference, req).
		Context(ctx).
		Do(); err != nil {
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	logging.Infof("Acknowledged Google Play subscription %s", purchase.ProductID)
	return nil
}

// derivePurchaseState maps the subscription resource onto the
// purchased / canceled / pending states of the purchase token. Google
// omits paymentState once a subscription lapsed, so a missing value with a
// past expiry keeps the historical purchased state and fails as expired.
func derivePurchaseState(resp *androidpublisher.SubscriptionPurchase, now time.Time) int64 {
	if resp.CancelReason > 0 || resp.UserCancellationTimeMillis > 0 {
		return PlayPurchaseStateCanceled
	}
	// PaymentState: 0 pending, 1 received, 2 free trial, 3 deferred
	if resp.PaymentState == nil {
		if resp.ExpiryTimeMillis > 0 && !time.UnixMilli(resp.ExpiryTimeMillis).After(now) {
			return PlayPurchaseStatePurchased
		}
		return PlayPurchaseStatePending
	}
	if *resp.PaymentState == 0 {
		return PlayPurchaseStatePending
	}
	return PlayPurchaseStatePurchased
}

// originalOrderID strips the "..N" renewal suffix Google appends to order ids
func originalOrderID(orderID string) string {
	if i := strings.Index(orderID, ".."); i > 0 {
		return orderID[:i]
	}
	return orderID
}

func classifyPlayError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return newVerificationError(KindInvalidReceipt, msgInvalidReceipt, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return newVerificationError(KindMisconfigured, msgStoreUnavailable, err)
		}
	}
	return newVerificationError(KindStoreUnavailable, msgStoreUnavailable, err)
}
