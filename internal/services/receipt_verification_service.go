package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"receipt-api/internal/database"
	"receipt-api/internal/metrics"
	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

const (
	defaultStoreTimeout = 15 * time.Second
	notifyTimeout       = 2 * time.Minute
)

// EntitlementStore persists entitlements and the verification audit trail
type EntitlementStore interface {
	UpsertEntitlement(ctx context.Context, e *models.Entitlement) error
	RecordTransaction(ctx context.Context, t *models.Transaction) error
	FindByStoreReference(ctx context.Context, platform models.Platform, reference string) (*models.Entitlement, error)
	MarkStatus(ctx context.Context, userID, storeReference, status string) error
}

// ReceiptVerificationConfig wires the collaborators of the service
type ReceiptVerificationConfig struct {
	Verifiers map[models.Platform]PurchaseVerifier
	Store     EntitlementStore
	Ownership OwnershipClaimer
	Notifiers []Notifier
	Metrics   metrics.Recorder
	// Namespace, when set, is the required prefix of every product id
	Namespace    string
	StoreTimeout time.Duration
}

// ReceiptVerificationService turns store receipts into entitlements
type ReceiptVerificationService struct {
	verifiers map[models.Platform]PurchaseVerifier
	store     EntitlementStore
	ownership OwnershipClaimer
	notifiers []Notifier
	metrics   metrics.Recorder
	namespace string
	timeout   time.Duration
	now       func() time.Time

	notifyWG sync.WaitGroup
}

// NewReceiptVerificationService creates a new receipt verification service
func NewReceiptVerificationService(cfg ReceiptVerificationConfig) *ReceiptVerificationService {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	var notifiers []Notifier
	for _, n := range cfg.Notifiers {
		if n != nil && !isNilNotifier(n) {
			notifiers = append(notifiers, n)
		}
	}
	return &ReceiptVerificationService{
		verifiers: cfg.Verifiers,
		store:     cfg.Store,
		ownership: cfg.Ownership,
		notifiers: notifiers,
		metrics:   cfg.Metrics,
		namespace: cfg.Namespace,
		timeout:   timeout,
		now:       time.Now,
	}
}

// HandleVerificationRequest verifies req for identity. On failure the
// returned result is still the body to send, and err carries the kind.
func (s *ReceiptVerificationService) HandleVerificationRequest(ctx context.Context, identity Identity, req models.VerificationRequest) (models.VerificationResult, error) {
	result, err := s.handle(ctx, identity, req)
	outcome := "valid"
	if err != nil {
		outcome = string(KindOf(err))
		result = failedResult(err)
		if KindOf(err).Retryable() {
			logging.Errorf("Verification failed - user: %s, platform: %s, product: %s, error: %v",
				identity.UserID, req.Platform, req.ProductID, err)
		} else {
			logging.Infof("Verification rejected - user: %s, platform: %s, product: %s, reason: %v",
				identity.UserID, req.Platform, req.ProductID, err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordVerification(platformLabel(req.Platform), outcome)
	}
	return result, err
}

func (s *ReceiptVerificationService) handle(ctx context.Context, identity Identity, req models.VerificationRequest) (models.VerificationResult, error) {
	if identity.UserID == "" {
		return models.VerificationResult{}, newVerificationError(KindUnauthenticated, msgUnauthenticated, errors.New("no caller identity"))
	}
	if req.Platform == "" || req.ProductID == "" || req.TransactionReceipt == "" || req.TransactionID == "" {
		return models.VerificationResult{}, newVerificationError(KindBadRequest, msgMissingFields, nil)
	}

	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return models.VerificationResult{}, newVerificationError(KindBadRequest, msgUnsupportedPlatform, err)
	}
	product, err := models.ParseProductID(req.ProductID, s.namespace)
	if err != nil {
		return models.VerificationResult{}, newVerificationError(KindBadRequest, msgInvalidProductID, err)
	}

	logging.Infof("Verifying %s receipt - user: %s, product: %s, receipt: %s, receipt_length: %d",
		platform, identity.UserID, product.ID, logging.Mask(req.TransactionReceipt), len(req.TransactionReceipt))

	purchase, err := s.verifyWithStore(ctx, platform, req.TransactionReceipt, product.ID)
	requestID := uuid.NewString()
	if err != nil {
		s.recordAudit(ctx, requestID, identity, platform, req, nil, err)
		return models.VerificationResult{}, err
	}
	if err := s.checkPurchase(purchase, product); err != nil {
		s.recordAudit(ctx, requestID, identity, platform, req, purchase, err)
		return models.VerificationResult{}, err
	}
	if s.ownership != nil {
		if err := s.ownership.Claim(ctx, platform, purchase.OwnershipKey(), identity.UserID); err != nil {
			s.recordAudit(ctx, requestID, identity, platform, req, purchase, err)
			return models.VerificationResult{}, err
		}
	}

	entitlement := s.entitlementFrom(identity.UserID, product, purchase)
	if err := s.store.UpsertEntitlement(ctx, entitlement); err != nil {
		err = newVerificationError(KindInternal, msgPersistenceFailed, err)
		s.recordAudit(ctx, requestID, identity, platform, req, purchase, err)
		return models.VerificationResult{}, err
	}

	s.acknowledge(ctx, platform, purchase)
	s.recordAudit(ctx, requestID, identity, platform, req, purchase, nil)
	s.notify(identity, entitlement)

	logging.Infof("Entitlement updated - user: %s, product: %s, expires: %s",
		identity.UserID, product.ID, models.FormatTimestamp(purchase.ExpiresAt))

	return models.VerificationResult{
		Valid:   true,
		Message: msgVerified,
		Subscription: &models.SubscriptionInfo{
			ProductID: product.ID,
			ExpiresAt: models.FormatTimestamp(purchase.ExpiresAt),
			Level:     string(product.Level),
			Duration:  string(product.Duration),
		},
	}, nil
}

// verifyWithStore dispatches to exactly one platform strategy
func (s *ReceiptVerificationService) verifyWithStore(ctx context.Context, platform models.Platform, receipt, productID string) (*StorePurchase, error) {
	verifier, ok := s.verifiers[platform]
	if !ok || verifier == nil {
		return nil, newVerificationError(KindMisconfigured, msgNotConfigured, fmt.Errorf("no verifier configured for %s", platform))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	purchase, err := verifier.Verify(ctx, receipt, productID)
	if s.metrics != nil {
		s.metrics.ObserveStoreLatency(string(platform), time.Since(start))
	}
	if err != nil {
		var verr *VerificationError
		if !errors.As(err, &verr) {
			err = newVerificationError(KindStoreUnavailable, msgStoreUnavailable, err)
		}
		return nil, err
	}
	return purchase, nil
}

// checkPurchase re-checks what the strategies already enforce, against
// this service's clock and product id.
func (s *ReceiptVerificationService) checkPurchase(purchase *StorePurchase, product models.ProductInfo) error {
	if purchase.ProductID != product.ID {
		return newVerificationError(KindProductNotInReceipt, msgProductNotInReceipt,
			fmt.Errorf("store returned product %q", purchase.ProductID))
	}
	if !purchase.ExpiresAt.After(s.now()) {
		return newVerificationError(KindSubscriptionExpired, msgSubscriptionExpired, nil)
	}
	return nil
}

func (s *ReceiptVerificationService) entitlementFrom(userID string, product models.ProductInfo, purchase *StorePurchase) *models.Entitlement {
	return &models.Entitlement{
		UserID:         userID,
		Platform:       string(purchase.Platform),
		ProductID:      product.ID,
		Level:          string(product.Level),
		Duration:       string(product.Duration),
		Status:         models.EntitlementStatusActive,
		ExpiresAt:      purchase.ExpiresAt.UTC(),
		TransactionID:  purchase.TransactionID,
		StoreReference: purchase.StoreReference,
		Environment:    purchase.Environment,
		VerifiedAt:     s.now().UTC(),
	}
}

// acknowledge confirms Google Play purchases; failures are logged only,
// unacknowledged purchases are retried on the next verification.
func (s *ReceiptVerificationService) acknowledge(ctx context.Context, platform models.Platform, purchase *StorePurchase) {
	ack, ok := s.verifiers[platform].(PurchaseAcknowledger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := ack.Acknowledge(ctx, purchase); err != nil {
		logging.Warnf("Failed to acknowledge %s purchase %s: %v", platform, purchase.TransactionID, err)
	}
}

func (s *ReceiptVerificationService) recordAudit(ctx context.Context, requestID string, identity Identity, platform models.Platform, req models.VerificationRequest, purchase *StorePurchase, verr error) {
	tx := &models.Transaction{
		RequestID:     requestID,
		UserID:        identity.UserID,
		Platform:      string(platform),
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		Valid:         verr == nil,
		Message:       msgVerified,
	}
	if verr != nil {
		tx.Message = MessageOf(verr)
	}
	if purchase != nil {
		tx.TransactionID = purchase.TransactionID
		tx.OriginalTransactionID = purchase.OriginalTransactionID
		tx.Environment = purchase.Environment
		expires, purchased := purchase.ExpiresAt.UTC(), purchase.PurchasedAt.UTC()
		tx.ExpiresAt = &expires
		if !purchase.PurchasedAt.IsZero() {
			tx.PurchasedAt = &purchased
		}
	}
	if err := s.store.RecordTransaction(ctx, tx); err != nil {
		logging.Warnf("Failed to record transaction audit %s: %v", requestID, err)
	}
}

// notify fans out to every notifier in the background
func (s *ReceiptVerificationService) notify(identity Identity, entitlement *models.Entitlement) {
	for _, n := range s.notifiers {
		s.notifyWG.Add(1)
		go func(n Notifier) {
			defer s.notifyWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.NotifyEntitlement(ctx, identity, entitlement); err != nil {
				logging.Warnf("Entitlement notification failed for user %s: %v", identity.UserID, err)
			}
		}(n)
	}
}

// WaitForNotifications blocks until in-flight notifications finish
func (s *ReceiptVerificationService) WaitForNotifications() {
	s.notifyWG.Wait()
}

// RefreshFromPlayNotification re-derives the entitlement bound to a Google
// Play purchase token. It returns nil, nil when no user owns the token yet.
// Transient store errors are returned so the notification is redelivered.
func (s *ReceiptVerificationService) RefreshFromPlayNotification(ctx context.Context, purchaseToken, productID string) (*models.Entitlement, error) {
	current, err := s.store.FindByStoreReference(ctx, models.PlatformAndroid, purchaseToken)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logging.Infof("No entitlement bound to notified purchase token %s, skipping", logging.Mask(purchaseToken))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up purchase token: %w", err)
	}

	product, err := models.ParseProductID(productID, s.namespace)
	if err != nil {
		return nil, newVerificationError(KindBadRequest, msgInvalidProductID, err)
	}

	purchase, err := s.verifyWithStore(ctx, models.PlatformAndroid, purchaseToken, product.ID)
	if err != nil {
		status := ""
		switch KindOf(err) {
		case KindSubscriptionExpired:
			status = models.EntitlementStatusExpired
		case KindSubscriptionNotActive, KindInvalidReceipt:
			status = models.EntitlementStatusCanceled
		default:
			return nil, err
		}
		if err := s.store.MarkStatus(ctx, current.UserID, purchaseToken, status); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				logging.Infof("Entitlement for user %s moved to another purchase, skipping", current.UserID)
				return nil, nil
			}
			return nil, fmt.Errorf("failed to mark entitlement %s: %w", status, err)
		}
		current.Status = status
		logging.Infof("Entitlement for user %s marked %s from store notification", current.UserID, status)
		s.notify(Identity{UserID: current.UserID}, current)
		return current, nil
	}

	entitlement := s.entitlementFrom(current.UserID, product, purchase)
	if err := s.store.UpsertEntitlement(ctx, entitlement); err != nil {
		return nil, fmt.Errorf("failed to update entitlement: %w", err)
	}
	s.acknowledge(ctx, models.PlatformAndroid, purchase)
	s.notify(Identity{UserID: current.UserID}, entitlement)
	return entitlement, nil
}

// platformLabel bounds the metric label to the known platforms
func platformLabel(value string) string {
	platform, err := models.ParsePlatform(value)
	if err != nil {
		return "unknown"
	}
	return string(platform)
}

func failedResult(err error) models.VerificationResult {
	return models.VerificationResult{
		Valid:     false,
		Message:   MessageOf(err),
		Retryable: KindOf(err).Retryable(),
	}
}

// isNilNotifier catches typed nil pointers of the optional notifiers
func isNilNotifier(n Notifier) bool {
	switch v := n.(type) {
	case *BrevoService:
		return v == nil
	case *WebhookNotifier:
		return v == nil
	}
	return false
}
