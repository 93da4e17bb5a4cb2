package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-api/internal/models"
)

const (
	premiumMonthly = "com.example.studytracker.premium.monthly"
	basicYearly    = "com.example.studytracker.basic.yearly"
)

type fakeStore struct {
	mu          sync.Mutex
	connectErr  error
	productsErr error
	purchaseErr error
	finishErr   error
	products    []StoreProduct
	pending     []PurchaseEvent
	available   []PurchaseEvent
	requests    []PurchaseRequest
	finished    []string
	connects    int
	disconnects int

	// connectHook and productsHook run inside the store call, unlocked
	connectHook  func()
	productsHook func()

	updates chan PurchaseEvent
	errs    chan StoreError
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: []StoreProduct{
			{ID: premiumMonthly, Title: "Premium", DisplayPrice: "$9.99"},
			{ID: basicYearly, DisplayPrice: "$19.99"},
			{ID: "legacy_coins_100"},
		},
		updates: make(chan PurchaseEvent, 8),
		errs:    make(chan StoreError, 8),
	}
}

func (s *fakeStore) Connect(ctx context.Context) error {
	if s.connectHook != nil {
		s.connectHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

func (s *fakeStore) Products(ctx context.Context, ids []string) ([]StoreProduct, error) {
	if s.productsHook != nil {
		s.productsHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products, s.productsErr
}

func (s *fakeStore) RequestPurchase(ctx context.Context, req PurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.purchaseErr
}

func (s *fakeStore) Updates() <-chan PurchaseEvent { return s.updates }
func (s *fakeStore) Errors() <-chan StoreError     { return s.errs }

func (s *fakeStore) FinishTransaction(ctx context.Context, ev PurchaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finished = append(s.finished, ev.TransactionID)
	return nil
}

func (s *fakeStore) PendingTransactions(ctx context.Context) ([]PurchaseEvent, error) {
	return s.pending, nil
}

func (s *fakeStore) AvailablePurchases(ctx context.Context) ([]PurchaseEvent, error) {
	return s.available, nil
}

func (s *fakeStore) finishedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

func (s *fakeStore) counts() (connects, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}

func (s *fakeStore) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeVerifier struct {
	mu     sync.Mutex
	delay  time.Duration
	result models.VerificationResult
	err    error
	calls  []models.VerificationRequest
}

func (v *fakeVerifier) Verify(ctx context.Context, req models.VerificationRequest) (models.VerificationResult, error) {
	v.mu.Lock()
	v.calls = append(v.calls, req)
	delay, result, err := v.delay, v.result, v.err
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.VerificationResult{}, ErrVerificationUnavailable
		}
	}
	return result, err
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func newTestOrchestrator(t *testing.T, store *fakeStore, verifier *fakeVerifier, platform models.Platform) *Orchestrator {
	t.Helper()
	o := New(Config{
		Store:      store,
		Verifier:   verifier,
		Platform:   platform,
		ProductIDs: []string{premiumMonthly, basicYearly},
		Namespace:  "com.example.studytracker",
	})
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func waitOutcome(t *testing.T, o *Orchestrator) Outcome {
	t.Helper()
	select {
	case out := <-o.Outcomes():
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
		return Outcome{}
	}
}

func TestInitialize_LoadsCatalog(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)

	require.NoError(t, o.Initialize(context.Background()))

	catalog := o.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, premiumMonthly, catalog[0].ID)
	assert.Equal(t, models.LevelPremium, catalog[0].Level)
	assert.Equal(t, "$9.99", catalog[0].Price)
	assert.Contains(t, catalog[0].Features, "AI tutor chat")
	assert.Equal(t, "basic (yearly)", catalog[1].Title)
}

func TestInitialize_ConnectFailure(t *testing.T) {
	store := newFakeStore()
	store.connectErr = errors.New("billing unavailable")
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)

	err := o.Initialize(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, IsRetryable(err))

	require.NoError(t, o.Close())
	assert.Equal(t, 0, store.disconnects)
}

func TestClose_AfterPartialInitialize(t *testing.T) {
	store := newFakeStore()
	store.productsErr = errors.New("timeout")
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)

	require.ErrorIs(t, o.Initialize(context.Background()), ErrStoreUnavailable)
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.Equal(t, 1, store.disconnects)

	_, open := <-o.Outcomes()
	assert.False(t, open)
}

func TestPurchasePackage_UnknownProduct(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformIOS)

	// before initialization the catalog is empty
	require.ErrorIs(t, o.PurchasePackage(context.Background(), premiumMonthly, 1), ErrProductNotFound)

	require.NoError(t, o.Initialize(context.Background()))
	require.ErrorIs(t, o.PurchasePackage(context.Background(), "com.example.studytracker.gold.monthly", 1), ErrProductNotFound)
	assert.Equal(t, 0, store.requestCount())
}

func TestPurchasePackage_InvalidQuantity(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformIOS)
	require.NoError(t, o.Initialize(context.Background()))

	require.ErrorIs(t, o.PurchasePackage(context.Background(), premiumMonthly, 0), ErrInvalidQuantity)
	assert.Equal(t, 0, store.requestCount())
	assert.Equal(t, StateIdle, o.RequestState(premiumMonthly))
}

func TestPurchasePackage_StoreRejects(t *testing.T) {
	store := newFakeStore()
	store.purchaseErr = errors.New("service disconnected")
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	err := o.PurchasePackage(context.Background(), premiumMonthly, 1)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, StateIdle, o.RequestState(premiumMonthly))
}

func TestPurchaseFlow_ValidVerdictFinishes(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{result: models.VerificationResult{Valid: true, Message: "Verified"}}
	o := newTestOrchestrator(t, store, verifier, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	require.NoError(t, o.PurchasePackage(context.Background(), premiumMonthly, 1))
	assert.Equal(t, StatePending, o.RequestState(premiumMonthly))
	require.Len(t, store.requests, 1)
	assert.NotEmpty(t, store.requests[0].AttemptID)

	store.updates <- PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.1", Receipt: "token-1"}
	out := waitOutcome(t, o)

	assert.Equal(t, StateFinalized, out.State)
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"GPA.1"}, store.finishedIDs())
	assert.Equal(t, StateFinalized, o.State("GPA.1"))
	assert.Equal(t, StateFinalized, o.RequestState(premiumMonthly))

	require.Equal(t, 1, verifier.callCount())
	assert.Equal(t, models.VerificationRequest{
		Platform:           "android",
		ProductID:          premiumMonthly,
		TransactionReceipt: "token-1",
		TransactionID:      "GPA.1",
	}, verifier.calls[0])
}

func TestPurchaseFlow_InvalidVerdictNeverFinishes(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{
		delay:  100 * time.Millisecond,
		result: models.VerificationResult{Valid: false, Message: "Receipt is invalid"},
	}
	o := newTestOrchestrator(t, store, verifier, models.PlatformIOS)
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.PurchasePackage(context.Background(), premiumMonthly, 1))

	store.updates <- PurchaseEvent{ProductID: premiumMonthly, TransactionID: "1000", Receipt: "receipt"}

	assert.Eventually(t, func() bool { return o.State("1000") == StateVerifying }, time.Second, 5*time.Millisecond)
	assert.Empty(t, store.finishedIDs())

	out := waitOutcome(t, o)
	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Result)
	assert.Equal(t, "Receipt is invalid", out.Result.Message)
	assert.Empty(t, store.finishedIDs())
	assert.Equal(t, StateFailed, o.RequestState(premiumMonthly))
}

func TestPurchaseFlow_VerifierUnavailableLeavesUnfinished(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{err: ErrVerificationUnavailable}
	o := newTestOrchestrator(t, store, verifier, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	store.updates <- PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.2", Receipt: "token"}
	out := waitOutcome(t, o)

	assert.Equal(t, StateError, out.State)
	assert.True(t, IsRetryable(out.Err))
	assert.Empty(t, store.finishedIDs())

	// the store redelivers; a later valid verdict finishes it
	verifier.mu.Lock()
	verifier.err = nil
	verifier.result = models.VerificationResult{Valid: true}
	verifier.mu.Unlock()

	store.updates <- PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.2", Receipt: "token"}
	out = waitOutcome(t, o)
	assert.Equal(t, StateFinalized, out.State)
	assert.Equal(t, []string{"GPA.2"}, store.finishedIDs())
}

func TestPurchaseFlow_DuplicateEventSkipped(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{result: models.VerificationResult{Valid: true}}
	o := newTestOrchestrator(t, store, verifier, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	ev := PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.3", Receipt: "token"}
	store.updates <- ev
	store.updates <- ev
	waitOutcome(t, o)
	second := waitOutcome(t, o)

	assert.Equal(t, StateFinalized, second.State)
	assert.Equal(t, 1, verifier.callCount())
	assert.Equal(t, []string{"GPA.3"}, store.finishedIDs())
}

func TestPurchaseFlow_AlreadyFinishedCountsAsFinalized(t *testing.T) {
	store := newFakeStore()
	store.finishErr = ErrAlreadyFinished
	o := newTestOrchestrator(t, store, &fakeVerifier{result: models.VerificationResult{Valid: true}}, models.PlatformIOS)
	require.NoError(t, o.Initialize(context.Background()))

	out := o.Reverify(context.Background(), PurchaseEvent{ProductID: premiumMonthly, TransactionID: "2000"})
	assert.Equal(t, StateFinalized, out.State)
	assert.NoError(t, out.Err)
}

func TestPurchaseFlow_FinishFailure(t *testing.T) {
	store := newFakeStore()
	store.finishErr = errors.New("billing disconnected")
	o := newTestOrchestrator(t, store, &fakeVerifier{result: models.VerificationResult{Valid: true}}, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	out := o.Reverify(context.Background(), PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.4"})
	assert.Equal(t, StateError, out.State)
	assert.ErrorIs(t, out.Err, ErrStoreUnavailable)
}

func TestStoreError_MarksRequest(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformIOS)
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.PurchasePackage(context.Background(), basicYearly, 1))

	store.errs <- StoreError{ProductID: basicYearly, Code: "E_USER_CANCELLED", Message: "user cancelled"}
	out := waitOutcome(t, o)

	assert.Equal(t, StateError, out.State)
	assert.EqualError(t, out.Err, "E_USER_CANCELLED: user cancelled")
	assert.Equal(t, StateError, o.RequestState(basicYearly))
}

func TestInitialize_DrainsPendingOnIOS(t *testing.T) {
	store := newFakeStore()
	store.pending = []PurchaseEvent{
		{ProductID: premiumMonthly, TransactionID: "3000", Receipt: "r1"},
		{ProductID: basicYearly, TransactionID: "3001", Receipt: "r2"},
	}
	verifier := &fakeVerifier{result: models.VerificationResult{Valid: true}}
	o := newTestOrchestrator(t, store, verifier, models.PlatformIOS)
	require.NoError(t, o.Initialize(context.Background()))

	waitOutcome(t, o)
	waitOutcome(t, o)
	assert.Equal(t, []string{"3000", "3001"}, store.finishedIDs())
}

func TestInitialize_IgnoresPendingOnAndroid(t *testing.T) {
	store := newFakeStore()
	store.pending = []PurchaseEvent{{ProductID: premiumMonthly, TransactionID: "GPA.9"}}
	verifier := &fakeVerifier{result: models.VerificationResult{Valid: true}}
	o := newTestOrchestrator(t, store, verifier, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Close())

	assert.Equal(t, 0, verifier.callCount())
	assert.Empty(t, store.finishedIDs())
}

func TestRestorePurchases(t *testing.T) {
	store := newFakeStore()
	store.available = []PurchaseEvent{{ProductID: premiumMonthly, TransactionID: "4000"}}
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformIOS)

	_, err := o.RestorePurchases(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, o.Initialize(context.Background()))
	purchases, err := o.RestorePurchases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.available, purchases)
}

func TestClose_DisconnectsAndStopsLoop(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)
	require.NoError(t, o.Initialize(context.Background()))

	require.NoError(t, o.Close())
	assert.Equal(t, 1, store.disconnects)

	_, err := o.RestorePurchases(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "verifying", StateVerifying.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateError.Terminal())
}

// blockingHook returns a hook that reports entry and then waits for release
func blockingHook() (hook func(), entered, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	return func() {
		close(entered)
		<-release
	}, entered, release
}

func TestClose_WhileConnecting(t *testing.T) {
	store := newFakeStore()
	hook, entered, release := blockingHook()
	store.connectHook = hook
	verifier := &fakeVerifier{result: models.VerificationResult{Valid: true}}
	o := newTestOrchestrator(t, store, verifier, models.PlatformAndroid)

	initErr := make(chan error, 1)
	go func() { initErr <- o.Initialize(context.Background()) }()
	<-entered

	require.NoError(t, o.Close())
	close(release)
	require.ErrorIs(t, <-initErr, ErrClosed)

	connects, disconnects := store.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)

	// no loop is running, so a late store event is never consumed
	store.updates <- PurchaseEvent{ProductID: premiumMonthly, TransactionID: "GPA.late", Receipt: "token"}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, verifier.callCount())
	assert.Empty(t, store.finishedIDs())
}

func TestClose_WhileLoadingProducts(t *testing.T) {
	store := newFakeStore()
	hook, entered, release := blockingHook()
	store.productsHook = hook
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformIOS)

	initErr := make(chan error, 1)
	go func() { initErr <- o.Initialize(context.Background()) }()
	<-entered

	require.NoError(t, o.Close())
	close(release)
	require.ErrorIs(t, <-initErr, ErrClosed)

	_, disconnects := store.counts()
	assert.Equal(t, 1, disconnects)
}

func TestInitialize_AfterClose(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)
	require.NoError(t, o.Close())

	require.ErrorIs(t, o.Initialize(context.Background()), ErrClosed)
	connects, _ := store.counts()
	assert.Equal(t, 0, connects)
}

func TestInitialize_RetryReusesConnection(t *testing.T) {
	store := newFakeStore()
	store.productsErr = errors.New("timeout")
	o := newTestOrchestrator(t, store, &fakeVerifier{}, models.PlatformAndroid)

	require.ErrorIs(t, o.Initialize(context.Background()), ErrStoreUnavailable)

	store.mu.Lock()
	store.productsErr = nil
	store.mu.Unlock()
	require.NoError(t, o.Initialize(context.Background()))

	connects, _ := store.counts()
	assert.Equal(t, 1, connects)
	assert.Len(t, o.Catalog(), 2)
}
