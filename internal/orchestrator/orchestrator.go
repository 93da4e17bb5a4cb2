// Package orchestrator drives store purchases on the client: it loads the
// catalog, starts purchases, forwards every purchase event to the
// verification service and finishes a transaction only after a valid
// verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

const (
	defaultVerifyTimeout = 60 * time.Second
	defaultOutcomeBuffer = 32
)

// Config wires an Orchestrator
type Config struct {
	Store    Store
	Verifier Verifier
	Platform models.Platform
	// ProductIDs are the subscription products to load from the store
	ProductIDs    []string
	Namespace     string
	VerifyTimeout time.Duration
	OutcomeBuffer int
}

// Outcome reports where a transaction ended up after an event was handled
type Outcome struct {
	TransactionID string
	ProductID     string
	State         State
	Result        *models.VerificationResult
	Err           error
}

// Orchestrator owns the one store connection of the process
type Orchestrator struct {
	store         Store
	verifier      Verifier
	platform      models.Platform
	productIDs    []string
	namespace     string
	verifyTimeout time.Duration

	mu           sync.Mutex
	connected    bool
	closed       bool
	catalog      map[string]CatalogEntry
	catalogOrder []string
	requests     map[string]State
	transactions map[string]State
	finalized    map[string]bool

	// initMu serializes Initialize calls; mu is never held across store calls
	initMu sync.Mutex

	outcomes  chan Outcome
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Orchestrator. Nothing touches the store until Initialize.
func New(cfg Config) *Orchestrator {
	timeout := cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	buffer := cfg.OutcomeBuffer
	if buffer <= 0 {
		buffer = defaultOutcomeBuffer
	}
	return &Orchestrator{
		store:         cfg.Store,
		verifier:      cfg.Verifier,
		platform:      cfg.Platform,
		productIDs:    append([]string(nil), cfg.ProductIDs...),
		namespace:     cfg.Namespace,
		verifyTimeout: timeout,
		catalog:       make(map[string]CatalogEntry),
		requests:      make(map[string]State),
		transactions:  make(map[string]State),
		finalized:     make(map[string]bool),
		outcomes:      make(chan Outcome, buffer),
	}
}

// Initialize connects to the store, loads the catalog and starts the event
// loop. On iOS, transactions left unfinished by earlier sessions are run
// through verification before anything else.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()

	o.mu.Lock()
	closed, started, connected := o.closed, o.done != nil, o.connected
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if started {
		return nil
	}

	if !connected {
		if err := o.store.Connect(ctx); err != nil {
			return fmt.Errorf("%w: connect: %v", ErrStoreUnavailable, err)
		}
		o.mu.Lock()
		closed = o.closed
		o.connected = !closed
		o.mu.Unlock()
		if closed {
			return o.abandon()
		}
	}

	products, err := o.store.Products(ctx, o.productIDs)
	if err != nil {
		return fmt.Errorf("%w: load products: %v", ErrStoreUnavailable, err)
	}
	o.loadCatalog(products)

	var pending []PurchaseEvent
	if o.platform == models.PlatformIOS {
		pending, err = o.store.PendingTransactions(ctx)
		if err != nil {
			logging.Warnf("Failed to load pending transactions, they will be redelivered: %v", err)
			pending = nil
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if o.closed {
		// Close already disconnected the store
		o.mu.Unlock()
		cancel()
		return ErrClosed
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.loop(loopCtx, pending)

	logging.Infof("Store initialized - platform: %s, products: %d, pending: %d", o.platform, len(products), len(pending))
	return nil
}

// abandon disconnects a store that finished connecting after Close ran
func (o *Orchestrator) abandon() error {
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := o.store.Disconnect(ctx); err != nil {
		logging.Warnf("Failed to disconnect store after close: %v", err)
	}
	return ErrClosed
}

func (o *Orchestrator) loadCatalog(products []StoreProduct) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range products {
		entry, err := newCatalogEntry(p, o.namespace)
		if err != nil {
			logging.Warnf("Skipping store product %s: %v", p.ID, err)
			continue
		}
		if _, exists := o.catalog[entry.ID]; !exists {
			o.catalogOrder = append(o.catalogOrder, entry.ID)
		}
		o.catalog[entry.ID] = entry
	}
}

// Catalog returns the loaded products in store order
func (o *Orchestrator) Catalog() []CatalogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]CatalogEntry, 0, len(o.catalogOrder))
	for _, id := range o.catalogOrder {
		out = append(out, o.catalog[id])
	}
	return out
}

// PurchasePackage asks the store to start a purchase of productID. It
// returns once the store accepted the request; the purchase itself
// arrives later as an event.
func (o *Orchestrator) PurchasePackage(ctx context.Context, productID string, quantity int) error {
	o.mu.Lock()
	_, ok := o.catalog[productID]
	if ok && quantity >= 1 {
		o.requests[productID] = StateRequested
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	req := PurchaseRequest{AttemptID: uuid.NewString(), ProductID: productID, Quantity: quantity}
	if err := o.store.RequestPurchase(ctx, req); err != nil {
		o.setRequestState(productID, StateIdle)
		return fmt.Errorf("%w: request purchase: %v", ErrStoreUnavailable, err)
	}
	o.advanceRequest(productID, StateRequested, StatePending)

	logging.Infof("Purchase requested - product: %s, attempt: %s", productID, req.AttemptID)
	return nil
}

// RestorePurchases lists the purchases of the current store account. They
// are returned as-is; Reverify runs one of them through verification.
func (o *Orchestrator) RestorePurchases(ctx context.Context) ([]PurchaseEvent, error) {
	o.mu.Lock()
	connected := o.connected
	o.mu.Unlock()
	if !connected {
		return nil, ErrNotInitialized
	}

	purchases, err := o.store.AvailablePurchases(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: available purchases: %v", ErrStoreUnavailable, err)
	}
	return purchases, nil
}

// Reverify runs ev through the same verify-then-finish path as store events
func (o *Orchestrator) Reverify(ctx context.Context, ev PurchaseEvent) Outcome {
	return o.handleEvent(ctx, ev)
}

// State returns the state of a transaction, StateIdle when unseen
func (o *Orchestrator) State(transactionID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transactions[transactionID]
}

// RequestState returns the state of the latest purchase request of productID
func (o *Orchestrator) RequestState(productID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[productID]
}

// Outcomes delivers one Outcome per handled event. Outcomes are dropped
// when nobody reads; State always has the latest value. The channel is
// closed by Close.
func (o *Orchestrator) Outcomes() <-chan Outcome {
	return o.outcomes
}

// Close stops the event loop and disconnects from the store. It is safe to
// call after a failed or missing Initialize, while Initialize is still
// running, and more than once. Initialize fails with ErrClosed afterwards.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		cancel, done, connected := o.cancel, o.done, o.connected
		o.connected = false
		o.closed = true
		o.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		if connected {
			ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if derr := o.store.Disconnect(ctx); derr != nil {
				err = fmt.Errorf("disconnect: %w", derr)
			}
		}
		close(o.outcomes)
	})
	return err
}

// loop consumes store notifications until ctx is canceled or both
// channels are closed.
func (o *Orchestrator) loop(ctx context.Context, pending []PurchaseEvent) {
	defer close(o.done)

	for _, ev := range pending {
		if ctx.Err() != nil {
			return
		}
		o.emit(o.handleEvent(ctx, ev))
	}

	updates, storeErrors := o.store.Updates(), o.store.Errors()
	for updates != nil || storeErrors != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			o.emit(o.handleEvent(ctx, ev))
		case serr, ok := <-storeErrors:
			if !ok {
				storeErrors = nil
				continue
			}
			o.emit(o.handleStoreError(serr))
		}
	}
}

// handleEvent verifies ev and finishes it only on a valid verdict. It uses
// nothing but the event itself, so events without a matching request
// (redeliveries after a restart) are handled the same way.
func (o *Orchestrator) handleEvent(ctx context.Context, ev PurchaseEvent) Outcome {
	out := Outcome{TransactionID: ev.TransactionID, ProductID: ev.ProductID}

	o.mu.Lock()
	if o.finalized[ev.TransactionID] {
		o.mu.Unlock()
		logging.Infof("Transaction %s already finalized, skipping", ev.TransactionID)
		out.State = StateFinalized
		return out
	}
	o.transactions[ev.TransactionID] = StateReceived
	if o.requests[ev.ProductID] == StatePending || o.requests[ev.ProductID] == StateRequested {
		o.requests[ev.ProductID] = StateReceived
	}
	o.transactions[ev.TransactionID] = StateVerifying
	o.mu.Unlock()

	verifyCtx, cancel := context.WithTimeout(ctx, o.verifyTimeout)
	result, err := o.verifier.Verify(verifyCtx, models.VerificationRequest{
		Platform:           string(o.platform),
		ProductID:          ev.ProductID,
		TransactionReceipt: ev.Receipt,
		TransactionID:      ev.TransactionID,
	})
	cancel()

	switch {
	case err != nil:
		logging.Warnf("Verification of %s not completed, leaving it unfinished: %v", ev.TransactionID, err)
		out.State, out.Err = StateError, err
	case !result.Valid:
		logging.Warnf("Transaction %s rejected: %s", ev.TransactionID, result.Message)
		out.State, out.Result = StateFailed, &result
	default:
		out.Result = &result
		out.State, out.Err = o.finish(ctx, ev)
	}

	o.mu.Lock()
	o.transactions[ev.TransactionID] = out.State
	if out.State == StateFinalized {
		o.finalized[ev.TransactionID] = true
	}
	if o.requests[ev.ProductID] == StateReceived {
		o.requests[ev.ProductID] = out.State
	}
	o.mu.Unlock()
	return out
}

// finish acknowledges a verified transaction. A store that already
// finished it counts as success.
func (o *Orchestrator) finish(ctx context.Context, ev PurchaseEvent) (State, error) {
	if err := o.store.FinishTransaction(ctx, ev); err != nil && !errors.Is(err, ErrAlreadyFinished) {
		logging.Errorf("Failed to finish verified transaction %s, store will redeliver: %v", ev.TransactionID, err)
		return StateError, fmt.Errorf("%w: finish transaction: %v", ErrStoreUnavailable, err)
	}
	logging.Infof("Transaction %s finalized - product: %s", ev.TransactionID, ev.ProductID)
	return StateFinalized, nil
}

func (o *Orchestrator) handleStoreError(serr StoreError) Outcome {
	logging.Warnf("Store reported error for %s: %v", serr.ProductID, serr)
	o.mu.Lock()
	if s := o.requests[serr.ProductID]; s == StateRequested || s == StatePending {
		o.requests[serr.ProductID] = StateError
	}
	o.mu.Unlock()
	return Outcome{ProductID: serr.ProductID, State: StateError, Err: serr}
}

func (o *Orchestrator) emit(out Outcome) {
	select {
	case o.outcomes <- out:
	default:
		logging.Warnf("Outcome for %s dropped, nobody is reading", out.TransactionID)
	}
}

func (o *Orchestrator) setRequestState(productID string, s State) {
	o.mu.Lock()
	o.requests[productID] = s
	o.mu.Unlock()
}

// advanceRequest moves productID to next only if it is still in from; an
// event may already have moved it further.
func (o *Orchestrator) advanceRequest(productID string, from, next State) {
	o.mu.Lock()
	if o.requests[productID] == from {
		o.requests[productID] = next
	}
	o.mu.Unlock()
}
