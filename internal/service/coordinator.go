package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"iap-coordinator/internal/backend"
	"iap-coordinator/internal/catalog"
	"iap-coordinator/internal/eventbus"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"
	"iap-coordinator/internal/skumap"
	"iap-coordinator/internal/util"

	"go.uber.org/zap"
)

// State is the coordinator lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateQuerying
	StatePurchasing
	StateConsuming
	StateRestoring
	StateDisposed
)

var stateNames = [...]string{
	StateUninitialized: "UNINITIALIZED",
	StateInitializing:  "INITIALIZING",
	StateReady:         "READY",
	StateQuerying:      "QUERYING",
	StatePurchasing:    "PURCHASING",
	StateConsuming:     "CONSUMING",
	StateRestoring:     "RESTORING",
	StateDisposed:      "DISPOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// PayloadVerifier checks the developer payload carried by a purchase of sku
type PayloadVerifier interface {
	Verify(ctx context.Context, sku, payload string) (bool, error)
}

// PayloadReleaser is implemented by verifiers that can forget the payload
// of a consumed purchase
type PayloadReleaser interface {
	Release(ctx context.Context, sku, payload string) error
}

const subscriberName = "coordinator"

// pendingOp is the single-flight guard
type pendingOp struct {
	kind       models.OperationKind
	sku        string          // application SKU of a purchase or consume
	skus       []string        // application SKUs of a query
	purchase   models.Purchase // store-side purchase being consumed
	auto       bool            // consume that follows a consumable purchase
	completing bool            // terminal received, finishing outside the lock
	started    time.Time
}

// reconcileOp is a consume issued by reconciliation. It never holds the guard.
type reconcileOp struct {
	sku      string
	purchase models.Purchase
}

type effect func()

// Coordinator drives one billing session against a StoreBackend and turns
// backend events into application outcomes on its own event bus.
type Coordinator struct {
	bus      *eventbus.Bus
	verifier PayloadVerifier
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	backend     backend.StoreBackend
	catalog     *catalog.Catalog
	skus        *skumap.SkuMap
	opts        options.StoreOptions
	storeName   string
	pending     *pendingOp
	announced   bool
	purchases   map[string]models.Purchase // keyed by application SKU
	details     map[string]models.SkuDetails
	restored    []models.Purchase
	reconciling []reconcileOp
}

// NewCoordinator creates an unstarted coordinator. A nil verifier accepts
// every developer payload.
func NewCoordinator(verifier PayloadVerifier) *Coordinator {
	logger := util.GetLogger()
	return &Coordinator{
		bus:       eventbus.New(logger),
		verifier:  verifier,
		logger:    logger,
		purchases: make(map[string]models.Purchase),
		details:   make(map[string]models.SkuDetails),
	}
}

// Bus returns the bus carrying backend events and outcomes
func (c *Coordinator) Bus() *eventbus.Bus {
	return c.bus
}

// Start validates the configuration, binds to b and initializes it.
// Configuration errors are returned before anything reaches the backend.
func (c *Coordinator) Start(ctx context.Context, b backend.StoreBackend, cat *catalog.Catalog,
	mappings []skumap.Mapping, builder *options.Builder) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.Start")
	defer span.End()

	if c.State() == StateDisposed {
		return models.ErrCoordinatorDisposed
	}
	if b == nil || cat == nil {
		return fmt.Errorf("%w: backend and catalog are required", models.ErrConfiguration)
	}
	skus, err := skumap.FromMappings(mappings)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if !cat.Contains(m.Sku) {
			return fmt.Errorf("%w: mapping for %s which is not in the catalog", models.ErrConfiguration, m.Sku)
		}
	}
	if builder == nil {
		builder = options.NewBuilder()
	}
	opts, err := builder.Build()
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateDisposed:
		c.mu.Unlock()
		return models.ErrCoordinatorDisposed
	case StateUninitialized:
	default:
		c.mu.Unlock()
		return models.ErrAlreadyStarted
	}
	c.backend = b
	c.catalog = cat
	c.skus = skus
	c.opts = opts
	c.storeName = ""
	c.state = StateInitializing
	c.pending = &pendingOp{kind: models.OperationInit, started: time.Now()}
	c.mu.Unlock()

	for _, kind := range models.BackendEventKinds {
		c.bus.Subscribe(kind, subscriberName, c.handle)
	}

	c.logger.Info("Starting billing",
		zap.String("backend", b.Name()),
		zap.Int("products", cat.Len()),
		zap.Int("mappings", skus.Len()),
		zap.String("verify_mode", opts.VerifyMode().String()))

	if err := b.Init(ctx, opts, c.bus); err != nil {
		c.mu.Lock()
		if c.state == StateInitializing {
			c.state = StateUninitialized
			c.pending = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to init store backend %s: %w", b.Name(), err)
	}
	return nil
}

// PurchaseProduct asks the store to buy sku
func (c *Coordinator) PurchaseProduct(ctx context.Context, sku, developerPayload string) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.PurchaseProduct")
	defer span.End()
	return c.purchase(ctx, models.OperationPurchaseProduct, sku, developerPayload)
}

// PurchaseSubscription asks the store to subscribe to sku
func (c *Coordinator) PurchaseSubscription(ctx context.Context, sku, developerPayload string) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.PurchaseSubscription")
	defer span.End()
	return c.purchase(ctx, models.OperationPurchaseSubscription, sku, developerPayload)
}

func (c *Coordinator) purchase(ctx context.Context, kind models.OperationKind, sku, developerPayload string) error {
	c.mu.Lock()
	if err := c.admitLocked(kind, sku); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.catalog.Contains(sku) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrUnknownSku, sku)
	}
	storeSku := c.storeSkuLocked(sku)
	b := c.backend
	c.state = StatePurchasing
	c.pending = &pendingOp{kind: kind, sku: sku, started: time.Now()}
	c.mu.Unlock()

	util.PurchasesStartedTotal.WithLabelValues(string(kind)).Inc()
	c.logger.Info("Purchase requested",
		zap.String("kind", string(kind)),
		zap.String("sku", sku),
		zap.String("store_sku", storeSku))

	var err error
	if kind == models.OperationPurchaseSubscription {
		err = b.PurchaseSubscription(ctx, storeSku, developerPayload)
	} else {
		err = b.PurchaseProduct(ctx, storeSku, developerPayload)
	}
	if err != nil {
		c.abort(kind)
		return fmt.Errorf("failed to issue purchase of %s: %w", sku, err)
	}
	return nil
}

// ConsumeProduct consumes the owned purchase of sku
func (c *Coordinator) ConsumeProduct(ctx context.Context, sku string) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.ConsumeProduct")
	defer span.End()

	c.mu.Lock()
	if err := c.admitLocked(models.OperationConsume, sku); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.catalog.Contains(sku) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrUnknownSku, sku)
	}
	p, ok := c.purchases[sku]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNotOwned, sku)
	}
	sp := c.toStoreLocked(p)
	b := c.backend
	c.state = StateConsuming
	c.pending = &pendingOp{kind: models.OperationConsume, sku: sku, purchase: sp, started: time.Now()}
	c.mu.Unlock()

	c.logger.Info("Consume requested", zap.String("sku", sku), zap.String("token", sp.TransactionToken))

	if err := b.ConsumeProduct(ctx, sp); err != nil {
		c.abort(models.OperationConsume)
		return fmt.Errorf("failed to issue consume of %s: %w", sku, err)
	}
	return nil
}

// RestoreTransactions replays every owned purchase through reconciliation
func (c *Coordinator) RestoreTransactions(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.RestoreTransactions")
	defer span.End()

	c.mu.Lock()
	if err := c.admitLocked(models.OperationRestore, ""); err != nil {
		c.mu.Unlock()
		return err
	}
	b := c.backend
	c.state = StateRestoring
	c.restored = nil
	c.pending = &pendingOp{kind: models.OperationRestore, started: time.Now()}
	c.mu.Unlock()

	c.logger.Info("Restore requested")

	if err := b.RestoreTransactions(ctx); err != nil {
		c.abort(models.OperationRestore)
		return fmt.Errorf("failed to issue restore: %w", err)
	}
	return nil
}

// QueryInventory refreshes ownership of skus, or of the whole catalog when
// skus is empty
func (c *Coordinator) QueryInventory(ctx context.Context, skus []string) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.QueryInventory")
	defer span.End()

	c.mu.Lock()
	if err := c.admitLocked(models.OperationQueryInventory, ""); err != nil {
		c.mu.Unlock()
		return err
	}
	if len(skus) == 0 {
		skus = c.catalog.Skus()
	}
	seen := make(map[string]bool, len(skus))
	query := make([]string, 0, len(skus))
	for _, sku := range skus {
		if !c.catalog.Contains(sku) {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", models.ErrUnknownSku, sku)
		}
		if !seen[sku] {
			seen[sku] = true
			query = append(query, sku)
		}
	}
	storeSkus := c.storeSkusLocked(query)
	b := c.backend
	c.state = StateQuerying
	c.pending = &pendingOp{kind: models.OperationQueryInventory, skus: query, started: time.Now()}
	c.mu.Unlock()

	if err := b.QueryInventory(ctx, storeSkus); err != nil {
		c.abort(models.OperationQueryInventory)
		return fmt.Errorf("failed to issue inventory query: %w", err)
	}
	return nil
}

// Dispose releases the backend and the bus. Every later call fails with
// models.ErrCoordinatorDisposed.
func (c *Coordinator) Dispose() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return models.ErrCoordinatorDisposed
	}
	b := c.backend
	c.state = StateDisposed
	c.pending = nil
	c.restored = nil
	c.reconciling = nil
	c.mu.Unlock()

	c.bus.UnsubscribeAll(subscriberName)

	var err error
	if b != nil {
		if uerr := b.Unbind(); uerr != nil {
			err = fmt.Errorf("failed to unbind store backend: %w", uerr)
		}
	}
	c.bus.Close()

	c.logger.Info("Billing disposed")
	return err
}

// admitLocked applies the lifecycle and single-flight checks to a request
func (c *Coordinator) admitLocked(kind models.OperationKind, sku string) error {
	switch c.state {
	case StateDisposed:
		return models.ErrCoordinatorDisposed
	case StateUninitialized, StateInitializing:
		return models.ErrNotReady
	}
	if c.pending != nil {
		return &models.OperationInProgressError{Pending: c.pending.kind, Requested: kind}
	}
	if kind == models.OperationConsume {
		for _, r := range c.reconciling {
			if r.sku == sku {
				return &models.OperationInProgressError{Pending: models.OperationConsume, Requested: kind}
			}
		}
	}
	return nil
}

// abort releases the guard of a request the backend refused to issue
func (c *Coordinator) abort(kind models.OperationKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil && c.pending.kind == kind && !c.pending.completing {
		c.pending = nil
		c.state = StateReady
	}
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the operation holding the guard, if any
func (c *Coordinator) Pending() (models.OperationKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", false
	}
	return c.pending.kind, true
}

// StoreName returns the store reported by BillingSupported
func (c *Coordinator) StoreName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeName
}

// Inventory returns a copy of the owned purchases and known SKU details
func (c *Coordinator) Inventory() models.Inventory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inventoryLocked()
}

func (c *Coordinator) inventoryLocked() models.Inventory {
	return models.Inventory{Purchases: c.purchases, Details: c.details}.Clone()
}

// Entitlements lists owned non-consumable SKUs, sorted
func (c *Coordinator) Entitlements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.purchases))
	for sku := range c.purchases {
		if policy, ok := c.catalog.Policy(sku); ok && !policy.Consumable() {
			out = append(out, sku)
		}
	}
	sort.Strings(out)
	return out
}

// SkuDetails returns the store listing of sku from the last query
func (c *Coordinator) SkuDetails(sku string) (models.SkuDetails, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[sku]
	return d, ok
}

// AreSubscriptionsSupported asks the bound backend
func (c *Coordinator) AreSubscriptionsSupported() bool {
	c.mu.Lock()
	b := c.backend
	ready := c.state != StateUninitialized && c.state != StateDisposed
	c.mu.Unlock()

	return ready && b != nil && b.AreSubscriptionsSupported()
}

// storeSkuLocked maps sku for the connected store. SKUs without a mapping
// are sent as-is.
func (c *Coordinator) storeSkuLocked(sku string) string {
	storeSku, err := c.skus.Resolve(sku, c.storeName)
	if err != nil {
		return sku
	}
	return storeSku
}

func (c *Coordinator) storeSkusLocked(skus []string) []string {
	out := make([]string, len(skus))
	for i, sku := range skus {
		out[i] = c.storeSkuLocked(sku)
	}
	return out
}

// appSkuLocked maps a store SKU back to the catalog. A store SKU equal to an
// unmapped catalog SKU maps to itself.
func (c *Coordinator) appSkuLocked(storeSku string) (string, bool) {
	if sku, err := c.skus.Reverse(c.storeName, storeSku); err == nil {
		return sku, true
	}
	if !c.catalog.Contains(storeSku) {
		return "", false
	}
	if _, err := c.skus.Resolve(storeSku, c.storeName); err == nil {
		return "", false
	}
	return storeSku, true
}

func (c *Coordinator) toStoreLocked(p models.Purchase) models.Purchase {
	p.Sku = c.storeSkuLocked(p.Sku)
	return p
}
